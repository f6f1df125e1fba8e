package tikuncrm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyTransport fails requests at the transport level while fail is set,
// simulating a REST blip with connectivity otherwise intact.
type flakyTransport struct {
	mu   sync.Mutex
	fail bool
}

func (f *flakyTransport) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestOutboxQueuesWhileOffline(t *testing.T) {
	srv, recorded := newAPIServer(t, nil)
	client := NewClient("tok", WithBaseURL(srv.URL))
	outbox := NewOutbox(client, &OutboxOptions{Logger: zerolog.Nop()})

	assert.False(t, outbox.IsOnline())

	res, err := outbox.Dispatch(context.Background(), "POST", "/api/leads/ld-1/assign", map[string]string{"user_id": "u-2"}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "QUEUED", res.Error.Code)
	assert.Equal(t, 1, outbox.Pending())
	assert.Empty(t, *recorded)

	// Coming online replays the queue in the background.
	outbox.SetOnline(true)
	require.Eventually(t, func() bool {
		return outbox.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, *recorded, 1)
	assert.Equal(t, "/api/leads/ld-1/assign", (*recorded)[0].Path)
}

func TestOutboxForwardsWhenOnline(t *testing.T) {
	srv, recorded := newAPIServer(t, nil)
	client := NewClient("tok", WithBaseURL(srv.URL))
	outbox := NewOutbox(client, &OutboxOptions{Logger: zerolog.Nop()})
	outbox.SetOnline(true)

	res, err := outbox.Dispatch(context.Background(), "POST", "/api/notifications/read-all", nil, nil)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Zero(t, outbox.Pending())
	assert.Len(t, *recorded, 1)
}

func TestOutboxQueuesOnTransportFailure(t *testing.T) {
	client := NewClient("tok", WithBaseURL("http://127.0.0.1:1"))
	outbox := NewOutbox(client, &OutboxOptions{Logger: zerolog.Nop()})
	outbox.SetOnline(true)

	res, err := outbox.Dispatch(context.Background(), "POST", "/api/leads", &LeadCreateOptions{Source: "walk-in"}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "QUEUED", res.Error.Code)
	assert.Equal(t, 1, outbox.Pending())
}

func TestOutboxDrainsWithoutConnectivityFlip(t *testing.T) {
	srv, recorded := newAPIServer(t, nil)
	transport := &flakyTransport{fail: true}
	client := NewClient("tok",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Transport: transport}),
	)
	outbox := NewOutbox(client, &OutboxOptions{RetryBase: 20 * time.Millisecond, Logger: zerolog.Nop()})
	outbox.SetOnline(true)

	res, err := outbox.Dispatch(context.Background(), "POST", "/api/leads/ld-1/assign", map[string]string{"user_id": "u-2"}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "QUEUED", res.Error.Code)
	assert.Equal(t, 1, outbox.Pending())

	// The transport recovers. The op must drain on the retry timer alone,
	// with no SetOnline transition in between.
	transport.setFail(false)
	require.Eventually(t, func() bool {
		return outbox.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, *recorded, 1)
	assert.Equal(t, "/api/leads/ld-1/assign", (*recorded)[0].Path)
}

func TestOutboxServerRejectionNotQueued(t *testing.T) {
	srv, _ := newAPIServer(t, map[string]string{
		"POST /api/leads/ld-1/stage": `{"success":false,"error":{"code":"INVALID_TRANSITION","message":"no"}}`,
	})
	client := NewClient("tok", WithBaseURL(srv.URL))
	outbox := NewOutbox(client, &OutboxOptions{Logger: zerolog.Nop()})
	outbox.SetOnline(true)

	res, err := outbox.Dispatch(context.Background(), "POST", "/api/leads/ld-1/stage", map[string]string{"stage": "won"}, nil)
	require.NoError(t, err)
	require.Error(t, res.Err())
	assert.Zero(t, outbox.Pending())
}

func TestOutboxFlushPreservesOrder(t *testing.T) {
	srv, recorded := newAPIServer(t, nil)
	client := NewClient("tok", WithBaseURL(srv.URL))
	outbox := NewOutbox(client, &OutboxOptions{Logger: zerolog.Nop()})

	ctx := context.Background()
	for _, path := range []string{"/api/leads", "/api/leads/ld-1/assign", "/api/notifications/n-1/read"} {
		_, err := outbox.Dispatch(ctx, "POST", path, nil, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, outbox.Pending())

	delivered := outbox.Flush(ctx)
	assert.Equal(t, 3, delivered)
	assert.Zero(t, outbox.Pending())

	require.Len(t, *recorded, 3)
	assert.Equal(t, "/api/leads", (*recorded)[0].Path)
	assert.Equal(t, "/api/leads/ld-1/assign", (*recorded)[1].Path)
	assert.Equal(t, "/api/notifications/n-1/read", (*recorded)[2].Path)
}

func TestOutboxFlushRequeuesTransportFailures(t *testing.T) {
	srv, _ := newAPIServer(t, nil)
	client := NewClient("tok", WithBaseURL(srv.URL))
	outbox := NewOutbox(client, &OutboxOptions{RetryBase: time.Hour, Logger: zerolog.Nop()})

	ctx := context.Background()
	_, err := outbox.Dispatch(ctx, "POST", "/api/leads", nil, nil)
	require.NoError(t, err)

	// Backend goes away entirely: the flush fails at the transport and the
	// op waits out its backoff window.
	srv.Close()
	assert.Zero(t, outbox.Flush(ctx))
	assert.Equal(t, 1, outbox.Pending())

	// Still queued but not ready, so a second flush touches nothing.
	assert.Zero(t, outbox.Flush(ctx))
	assert.Equal(t, 1, outbox.Pending())
}

func TestOutboxDropsAfterMaxRetries(t *testing.T) {
	srv, _ := newAPIServer(t, nil)
	client := NewClient("tok", WithBaseURL(srv.URL))
	outbox := NewOutbox(client, &OutboxOptions{MaxRetries: 1, Logger: zerolog.Nop()})

	ctx := context.Background()
	_, err := outbox.Dispatch(ctx, "POST", "/api/leads", nil, nil)
	require.NoError(t, err)

	srv.Close()
	assert.Zero(t, outbox.Flush(ctx))
	assert.Zero(t, outbox.Pending())
}

func TestOutboxFlushDropsServerRejections(t *testing.T) {
	srv, _ := newAPIServer(t, map[string]string{
		"POST /api/leads": `{"success":false,"error":{"code":"VALIDATION","message":"missing dealership"}}`,
	})
	client := NewClient("tok", WithBaseURL(srv.URL))
	outbox := NewOutbox(client, &OutboxOptions{Logger: zerolog.Nop()})

	ctx := context.Background()
	_, err := outbox.Dispatch(ctx, "POST", "/api/leads", nil, nil)
	require.NoError(t, err)

	assert.Zero(t, outbox.Flush(ctx))
	assert.Zero(t, outbox.Pending())
}
