package tikuncrm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Harness
// ============================================================================

// wsHarness is an in-process websocket backend. A script runs per accepted
// connection; flipping failing makes the handler reject upgrades so dial
// attempts fail at the HTTP layer.
type wsHarness struct {
	srv    *httptest.Server
	script func(ctx context.Context, conn *websocket.Conn)

	mu      sync.Mutex
	hits    int
	accepts int
	failing bool
	latest  *websocket.Conn
}

func newWSHarness(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) *wsHarness {
	h := &wsHarness{script: script}
	h.srv = httptest.NewServer(http.HandlerFunc(h.handle))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) handle(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.hits++
	failing := h.failing
	h.mu.Unlock()

	if failing {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.accepts++
	h.latest = conn
	h.mu.Unlock()

	h.script(r.Context(), conn)
	conn.Close(websocket.StatusInternalError, "handler exit")
}

func (h *wsHarness) acceptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepts
}

func (h *wsHarness) hitCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits
}

func (h *wsHarness) setFailing(failing bool) {
	h.mu.Lock()
	h.failing = failing
	h.mu.Unlock()
}

func (h *wsHarness) closeLatest(code websocket.StatusCode, reason string) {
	h.mu.Lock()
	conn := h.latest
	h.mu.Unlock()
	if conn != nil {
		conn.Close(code, reason)
	}
}

// readUntilClosed keeps the connection open until the peer closes it.
func readUntilClosed(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func testRealtimeConfig(baseURL string) *RealtimeConfig {
	return &RealtimeConfig{
		BaseURL:              baseURL,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    100 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Hour,
		DialTimeout:          2 * time.Second,
		Logger:               zerolog.Nop(),
	}
}

// ============================================================================
// Connection Lifecycle
// ============================================================================

func TestRealtimeConnectIdempotent(t *testing.T) {
	h := newWSHarness(t, readUntilClosed)
	rt := NewRealtimeClient(testRealtimeConfig(h.srv.URL))
	defer rt.Disconnect()

	ctx := context.Background()
	require.NoError(t, rt.Connect(ctx, "u-1", "tok"))
	assert.True(t, rt.IsConnected())
	assert.Equal(t, StateOpen, rt.State())

	// Second connect while open is a no-op: same socket, no second dial.
	require.NoError(t, rt.Connect(ctx, "u-1", "tok"))
	assert.Equal(t, 1, h.acceptCount())
}

func TestRealtimeDisconnect(t *testing.T) {
	h := newWSHarness(t, readUntilClosed)
	rt := NewRealtimeClient(testRealtimeConfig(h.srv.URL))

	var mu sync.Mutex
	var closes []ConnectionCloseEvent
	rt.On(EventConnectionClose, func(evt Event) {
		var p ConnectionCloseEvent
		require.NoError(t, evt.Decode(&p))
		mu.Lock()
		closes = append(closes, p)
		mu.Unlock()
	})

	require.NoError(t, rt.Connect(context.Background(), "u-1", "tok"))
	rt.Disconnect()

	assert.False(t, rt.IsConnected())
	assert.Equal(t, StateIdle, rt.State())

	mu.Lock()
	require.Len(t, closes, 1)
	assert.Equal(t, int(websocket.StatusNormalClosure), closes[0].Code)
	mu.Unlock()

	// An intentional close never triggers reconnection.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, h.acceptCount())

	// Disconnect when already disconnected is safe.
	rt.Disconnect()
}

func TestRealtimeTerminalCloseCodes(t *testing.T) {
	for _, tc := range []struct {
		name string
		code websocket.StatusCode
	}{
		{"normal closure", websocket.StatusNormalClosure},
		{"auth rejected", closeCodeAuthRejected},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newWSHarness(t, func(ctx context.Context, conn *websocket.Conn) {
				conn.Close(tc.code, "server says goodbye")
			})
			rt := NewRealtimeClient(testRealtimeConfig(h.srv.URL))
			defer rt.Disconnect()

			got := make(chan ConnectionCloseEvent, 1)
			rt.On(EventConnectionClose, func(evt Event) {
				var p ConnectionCloseEvent
				require.NoError(t, evt.Decode(&p))
				got <- p
			})

			require.NoError(t, rt.Connect(context.Background(), "u-1", "tok"))

			select {
			case p := <-got:
				assert.Equal(t, int(tc.code), p.Code)
				assert.Equal(t, "server says goodbye", p.Reason)
			case <-time.After(2 * time.Second):
				t.Fatal("no connection:close event")
			}

			// Terminal codes stay down until the next explicit connect.
			time.Sleep(150 * time.Millisecond)
			assert.Equal(t, 1, h.acceptCount())
			assert.False(t, rt.IsConnected())
		})
	}
}

// ============================================================================
// Reconnection
// ============================================================================

func TestRealtimeSingleSocketAcrossOverlappingConnects(t *testing.T) {
	var mu sync.Mutex
	var serverConns []*websocket.Conn
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slow upgrade so a Disconnect and a second Connect can land while
		// the first dial is still in flight.
		dials.Add(1)
		time.Sleep(150 * time.Millisecond)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		serverConns = append(serverConns, conn)
		mu.Unlock()
		readUntilClosed(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)

	rt := NewRealtimeClient(testRealtimeConfig(srv.URL))
	defer rt.Disconnect()

	var delivered atomic.Int32
	rt.On(EventBadgesRefresh, func(Event) { delivered.Add(1) })

	firstDone := make(chan error, 1)
	go func() { firstDone <- rt.Connect(context.Background(), "u-1", "tok") }()
	require.Eventually(t, func() bool {
		return dials.Load() == 1
	}, 2*time.Second, 5*time.Millisecond, "first dial never reached the server")
	rt.Disconnect()
	require.NoError(t, rt.Connect(context.Background(), "u-1", "tok"))
	require.NoError(t, <-firstDone)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(serverConns) == 2
	}, 3*time.Second, 10*time.Millisecond)

	// Broadcast one event on every socket the server ever accepted. Only
	// the single surviving connection may deliver it; the superseded dial's
	// socket must be dead.
	mu.Lock()
	for _, conn := range serverConns {
		conn.Write(context.Background(), websocket.MessageText,
			[]byte(`{"type":"badges:refresh","data":{}}`))
	}
	mu.Unlock()

	require.Eventually(t, func() bool {
		return delivered.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load())
	assert.True(t, rt.IsConnected())
}

func TestRealtimeReconnectsAfterAbnormalClose(t *testing.T) {
	h := newWSHarness(t, nil)
	h.script = func(ctx context.Context, conn *websocket.Conn) {
		if h.acceptCount() <= 2 {
			conn.Close(websocket.StatusInternalError, "rolling restart")
			return
		}
		readUntilClosed(ctx, conn)
	}
	rt := NewRealtimeClient(testRealtimeConfig(h.srv.URL))
	defer rt.Disconnect()

	require.NoError(t, rt.Connect(context.Background(), "u-1", "tok"))

	require.Eventually(t, func() bool {
		return h.acceptCount() >= 3 && rt.IsConnected()
	}, 3*time.Second, 10*time.Millisecond, "client never recovered")
}

func TestRealtimeReconnectExhaustion(t *testing.T) {
	h := newWSHarness(t, readUntilClosed)
	rt := NewRealtimeClient(testRealtimeConfig(h.srv.URL))
	defer rt.Disconnect()

	require.NoError(t, rt.Connect(context.Background(), "u-1", "tok"))

	// Take the backend down and kick the live connection out from under the
	// client: every redial now fails at the upgrade.
	h.setFailing(true)
	h.closeLatest(websocket.StatusInternalError, "going away")

	// Initial connect plus MaxReconnectAttempts failed dials, then it stops.
	require.Eventually(t, func() bool {
		return h.hitCount() == 4
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 4, h.hitCount())
	assert.False(t, rt.IsConnected())
	assert.Equal(t, StateIdle, rt.State())

	// An explicit connect is still allowed once the backend returns.
	h.setFailing(false)
	require.NoError(t, rt.Connect(context.Background(), "u-1", "tok"))
	assert.True(t, rt.IsConnected())
}

func TestReconnectorSchedule(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
	})

	var delays []time.Duration
	for !r.exhausted() {
		delays = append(delays, r.next())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, delays)

	r.reset()
	assert.False(t, r.exhausted())
	assert.Equal(t, 1*time.Second, r.next())
}

func TestReconnectorDelayCap(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   10 * time.Second,
		ReconnectMaxDelay:    15 * time.Second,
		MaxReconnectAttempts: 4,
	})

	assert.Equal(t, 10*time.Second, r.next())
	assert.Equal(t, 15*time.Second, r.next())
	assert.Equal(t, 15*time.Second, r.next())
}

// ============================================================================
// Messaging
// ============================================================================

func TestRealtimeSendDroppedWhenDisconnected(t *testing.T) {
	rt := NewRealtimeClient(testRealtimeConfig("http://127.0.0.1:1"))

	// Best-effort channel: sending while closed is not an error.
	assert.NoError(t, rt.Send(context.Background(), map[string]string{"type": "noop"}))
}

func TestRealtimeSendAndCommand(t *testing.T) {
	inbound := make(chan []byte, 16)
	h := newWSHarness(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			inbound <- data
		}
	})
	rt := NewRealtimeClient(testRealtimeConfig(h.srv.URL))
	defer rt.Disconnect()

	ctx := context.Background()
	require.NoError(t, rt.Connect(ctx, "u-1", "tok"))

	require.NoError(t, rt.SendCommand(ctx, "presence:ping", map[string]string{"page": "leads"}))

	select {
	case data := <-inbound:
		var cmd Command
		require.NoError(t, json.Unmarshal(data, &cmd))
		assert.Equal(t, "presence:ping", cmd.Type)
		assert.NotEmpty(t, cmd.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the command")
	}

	// Unmarshalable payloads are the one reportable send failure.
	assert.Error(t, rt.Send(ctx, func() {}))
}

func TestRealtimeEventDelivery(t *testing.T) {
	h := newWSHarness(t, func(ctx context.Context, conn *websocket.Conn) {
		frames := []string{
			"pong",
			"{{not json",
			`{"type":"lead:updated","data":{"lead_id":"ld-7","stage":"won"}}`,
		}
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		readUntilClosed(ctx, conn)
	})
	rt := NewRealtimeClient(testRealtimeConfig(h.srv.URL))
	defer rt.Disconnect()

	got := make(chan LeadEvent, 1)
	rt.On(EventLeadUpdated, func(evt Event) {
		var p LeadEvent
		require.NoError(t, evt.Decode(&p))
		got <- p
	})

	require.NoError(t, rt.Connect(context.Background(), "u-1", "tok"))

	select {
	case p := <-got:
		assert.Equal(t, "ld-7", p.LeadID)
		assert.Equal(t, "won", p.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("lead:updated never delivered")
	}
	// The control token and the broken frame before it were dropped without
	// disturbing the connection.
	assert.True(t, rt.IsConnected())
}

func TestRealtimeHeartbeat(t *testing.T) {
	inbound := make(chan string, 16)
	h := newWSHarness(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			inbound <- string(data)
			if string(data) == heartbeatPing {
				if err := conn.Write(ctx, websocket.MessageText, []byte(heartbeatPong)); err != nil {
					return
				}
			}
		}
	})
	cfg := testRealtimeConfig(h.srv.URL)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	rt := NewRealtimeClient(cfg)
	defer rt.Disconnect()

	require.NoError(t, rt.Connect(context.Background(), "u-1", "tok"))

	select {
	case msg := <-inbound:
		assert.Equal(t, heartbeatPing, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}

	// The bare pong answer must not disturb the connection.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, rt.IsConnected())
}

// ============================================================================
// Endpoint Derivation
// ============================================================================

func TestWSEndpoint(t *testing.T) {
	assert.Equal(t,
		"wss://app.tikuncrm.com/ws?token=abc",
		wsEndpoint("https://app.tikuncrm.com", "abc"))
	assert.Equal(t,
		"ws://127.0.0.1:8080/ws?token=abc",
		wsEndpoint("http://127.0.0.1:8080/", "abc"))
	assert.Equal(t,
		"wss://app.tikuncrm.com/ws?token=a%2Bb%3Dc",
		wsEndpoint("https://app.tikuncrm.com", "a+b=c"))
}
