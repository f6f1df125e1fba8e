package tikuncrm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Outbox
// ============================================================================

// OutboxOp is one queued REST write.
type OutboxOp struct {
	ID          string            `json:"id"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Body        any               `json:"body,omitempty"`
	Query       map[string]string `json:"query,omitempty"`
	Retries     int               `json:"retries"`
	LastError   string            `json:"last_error,omitempty"`
	NextAttempt time.Time         `json:"next_attempt"`
	CreatedAt   time.Time         `json:"created_at"`
}

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	MaxRetries int           // drop an op after this many failed flushes (default 5)
	RetryBase  time.Duration // backoff base between retries of one op (default 2s)
	Logger     zerolog.Logger
}

func (o *OutboxOptions) defaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.RetryBase == 0 {
		o.RetryBase = 2 * time.Second
	}
}

// Outbox queues REST writes made while the client is offline and replays
// them in order once connectivity returns. Writes that fail in flight while
// online are queued too and drained on a retry timer. It covers
// client-initiated writes only — the realtime event channel itself stays
// fire-and-forget with no replay.
//
// Attach it to a Session with WithOutbox so connection:open / close drive
// the online flag and trigger flushes.
type Outbox struct {
	client *Client
	logger zerolog.Logger

	mu         sync.Mutex
	ops        []*OutboxOp
	online     bool
	flushTimer *time.Timer
	maxRetries int
	retryBase  time.Duration
}

// NewOutbox creates an outbox that replays through client. The outbox
// starts offline; SetOnline flips it.
func NewOutbox(client *Client, opts *OutboxOptions) *Outbox {
	var o OutboxOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Outbox{
		client:     client,
		logger:     o.Logger.With().Str("component", "outbox").Logger(),
		maxRetries: o.MaxRetries,
		retryBase:  o.RetryBase,
	}
}

// SetOnline updates the connectivity flag. Transitioning to online flushes
// pending ops in the background; going offline disarms any pending retry.
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	was := o.online
	o.online = online
	if !online && o.flushTimer != nil {
		o.flushTimer.Stop()
		o.flushTimer = nil
	}
	pending := len(o.ops)
	o.mu.Unlock()

	if online && !was && pending > 0 {
		o.scheduleFlush(0)
	}
}

// IsOnline reports the current connectivity flag.
func (o *Outbox) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Pending returns the number of queued ops.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}

// Dispatch performs a REST write, or queues it when offline or when the
// request fails at the transport level. A queued dispatch returns a Result
// with code "QUEUED"; API-level errors (server said no) are returned as-is
// and never queued.
func (o *Outbox) Dispatch(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	if o.IsOnline() {
		res, err := o.client.do(ctx, method, path, body, query)
		if err == nil {
			return res, nil
		}
		o.logger.Warn().Err(err).Str("path", path).Msg("write failed, queueing")
	}
	op := o.enqueue(method, path, body, query)
	// An op queued while still online would otherwise sit until the next
	// connectivity flip; arm the retry timer so it drains on its own.
	o.scheduleFlush(o.retryBase)
	return &Result{
		Success: false,
		Error:   &APIError{Code: "QUEUED", Message: "queued for delivery, op " + op.ID},
	}, nil
}

func (o *Outbox) enqueue(method, path string, body any, query map[string]string) *OutboxOp {
	op := &OutboxOp{
		ID:          uuid.NewString(),
		Method:      method,
		Path:        path,
		Body:        body,
		Query:       query,
		NextAttempt: time.Now(),
		CreatedAt:   time.Now(),
	}
	o.mu.Lock()
	o.ops = append(o.ops, op)
	pending := len(o.ops)
	o.mu.Unlock()

	o.logger.Info().Str("op", op.ID).Str("path", path).Int("pending", pending).Msg("op queued")
	return op
}

// scheduleFlush arms a one-shot background flush after delay. At most one
// timer is armed at a time, and only while online.
func (o *Outbox) scheduleFlush(delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.online || o.flushTimer != nil {
		return
	}
	o.flushTimer = time.AfterFunc(delay, o.backgroundFlush)
}

func (o *Outbox) backgroundFlush() {
	o.mu.Lock()
	o.flushTimer = nil
	online := o.online
	pending := len(o.ops)
	o.mu.Unlock()

	if !online || pending == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	o.Flush(ctx)

	if o.Pending() > 0 {
		o.scheduleFlush(o.retryBase)
	}
}

// Flush replays queued ops in enqueue order, skipping ops whose backoff
// window has not elapsed. It returns the number of ops delivered. Ops that
// keep failing past MaxRetries are dropped and logged.
func (o *Outbox) Flush(ctx context.Context) int {
	ready := o.takeReady()
	delivered := 0

	for _, op := range ready {
		res, err := o.client.do(ctx, op.Method, op.Path, op.Body, op.Query)
		if err == nil && res.Err() == nil {
			delivered++
			o.logger.Info().Str("op", op.ID).Str("path", op.Path).Msg("op delivered")
			continue
		}
		if err == nil {
			// The server rejected the op; retrying will not change its mind.
			o.logger.Warn().Str("op", op.ID).Str("path", op.Path).Err(res.Err()).Msg("op rejected, dropping")
			continue
		}
		o.requeue(op, err)
	}
	return delivered
}

// takeReady removes and returns the ops whose NextAttempt has passed,
// preserving enqueue order for the rest.
func (o *Outbox) takeReady() []*OutboxOp {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	var ready, rest []*OutboxOp
	for _, op := range o.ops {
		if op.NextAttempt.After(now) {
			rest = append(rest, op)
			continue
		}
		ready = append(ready, op)
	}
	o.ops = rest
	return ready
}

func (o *Outbox) requeue(op *OutboxOp, err error) {
	op.Retries++
	op.LastError = err.Error()
	if op.Retries >= o.maxRetries {
		o.logger.Error().Str("op", op.ID).Str("path", op.Path).Int("retries", op.Retries).
			Msg("op exceeded retry limit, dropping")
		return
	}
	op.NextAttempt = time.Now().Add(o.retryBase << uint(op.Retries-1))

	o.mu.Lock()
	o.ops = append(o.ops, op)
	o.mu.Unlock()

	o.logger.Warn().Str("op", op.ID).Int("retries", op.Retries).Err(err).Msg("op requeued")
}
