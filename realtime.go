package tikuncrm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	// BaseURL is the API base URL; the websocket endpoint is derived from it
	// by rewriting the scheme (http→ws, https→wss) and appending /ws.
	BaseURL string

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration

	Logger zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// RealtimeState represents the connection lifecycle state.
type RealtimeState string

const (
	StateIdle         RealtimeState = "idle"
	StateConnecting   RealtimeState = "connecting"
	StateOpen         RealtimeState = "open"
	StateReconnecting RealtimeState = "reconnecting"
)

// closeCodeAuthRejected is the application close code the backend uses to
// reject a bad or expired token. Like a normal closure, it is terminal.
const closeCodeAuthRejected websocket.StatusCode = 4001

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks the bounded exponential backoff schedule. Guarded by
// the owning client's mutex.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

// next returns the delay before the upcoming attempt: base doubled per
// consecutive attempt, capped at maxDelay.
func (r *reconnector) next() time.Duration {
	delay := r.baseDelay << uint(r.attempt)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single WebSocket connection for an authenticated
// session: connect/disconnect, heartbeat, bounded exponential-backoff
// reconnection, and typed event fan-out. Construct exactly one per process
// and share it; Connect is idempotent so concurrent consumers collapse into
// one underlying connection.
//
// The channel is advisory: events are invalidation hints and delivery is
// best-effort. Nothing here returns an error for ordinary network failures;
// they are absorbed, logged, and surfaced as connection:* events.
type RealtimeClient struct {
	cfg        *RealtimeConfig
	logger     zerolog.Logger
	dispatcher *dispatcher

	mu               sync.Mutex
	state            RealtimeState
	conn             *websocket.Conn
	userID           string
	token            string
	intentionalClose bool
	cancel           context.CancelFunc
	recon            *reconnector
	reconnectTimer   *time.Timer

	// gen is bumped by every Connect claim and every Disconnect. A dial
	// result is only installed if gen still matches the claim it was made
	// under, so a dial that lost to a Disconnect or a newer Connect can
	// never install a second live socket.
	gen uint64
}

// NewRealtimeClient creates a realtime client for the given configuration.
func NewRealtimeClient(cfg *RealtimeConfig) *RealtimeClient {
	c := *cfg
	c.defaults()
	logger := c.Logger.With().Str("component", "realtime").Logger()
	return &RealtimeClient{
		cfg:        &c,
		logger:     logger,
		dispatcher: newDispatcher(logger),
		state:      StateIdle,
		recon:      newReconnector(&c),
	}
}

// On registers a listener for eventType and returns a remover that detaches
// exactly that listener. Removal is safe to call more than once and never
// affects other listeners registered for the same type.
func (c *RealtimeClient) On(eventType string, fn Handler) func() {
	return c.dispatcher.on(eventType, fn)
}

// IsConnected reports whether the connection is currently open.
func (c *RealtimeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// State returns the current lifecycle state.
func (c *RealtimeClient) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// identity returns the identity the connection was last dialed with.
func (c *RealtimeClient) identity() (userID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.token
}

// Connect opens the WebSocket for the given identity. If a connection is
// already open or being opened this is a no-op. A pending reconnect timer
// is superseded. On success the reconnect-attempt counter resets to zero
// and a connection:open event is emitted.
func (c *RealtimeClient) Connect(ctx context.Context, userID, token string) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.logger.Debug().Str("state", string(c.state)).Msg("connect ignored, already active")
		c.mu.Unlock()
		return nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state = StateConnecting
	c.userID = userID
	c.token = token
	c.intentionalClose = false
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, wsEndpoint(c.cfg.BaseURL, token), nil)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		// A Disconnect or a newer Connect claimed the client while this
		// dial was in flight; tear the fresh socket down and leave the
		// current claim's state alone.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	c.conn = conn
	c.state = StateOpen
	c.recon.reset()
	connCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info().Str("user_id", userID).Msg("connected")
	c.emit(EventConnectionOpen, ConnectionOpenEvent{UserID: userID})

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection with a normal-closure code, stops the
// heartbeat and any pending reconnect, clears the stored identity and token,
// and resets the attempt counter. Safe to call when already disconnected.
func (c *RealtimeClient) Disconnect() {
	c.mu.Lock()
	c.intentionalClose = true
	c.gen++
	c.userID = ""
	c.token = ""
	c.recon.reset()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	wasOpen := c.state == StateOpen
	c.state = StateIdle
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasOpen {
		c.logger.Info().Msg("disconnected")
		c.emit(EventConnectionClose, ConnectionCloseEvent{
			Code:   int(websocket.StatusNormalClosure),
			Reason: "client disconnect",
		})
	}
}

// Send transmits an arbitrary payload if the connection is currently open;
// otherwise the message is silently dropped. This is a best-effort channel:
// there is no queueing and no delivery guarantee. The only error returned is
// a marshal failure.
func (c *RealtimeClient) Send(ctx context.Context, payload any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.logger.Debug().Msg("send dropped, not connected")
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Warn().Err(err).Msg("send failed")
		c.emit(EventConnectionError, ConnectionErrorEvent{Message: err.Error()})
	}
	return nil
}

// SendCommand sends a typed command frame with a generated request ID.
func (c *RealtimeClient) SendCommand(ctx context.Context, cmdType string, payload any) error {
	return c.Send(ctx, &Command{
		Type:      cmdType,
		Payload:   payload,
		RequestID: uuid.NewString(),
	})
}

// ============================================================================
// Internals
// ============================================================================

func (c *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		evt, ok := decodeFrame(data, c.logger)
		if !ok {
			continue
		}
		c.dispatcher.dispatch(evt)
	}
}

// handleClose is the sole trigger for reconnection logic. Transport errors
// during the connection's lifetime only emit connection:error; whatever
// ultimately closes the socket lands here exactly once.
func (c *RealtimeClient) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Superseded by Disconnect or a newer connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateIdle
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	code := websocket.CloseStatus(err)
	reason := err.Error()
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}

	c.logger.Info().Int("code", int(code)).Str("reason", reason).Msg("connection closed")
	c.emit(EventConnectionClose, ConnectionCloseEvent{Code: int(code), Reason: reason})

	if code == websocket.StatusNormalClosure || code == closeCodeAuthRejected {
		c.logger.Info().Int("code", int(code)).Msg("terminal close, not reconnecting")
		return
	}
	c.scheduleReconnect()
}

func (c *RealtimeClient) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.intentionalClose || c.userID == "" || c.token == "" {
		return
	}
	if c.recon.exhausted() {
		c.logger.Warn().Int("attempts", c.recon.attempt).Msg("reconnect attempts exhausted, staying closed")
		return
	}
	delay := c.recon.next()
	c.state = StateReconnecting
	c.logger.Info().Dur("delay", delay).Int("attempt", c.recon.attempt).Msg("scheduling reconnect")
	c.reconnectTimer = time.AfterFunc(delay, c.tryReconnect)
}

func (c *RealtimeClient) tryReconnect() {
	c.mu.Lock()
	if c.state != StateReconnecting || c.intentionalClose {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	userID, token := c.userID, c.token
	c.mu.Unlock()

	if userID == "" || token == "" {
		return
	}
	if err := c.Connect(context.Background(), userID, token); err != nil {
		c.logger.Warn().Err(err).Msg("reconnect attempt failed")
		c.scheduleReconnect()
	}
}

// heartbeatLoop writes a bare "ping" text frame at a fixed interval while
// the connection is open. Write failures are left to the close handler.
func (c *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte(heartbeatPing)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat write failed")
				return
			}
		}
	}
}

// emit delivers a synthetic client-local event through the dispatcher.
func (c *RealtimeClient) emit(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event", eventType).Msg("marshal synthetic event")
		return
	}
	c.dispatcher.dispatch(Event{Type: eventType, Data: data})
}

// wsEndpoint derives the websocket URL from the API base URL.
func wsEndpoint(baseURL, token string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws?token=" + url.QueryEscape(token)
}
