package tikuncrm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ============================================================================
// Session (binding layer)
// ============================================================================

// Identity is the authenticated-identity signal the session watches: set
// when a user logs in, cleared on logout.
type Identity struct {
	UserID string
	Token  string
}

// ErrTokenExpired is returned by SetIdentity when the resolved token already
// carries an expiry in the past. Connecting would only earn a 4001.
var ErrTokenExpired = errors.New("auth token expired")

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithTokenStore sets the persistent token store consulted when an identity
// carries no token. The store is read once per connection attempt.
func WithTokenStore(store TokenStore) SessionOption {
	return func(s *Session) { s.store = store }
}

// WithOutbox attaches an outbox that is flushed whenever the connection
// opens and marked offline whenever it closes.
func WithOutbox(outbox *Outbox) SessionOption {
	return func(s *Session) { s.outbox = outbox }
}

// Session adapts the imperative RealtimeClient to a declarative consumer
// lifecycle: it watches an identity signal (connecting when one appears,
// disconnecting when it is cleared), tracks live connection status from
// connection:open / connection:close, and hands out Subscription handles
// whose handler can be swapped without touching the registry.
//
// Exactly one Session should own exactly one RealtimeClient; construct both
// at the composition root and pass them down.
type Session struct {
	rt     *RealtimeClient
	store  TokenStore
	outbox *Outbox
	logger zerolog.Logger

	mu        sync.Mutex
	connected bool
	identity  *Identity

	offOpen  func()
	offClose func()
	once     sync.Once
}

// NewSession wraps rt in a session. The session registers its own internal
// connection:open / connection:close listeners; call Close to detach them.
func NewSession(rt *RealtimeClient, opts ...SessionOption) *Session {
	s := &Session{rt: rt, logger: rt.logger}
	for _, opt := range opts {
		opt(s)
	}
	s.offOpen = rt.On(EventConnectionOpen, func(Event) { s.setConnected(true) })
	s.offClose = rt.On(EventConnectionClose, func(Event) { s.setConnected(false) })
	return s
}

// Realtime exposes the underlying client for raw On / Send access.
func (s *Session) Realtime() *RealtimeClient { return s.rt }

// IsConnected reports the live connection status, updated on
// connection:open and connection:close.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// OnConnectionChange registers fn to observe connection status flips. The
// returned remover detaches it; calling the remover twice is a no-op.
func (s *Session) OnConnectionChange(fn func(connected bool)) func() {
	offOpen := s.rt.On(EventConnectionOpen, func(Event) { fn(true) })
	offClose := s.rt.On(EventConnectionClose, func(Event) { fn(false) })
	var once sync.Once
	return func() {
		once.Do(func() {
			offOpen()
			offClose()
		})
	}
}

// SetIdentity records the authenticated identity and connects. When the
// identity carries no token, the persistent store is consulted. A token
// whose expiry has passed aborts with ErrTokenExpired instead of dialing.
// Setting a different identity while connected drops the old connection
// and dials with the new token.
func (s *Session) SetIdentity(ctx context.Context, id Identity) error {
	token := id.Token
	if token == "" && s.store != nil {
		stored, err := s.store.Load()
		if err != nil {
			return fmt.Errorf("load token: %w", err)
		}
		token = stored
	}
	if token == "" {
		return errors.New("no auth token available")
	}
	if TokenExpired(token) {
		s.logger.Warn().Str("user_id", id.UserID).Msg("stored token expired, not connecting")
		return ErrTokenExpired
	}

	userID := id.UserID
	if userID == "" {
		if claims, err := InspectToken(token); err == nil {
			userID = claims.UserID
			if userID == "" {
				userID = claims.Subject
			}
		}
	}

	s.mu.Lock()
	s.identity = &Identity{UserID: userID, Token: token}
	s.mu.Unlock()

	// A live connection still authenticated as someone else must not be
	// reused; drop it so the dial below carries the new token.
	if curUser, curToken := s.rt.identity(); s.rt.State() != StateIdle &&
		(curUser != userID || curToken != token) {
		s.logger.Info().Str("user_id", userID).Msg("identity changed, reconnecting")
		s.rt.Disconnect()
	}

	return s.rt.Connect(ctx, userID, token)
}

// ClearIdentity drops the identity and disconnects. No reconnect attempts
// happen afterward until a new identity is set.
func (s *Session) ClearIdentity() {
	s.mu.Lock()
	s.identity = nil
	s.mu.Unlock()
	s.rt.Disconnect()
}

// Identity returns the current identity, or nil when logged out.
func (s *Session) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// Close tears the session down: internal listeners are removed and the
// connection is closed. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		s.offOpen()
		s.offClose()
		s.rt.Disconnect()
	})
}

func (s *Session) setConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	outbox := s.outbox
	s.mu.Unlock()

	if !changed || outbox == nil {
		return
	}
	outbox.SetOnline(connected)
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription binds one handler to one event type for as long as a
// consumer needs it. The registry registration is created once and torn
// down once; SetHandler swaps the invoked function through a stable
// indirection cell, so a consumer whose closure changes between renders of
// its local state never re-registers, misses, or double-receives events.
type Subscription struct {
	eventType string
	handler   atomic.Pointer[Handler]
	off       func()
	closeOnce sync.Once
}

// Subscribe registers fn for eventType and returns the handle.
func (s *Session) Subscribe(eventType string, fn Handler) *Subscription {
	sub := &Subscription{eventType: eventType}
	sub.handler.Store(&fn)
	sub.off = s.rt.On(eventType, func(evt Event) {
		if h := sub.handler.Load(); h != nil && *h != nil {
			(*h)(evt)
		}
	})
	return sub
}

// EventType returns the subscribed event type.
func (sub *Subscription) EventType() string { return sub.eventType }

// SetHandler swaps the handler without re-registering.
func (sub *Subscription) SetHandler(fn Handler) {
	sub.handler.Store(&fn)
}

// Close removes the registration. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(sub.off)
}

// ============================================================================
// Typed subscriptions
// ============================================================================

// OnLeadUpdated subscribes to lead:updated. A non-empty leadID filters
// deliveries to that lead only.
func (s *Session) OnLeadUpdated(leadID string, fn func(LeadEvent)) *Subscription {
	return s.Subscribe(EventLeadUpdated, func(evt Event) {
		var p LeadEvent
		if err := evt.Decode(&p); err != nil {
			s.logger.Warn().Err(err).Msg("lead:updated payload")
			return
		}
		if leadID != "" && p.LeadID != leadID {
			return
		}
		fn(p)
	})
}

// OnLeadCreated subscribes to lead:created.
func (s *Session) OnLeadCreated(fn func(LeadEvent)) *Subscription {
	return s.Subscribe(EventLeadCreated, func(evt Event) {
		var p LeadEvent
		if err := evt.Decode(&p); err != nil {
			s.logger.Warn().Err(err).Msg("lead:created payload")
			return
		}
		fn(p)
	})
}

// OnNotification subscribes to notification:new.
func (s *Session) OnNotification(fn func(NotificationEvent)) *Subscription {
	return s.Subscribe(EventNotificationNew, func(evt Event) {
		var p NotificationEvent
		if err := evt.Decode(&p); err != nil {
			s.logger.Warn().Err(err).Msg("notification:new payload")
			return
		}
		fn(p)
	})
}

// OnBadgesRefresh subscribes to badges:refresh. The payload is an
// invalidation hint only; consumers refetch counts over REST.
func (s *Session) OnBadgesRefresh(fn func(BadgeEvent)) *Subscription {
	return s.Subscribe(EventBadgesRefresh, func(evt Event) {
		var p BadgeEvent
		if len(evt.Data) > 0 {
			if err := evt.Decode(&p); err != nil {
				s.logger.Warn().Err(err).Msg("badges:refresh payload")
			}
		}
		fn(p)
	})
}
