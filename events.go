package tikuncrm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Types
// ============================================================================

// Event type discriminators observed on the wire. The set is open-ended:
// any string the backend sends is delivered to listeners registered for
// that exact key, known or not.
const (
	// Synthetic, client-local events.
	EventConnectionOpen  = "connection:open"
	EventConnectionClose = "connection:close"
	EventConnectionError = "connection:error"

	// Server-pushed events.
	EventLeadCreated          = "lead:created"
	EventLeadUpdated          = "lead:updated"
	EventBadgesRefresh        = "badges:refresh"
	EventNotificationNew      = "notification:new"
	EventSMSReceived          = "sms:received"
	EventSMSSent              = "sms:sent"
	EventWhatsAppReceived     = "whatsapp:received"
	EventWhatsAppSent         = "whatsapp:sent"
	EventWhatsAppStatus       = "whatsapp:status"
	EventCallNeedsLeadDetails = "call:needs_lead_details"
)

// Envelope is the wire format for inbound frames.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is one decoded inbound frame. It exists only for the duration of
// dispatch; payload fields are invalidation hints, not authoritative state.
type Event struct {
	Type string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %q has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %q payload: %w", e.Type, err)
	}
	return nil
}

// ============================================================================
// Event Payload Types
// ============================================================================

// ConnectionOpenEvent is the payload of the synthetic connection:open event.
type ConnectionOpenEvent struct {
	UserID string `json:"user_id"`
}

// ConnectionCloseEvent is the payload of connection:close.
type ConnectionCloseEvent struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// ConnectionErrorEvent is the payload of the synthetic connection:error
// event. Informational only; errors never terminate the connection by
// themselves.
type ConnectionErrorEvent struct {
	Message string `json:"message"`
}

// LeadEvent is the payload of lead:created and lead:updated.
type LeadEvent struct {
	LeadID       string `json:"lead_id"`
	DealershipID string `json:"dealership_id,omitempty"`
	Stage        string `json:"stage,omitempty"`
	AssignedTo   string `json:"assigned_to,omitempty"`
}

// BadgeEvent is the payload of badges:refresh. An empty scope means all
// badge counters should be refetched.
type BadgeEvent struct {
	Scope string `json:"scope,omitempty"`
}

// NotificationEvent is the payload of notification:new.
type NotificationEvent struct {
	ID     string `json:"id"`
	Kind   string `json:"kind,omitempty"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	LeadID string `json:"lead_id,omitempty"`
}

// SMSEvent is the payload of sms:received and sms:sent.
type SMSEvent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	LeadID         string `json:"lead_id,omitempty"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	Body           string `json:"body,omitempty"`
}

// WhatsAppEvent is the payload of whatsapp:received and whatsapp:sent.
type WhatsAppEvent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	LeadID         string `json:"lead_id,omitempty"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	Body           string `json:"body,omitempty"`
}

// WhatsAppStatusEvent is the payload of whatsapp:status (sent/delivered/read
// receipts relayed from the provider).
type WhatsAppStatusEvent struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// CallEvent is the payload of call:needs_lead_details: an inbound call
// arrived for a number with no matching lead.
type CallEvent struct {
	CallID string `json:"call_id"`
	From   string `json:"from,omitempty"`
	LeadID string `json:"lead_id,omitempty"`
}

// Command is an outbound client-to-server frame. The realtime channel is
// push-only for events; commands are best-effort.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ============================================================================
// Frame Decoding
// ============================================================================

// heartbeatPing is the outbound keep-alive frame; heartbeatPong is the bare
// acknowledgment some backends answer with. Neither is an event.
const (
	heartbeatPing = "ping"
	heartbeatPong = "pong"
)

// payloadSchemas maps each known event type to a decode check. Unknown types
// are delivered opaquely; known types with a mismatched payload are still
// delivered but logged, favoring availability over strictness.
var payloadSchemas = map[string]func(json.RawMessage) error{
	EventLeadCreated:          schemaOf[LeadEvent],
	EventLeadUpdated:          schemaOf[LeadEvent],
	EventBadgesRefresh:        schemaOf[BadgeEvent],
	EventNotificationNew:      schemaOf[NotificationEvent],
	EventSMSReceived:          schemaOf[SMSEvent],
	EventSMSSent:              schemaOf[SMSEvent],
	EventWhatsAppReceived:     schemaOf[WhatsAppEvent],
	EventWhatsAppSent:         schemaOf[WhatsAppEvent],
	EventWhatsAppStatus:       schemaOf[WhatsAppStatusEvent],
	EventCallNeedsLeadDetails: schemaOf[CallEvent],
	EventConnectionClose:      schemaOf[ConnectionCloseEvent],
	EventConnectionError:      schemaOf[ConnectionErrorEvent],
}

func schemaOf[T any](data json.RawMessage) error {
	var v T
	return json.Unmarshal(data, &v)
}

// decodeFrame parses one inbound frame into an Event. The second return is
// false for control tokens and undecodable frames; neither reaches the
// dispatcher.
func decodeFrame(data []byte, logger zerolog.Logger) (Event, bool) {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == heartbeatPong {
		return Event{}, false
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Type == "" {
		logger.Warn().Str("frame", truncateFrame(trimmed)).Msg("dropping undecodable frame")
		return Event{}, false
	}

	if check, known := payloadSchemas[env.Type]; known && len(env.Data) > 0 {
		if err := check(env.Data); err != nil {
			logger.Warn().Str("event", env.Type).Err(err).Msg("payload does not match known schema")
		}
	}

	return Event{Type: env.Type, Data: env.Data}, true
}

func truncateFrame(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
