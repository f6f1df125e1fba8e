package tikuncrm

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API-level error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the data field into v.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("result has no data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode result data: %w", err)
	}
	return nil
}

// Err returns the API error when the call did not succeed, nil otherwise.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("request failed")
}

// ListOptions holds pagination parameters shared by list endpoints.
type ListOptions struct {
	Limit  int
	Offset int
}

// ============================================================================
// CRM Entities
// ============================================================================

// Lead is a sales lead. Stage transitions, assignment rules and duplicate
// ("skate") detection are all server-side; this is a rendering of server
// state, never a place to apply business rules.
type Lead struct {
	ID                string `json:"id"`
	DealershipID      string `json:"dealership_id"`
	CustomerID        string `json:"customer_id,omitempty"`
	Source            string `json:"source,omitempty"`
	Stage             string `json:"stage"`
	AssignedTo        string `json:"assigned_to,omitempty"`
	VehicleOfInterest string `json:"vehicle_of_interest,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

// Customer is a CRM contact.
type Customer struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Dealership is one tenant.
type Dealership struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
}

// User is a CRM user (salesperson, manager, admin).
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	FullName     string `json:"full_name,omitempty"`
	Role         string `json:"role,omitempty"`
	DealershipID string `json:"dealership_id,omitempty"`
}

// Notification is one entry in the notification bell.
type Notification struct {
	ID        string `json:"id"`
	Kind      string `json:"kind,omitempty"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	LeadID    string `json:"lead_id,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// BadgeCounts are the sidebar badge counters. Consumers refetch these when
// a badges:refresh event arrives.
type BadgeCounts struct {
	Leads         int `json:"leads"`
	Notifications int `json:"notifications"`
	Messages      int `json:"messages"`
}

// Conversation is one messaging thread with a lead over a given channel
// (email, sms, whatsapp).
type Conversation struct {
	ID            string `json:"id"`
	LeadID        string `json:"lead_id"`
	Channel       string `json:"channel"`
	Unread        int    `json:"unread,omitempty"`
	LastMessageAt string `json:"last_message_at,omitempty"`
}

// ChatMessage is one message in a conversation.
type ChatMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Direction      string `json:"direction"` // "inbound" or "outbound"
	Channel        string `json:"channel"`
	Body           string `json:"body"`
	Status         string `json:"status,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// ============================================================================
// Request Options
// ============================================================================

// LeadListOptions filters lead listings.
type LeadListOptions struct {
	Stage      string
	AssignedTo string
	Search     string
	ListOptions
}

// LeadCreateOptions holds the fields for creating a lead.
type LeadCreateOptions struct {
	DealershipID      string `json:"dealership_id,omitempty"`
	CustomerID        string `json:"customer_id,omitempty"`
	Source            string `json:"source,omitempty"`
	VehicleOfInterest string `json:"vehicle_of_interest,omitempty"`
}

// LeadUpdateOptions holds the mutable lead fields. Zero values are omitted
// from the request so partial updates stay partial.
type LeadUpdateOptions struct {
	Source            string `json:"source,omitempty"`
	VehicleOfInterest string `json:"vehicle_of_interest,omitempty"`
}

// LoginResult is returned by Auth.Login.
type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
