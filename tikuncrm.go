// Package tikuncrm provides the Go client SDK for the TikunCRM API.
//
// Covers the REST surface (leads, customers, dealerships, notifications,
// conversations) with a sub-module access pattern, plus the realtime
// WebSocket channel used for live updates.
//
// Example:
//
//	client := tikuncrm.NewClient(token, tikuncrm.WithBaseURL("https://crm.example.com"))
//
//	// REST
//	leads, _ := client.Leads.List(ctx, &tikuncrm.LeadListOptions{Stage: "new"})
//
//	// Realtime
//	rt := client.Realtime(nil)
//	session := tikuncrm.NewSession(rt)
//	session.SetIdentity(ctx, tikuncrm.Identity{UserID: "u-1", Token: token})
//	sub := session.OnLeadUpdated("", func(e tikuncrm.LeadEvent) { /* refetch */ })
//	defer sub.Close()
package tikuncrm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://app.tikuncrm.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the TikunCRM API client. Access the API through its sub-clients.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	Auth          *AuthClient
	Leads         *LeadsClient
	Customers     *CustomersClient
	Dealerships   *DealershipsClient
	Notifications *NotificationsClient
	Conversations *ConversationsClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the client logger. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a TikunCRM client.
// token may be "" for unauthenticated calls such as Auth.Login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Leads = &LeadsClient{c: c}
	c.Customers = &CustomersClient{c: c}
	c.Dealerships = &DealershipsClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	return c
}

// SetToken sets or updates the auth token (e.g. after Auth.Login).
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime creates the realtime client for this API host. cfg may be nil;
// the base URL and logger are inherited from the REST client unless set.
func (c *Client) Realtime(cfg *RealtimeConfig) *RealtimeClient {
	var rc RealtimeConfig
	if cfg != nil {
		rc = *cfg
	} else {
		rc.Logger = c.logger
	}
	if rc.BaseURL == "" {
		rc.BaseURL = c.baseURL
	}
	return NewRealtimeClient(&rc)
}

// Health checks API health.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/api/health", nil, nil)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("api request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

func paginationQuery(opts *ListOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Limit > 0 {
		q["limit"] = strconv.Itoa(opts.Limit)
	}
	if opts.Offset > 0 {
		q["offset"] = strconv.Itoa(opts.Offset)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles authentication and identity.
type AuthClient struct{ c *Client }

// Login exchanges credentials for a token and user record. On success the
// client token is updated in place.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	res, err := a.c.do(ctx, "POST", "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var login LoginResult
	if err := res.Decode(&login); err != nil {
		return nil, err
	}
	a.c.SetToken(login.Token)
	return &login, nil
}

// Me returns the authenticated user.
func (a *AuthClient) Me(ctx context.Context) (*Result, error) {
	return a.c.do(ctx, "GET", "/api/auth/me", nil, nil)
}

// Refresh exchanges the current token for a fresh one.
func (a *AuthClient) Refresh(ctx context.Context) (*Result, error) {
	return a.c.do(ctx, "POST", "/api/auth/refresh", nil, nil)
}

// ============================================================================
// Leads
// ============================================================================

// LeadsClient proxies the lead endpoints. All rules (stage transitions,
// assignment, skate detection) run server-side.
type LeadsClient struct{ c *Client }

func (l *LeadsClient) List(ctx context.Context, opts *LeadListOptions) (*Result, error) {
	var query map[string]string
	if opts != nil {
		query = paginationQuery(&opts.ListOptions)
		if query == nil {
			query = map[string]string{}
		}
		if opts.Stage != "" {
			query["stage"] = opts.Stage
		}
		if opts.AssignedTo != "" {
			query["assigned_to"] = opts.AssignedTo
		}
		if opts.Search != "" {
			query["q"] = opts.Search
		}
		if len(query) == 0 {
			query = nil
		}
	}
	return l.c.do(ctx, "GET", "/api/leads", nil, query)
}

func (l *LeadsClient) Get(ctx context.Context, leadID string) (*Result, error) {
	return l.c.do(ctx, "GET", "/api/leads/"+leadID, nil, nil)
}

func (l *LeadsClient) Create(ctx context.Context, opts *LeadCreateOptions) (*Result, error) {
	return l.c.do(ctx, "POST", "/api/leads", opts, nil)
}

func (l *LeadsClient) Update(ctx context.Context, leadID string, opts *LeadUpdateOptions) (*Result, error) {
	return l.c.do(ctx, "PATCH", "/api/leads/"+leadID, opts, nil)
}

// Transition requests a pipeline stage change. The server validates the
// transition and may reject it.
func (l *LeadsClient) Transition(ctx context.Context, leadID, stage string) (*Result, error) {
	return l.c.do(ctx, "POST", "/api/leads/"+leadID+"/stage", map[string]string{"stage": stage}, nil)
}

// Assign assigns the lead to a user.
func (l *LeadsClient) Assign(ctx context.Context, leadID, userID string) (*Result, error) {
	return l.c.do(ctx, "POST", "/api/leads/"+leadID+"/assign", map[string]string{"user_id": userID}, nil)
}

// ============================================================================
// Customers
// ============================================================================

// CustomersClient proxies the customer endpoints.
type CustomersClient struct{ c *Client }

func (cu *CustomersClient) List(ctx context.Context, opts *ListOptions) (*Result, error) {
	return cu.c.do(ctx, "GET", "/api/customers", nil, paginationQuery(opts))
}

func (cu *CustomersClient) Get(ctx context.Context, customerID string) (*Result, error) {
	return cu.c.do(ctx, "GET", "/api/customers/"+customerID, nil, nil)
}

// ============================================================================
// Dealerships
// ============================================================================

// DealershipsClient proxies the dealership (tenant) endpoints.
type DealershipsClient struct{ c *Client }

func (d *DealershipsClient) List(ctx context.Context) (*Result, error) {
	return d.c.do(ctx, "GET", "/api/dealerships", nil, nil)
}

func (d *DealershipsClient) Get(ctx context.Context, dealershipID string) (*Result, error) {
	return d.c.do(ctx, "GET", "/api/dealerships/"+dealershipID, nil, nil)
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationsClient proxies the notification endpoints. Realtime
// notification:new and badges:refresh events are hints to refetch here.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context, unreadOnly bool) (*Result, error) {
	var query map[string]string
	if unreadOnly {
		query = map[string]string{"unread_only": "true"}
	}
	return n.c.do(ctx, "GET", "/api/notifications", nil, query)
}

func (n *NotificationsClient) MarkRead(ctx context.Context, notificationID string) (*Result, error) {
	return n.c.do(ctx, "POST", "/api/notifications/"+notificationID+"/read", nil, nil)
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) (*Result, error) {
	return n.c.do(ctx, "POST", "/api/notifications/read-all", nil, nil)
}

// Badges fetches the current sidebar badge counts.
func (n *NotificationsClient) Badges(ctx context.Context) (*BadgeCounts, error) {
	res, err := n.c.do(ctx, "GET", "/api/badges", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var counts BadgeCounts
	if err := res.Decode(&counts); err != nil {
		return nil, err
	}
	return &counts, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient proxies the messaging endpoints (email/SMS/WhatsApp
// threads). Provider integration lives entirely server-side.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context, leadID string) (*Result, error) {
	var query map[string]string
	if leadID != "" {
		query = map[string]string{"lead_id": leadID}
	}
	return cv.c.do(ctx, "GET", "/api/conversations", nil, query)
}

func (cv *ConversationsClient) Messages(ctx context.Context, conversationID string, opts *ListOptions) (*Result, error) {
	return cv.c.do(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, paginationQuery(opts))
}

// Send sends an outbound message on the conversation's channel.
func (cv *ConversationsClient) Send(ctx context.Context, conversationID, body string) (*Result, error) {
	return cv.c.do(ctx, "POST", "/api/conversations/"+conversationID+"/messages", map[string]string{
		"body": body,
	}, nil)
}
