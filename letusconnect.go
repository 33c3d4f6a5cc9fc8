// Package letusconnect is the client-side realtime synchronization engine
// for LetUsConnect messaging.
//
// A ConnectionManager owns the websocket session, a Reconciler keeps the
// per-conversation message logs, an UnreadCounter keeps badges right and an
// Aggregator merges direct and group conversations. Engine wires them to
// the REST backend.
//
// Example:
//
//	client := letusconnect.NewClient(token, letusconnect.WithBaseURL("https://api.letusconnect.com"))
//	conn := letusconnect.NewConnectionManager(letusconnect.RealtimeConfig{
//		Endpoint: "wss://api.letusconnect.com/ws",
//	})
//	engine := letusconnect.NewEngine(conn, client, letusconnect.Identity{UserID: "u1", Name: "Ada"})
//	engine.Start(ctx, token)
//	defer engine.Stop()
//
//	corr, err := engine.SendDirect(ctx, "u42", "hi", nil)
package letusconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.letusconnect.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Backend
// ============================================================================

// OutboundMessage is a message handed to the REST send endpoints.
type OutboundMessage struct {
	ReceiverID    string
	GroupID       string
	Content       string
	Type          MessageType
	SenderName    string
	CorrelationID CorrelationID
	Attachments   []Attachment
}

// Backend is the set of REST collaborators the Engine consumes.
type Backend interface {
	DirectMessages(ctx context.Context) ([]Message, error)
	UnreadCount(ctx context.Context, senderID string) (int, error)
	MyGroupChats(ctx context.Context) ([]GroupChat, error)
	GroupUnreadCount(ctx context.Context, groupID string) (int, error)
	MarkDirectRead(ctx context.Context, senderID string) error
	MarkGroupRead(ctx context.Context, groupID string) error
	SendDirect(ctx context.Context, msg OutboundMessage) (*Message, error)
	SendGroup(ctx context.Context, msg OutboundMessage) (*Message, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of Backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var _ Backend = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticating with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
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
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// call performs a request and decodes the envelope data into out. A non-2xx
// status or an unsuccessful envelope becomes an *APIError.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return apiError(status, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return err
	}
	if res.Error != nil {
		res.Error.Status = status
		return res.Error
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

func apiError(status int, data []byte) error {
	e := &APIError{Status: status, Message: http.StatusText(status)}
	if res, err := decodeJSON[Result](data); err == nil {
		switch {
		case res.Error != nil:
			e.Code, e.Message = res.Error.Code, res.Error.Message
		case res.Message != "":
			e.Message = res.Message
		}
	}
	return e
}

// markRead treats every HTTP reply as success: "already read" and other
// non-2xx answers leave nothing to do. Only transport errors are returned.
func (c *Client) markRead(ctx context.Context, path string) error {
	_, _, err := c.doRequest(ctx, http.MethodPut, path, nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// DirectMessages returns the direct messages of the current user.
func (c *Client) DirectMessages(ctx context.Context) ([]Message, error) {
	var recs []messageRecord
	if err := c.call(ctx, http.MethodGet, "/api/messages/direct", nil, nil, &recs); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toMessage(now))
	}
	return out, nil
}

// UnreadCount returns the unread direct messages, scoped to senderID when set.
func (c *Client) UnreadCount(ctx context.Context, senderID string) (int, error) {
	var query map[string]string
	if senderID != "" {
		query = map[string]string{"senderId": senderID}
	}
	var d unreadCountData
	if err := c.call(ctx, http.MethodGet, "/api/messages/unread-count", nil, query, &d); err != nil {
		return 0, err
	}
	return d.Count, nil
}

// MarkDirectRead marks the messages from senderID as read.
func (c *Client) MarkDirectRead(ctx context.Context, senderID string) error {
	return c.markRead(ctx, "/api/messages/mark-read/"+url.PathEscape(senderID))
}

// SendDirect posts a direct message and returns the stored copy.
func (c *Client) SendDirect(ctx context.Context, msg OutboundMessage) (*Message, error) {
	if msg.ReceiverID == "" {
		return nil, fmt.Errorf("send direct: receiver id is required")
	}
	req := directSendRequest{
		ReceiverID:  msg.ReceiverID,
		Content:     msg.Content,
		MessageType: msg.Type,
		SenderName:  msg.SenderName,
		ClientID:    msg.CorrelationID,
		Attachments: msg.Attachments,
	}
	var rec messageRecord
	if err := c.call(ctx, http.MethodPost, "/api/messages/send", req, nil, &rec); err != nil {
		return nil, err
	}
	m := rec.toMessage(time.Now())
	return &m, nil
}

// ============================================================================
// Group chats
// ============================================================================

// MyGroupChats returns the groups the current user belongs to.
func (c *Client) MyGroupChats(ctx context.Context) ([]GroupChat, error) {
	var groups []GroupChat
	if err := c.call(ctx, http.MethodGet, "/api/group-chats/my", nil, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// GroupUnreadCount returns the unread messages in groupID.
func (c *Client) GroupUnreadCount(ctx context.Context, groupID string) (int, error) {
	var d unreadCountData
	path := "/api/group-chats/" + url.PathEscape(groupID) + "/unread-count"
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &d); err != nil {
		return 0, err
	}
	return d.Count, nil
}

// MarkGroupRead marks the messages of groupID as read.
func (c *Client) MarkGroupRead(ctx context.Context, groupID string) error {
	return c.markRead(ctx, "/api/group-chats/"+url.PathEscape(groupID)+"/messages/read")
}

// SendGroup posts a group message and returns the stored copy.
func (c *Client) SendGroup(ctx context.Context, msg OutboundMessage) (*Message, error) {
	if msg.GroupID == "" {
		return nil, fmt.Errorf("send group: group id is required")
	}
	req := groupSendRequest{
		Content:     msg.Content,
		MessageType: msg.Type,
		SenderName:  msg.SenderName,
		ClientID:    msg.CorrelationID,
		Attachments: msg.Attachments,
	}
	var rec messageRecord
	path := "/api/group-chats/" + url.PathEscape(msg.GroupID) + "/messages"
	if err := c.call(ctx, http.MethodPost, path, req, nil, &rec); err != nil {
		return nil, err
	}
	m := rec.toMessage(time.Now())
	if m.GroupID == "" {
		m.GroupID = msg.GroupID
	}
	return &m, nil
}

// History converts the embedded messages of a group chat.
func (g GroupChat) History() []Message {
	out := make([]Message, 0, len(g.Messages))
	for _, r := range g.Messages {
		m := r.toMessage(time.Time{})
		if m.GroupID == "" {
			m.GroupID = g.ID
		}
		out = append(out, m)
	}
	return out
}

// LastActivity returns the newest of UpdatedAt and the embedded messages.
func (g GroupChat) LastActivity() time.Time {
	at := parseTime(g.UpdatedAt, time.Time{})
	for _, m := range g.History() {
		if m.CreatedAt.After(at) {
			at = m.CreatedAt
		}
	}
	return at
}
