package letusconnect

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when a send needs a Connected socket and there is none.
	ErrNotConnected = errors.New("letusconnect: not connected")
	// ErrKindConflict is returned when a conversation id is reused across kinds.
	ErrKindConflict = errors.New("letusconnect: conversation id registered with another kind")
	// ErrUnknownConversation is returned for operations on an id the aggregator never saw.
	ErrUnknownConversation = errors.New("letusconnect: unknown conversation")
	// ErrEmptyContent is returned when a send has neither content nor attachments.
	ErrEmptyContent = errors.New("letusconnect: empty message")
	// ErrInvalidKind is returned when a conversation is created without a known kind.
	ErrInvalidKind = errors.New("letusconnect: invalid conversation kind")
)

// APIError represents a non-2xx reply from the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Status != 0 {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Message
}

// ============================================================================
// Messages
// ============================================================================

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Attachment is a file reference carried by a message. Upload happens elsewhere.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one entry of a conversation log.
//
// A message is pending while ID is empty and CorrelationID is set; it is
// confirmed once the server id has been adopted.
type Message struct {
	ID             string        `json:"id,omitempty"`
	CorrelationID  CorrelationID `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName,omitempty"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	GroupID        string        `json:"groupId,omitempty"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"messageType"`
	CreatedAt      time.Time     `json:"createdAt"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Read           bool          `json:"isRead"`
}

// Pending reports whether the message still waits for server confirmation.
func (m Message) Pending() bool { return m.ID == "" && m.CorrelationID != "" }

// messageRecord is the REST and push wire shape of a message.
type messageRecord struct {
	ID          string        `json:"id"`
	ClientID    CorrelationID `json:"clientId,omitempty"`
	SenderID    string        `json:"senderId"`
	SenderName  string        `json:"senderName,omitempty"`
	ReceiverID  string        `json:"receiverId,omitempty"`
	GroupID     string        `json:"groupId,omitempty"`
	Content     string        `json:"content,omitempty"`
	Text        string        `json:"message,omitempty"`
	MessageType MessageType   `json:"messageType,omitempty"`
	CreatedAt   string        `json:"createdAt,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	IsRead      bool          `json:"isRead,omitempty"`
}

func (r messageRecord) toMessage(fallback time.Time) Message {
	content := r.Content
	if content == "" {
		content = r.Text
	}
	msgType := r.MessageType
	if msgType == "" {
		msgType = MessageText
	}
	return Message{
		ID:            r.ID,
		CorrelationID: r.ClientID,
		SenderID:      r.SenderID,
		SenderName:    r.SenderName,
		ReceiverID:    r.ReceiverID,
		GroupID:       r.GroupID,
		Content:       content,
		Type:          msgType,
		CreatedAt:     parseTime(r.CreatedAt, fallback),
		Attachments:   r.Attachments,
		Read:          r.IsRead,
	}
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind separates one-to-one from multi-party conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Valid reports whether k is KindDirect or KindGroup.
func (k ConversationKind) Valid() bool { return k == KindDirect || k == KindGroup }

// Participant is a member of a conversation.
type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Conversation is the aggregator's unit. ID is the partner's user id for
// direct conversations and the group id for groups.
type Conversation struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"kind"`
	DisplayName    string           `json:"displayName"`
	Participants   []Participant    `json:"participants,omitempty"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
}

// ConversationView is a conversation decorated for display.
type ConversationView struct {
	Conversation
	Unread      int      `json:"unread"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	Typing      bool     `json:"typing,omitempty"`
	Selected    bool     `json:"selected,omitempty"`
}

// GroupChat is a group the current user belongs to, as returned by the backend.
type GroupChat struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Participants []Participant   `json:"participants,omitempty"`
	Messages     []messageRecord `json:"messages,omitempty"`
	UpdatedAt    string          `json:"updatedAt,omitempty"`
}

// Identity is the current user.
type Identity struct {
	UserID string
	Name   string
}

// SendOptions tunes a single send.
type SendOptions struct {
	Type        MessageType
	Attachments []Attachment
}

func (o *SendOptions) messageType() MessageType {
	if o == nil || o.Type == "" {
		return MessageText
	}
	return o.Type
}

func (o *SendOptions) attachments() []Attachment {
	if o == nil {
		return nil
	}
	return o.Attachments
}

// ============================================================================
// REST envelope
// ============================================================================

// Result is the generic backend response envelope.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type unreadCountData struct {
	Count int `json:"count"`
}

type directSendRequest struct {
	ReceiverID  string        `json:"receiverId"`
	Content     string        `json:"content"`
	MessageType MessageType   `json:"messageType"`
	SenderName  string        `json:"senderName,omitempty"`
	ClientID    CorrelationID `json:"clientId,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}

type groupSendRequest struct {
	Content     string        `json:"content"`
	MessageType MessageType   `json:"messageType"`
	SenderName  string        `json:"senderName,omitempty"`
	ClientID    CorrelationID `json:"clientId,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}
