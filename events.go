package letusconnect

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the discriminator carried in the "type" field of every frame.
type EventType string

const (
	EventChat         EventType = "chat"
	EventNotification EventType = "notification"
	EventUserStatus   EventType = "user_status"
	EventError        EventType = "error"

	EventPing EventType = "ping"
	EventPong EventType = "pong"

	// Reserved meta events, emitted locally by the ConnectionManager.
	EventConnected    EventType = "connection.connected"
	EventDisconnected EventType = "connection.disconnected"
	EventReconnecting EventType = "connection.reconnecting"
	EventGiveUp       EventType = "connection.give_up"
)

// Reserved reports whether t is a control or local meta type that a server
// frame must never carry to subscribers.
func (t EventType) Reserved() bool {
	switch t {
	case EventPing, EventPong, EventConnected, EventDisconnected, EventReconnecting, EventGiveUp:
		return true
	}
	return false
}

// ============================================================================
// Event union
// ============================================================================

// Event is a decoded frame. The set of implementations is closed; unknown
// tags decode to *UnknownEvent.
type Event interface {
	Type() EventType
	Time() time.Time
	isEvent()
}

type eventMeta struct {
	At time.Time
}

func (m eventMeta) Time() time.Time { return m.At }
func (eventMeta) isEvent()          {}

// ChatEvent carries a new direct or group message.
type ChatEvent struct {
	eventMeta
	Message Message
}

func (*ChatEvent) Type() EventType { return EventChat }

// NotificationEvent carries an arbitrary notification payload.
type NotificationEvent struct {
	eventMeta
	Payload json.RawMessage
}

func (*NotificationEvent) Type() EventType { return EventNotification }

// UserStatusEvent reports presence or typing for a user.
type UserStatusEvent struct {
	eventMeta
	UserID     string
	ReceiverID string
	Status     string
	IsTyping   bool
}

func (*UserStatusEvent) Type() EventType { return EventUserStatus }

// ErrorEvent is a server-side error to surface to the user. CorrelationID is
// set when the error refers to a specific send.
type ErrorEvent struct {
	eventMeta
	Message       string
	CorrelationID CorrelationID
}

func (*ErrorEvent) Type() EventType { return EventError }

// UnknownEvent keeps frames whose tag this version does not know about.
type UnknownEvent struct {
	eventMeta
	Tag     EventType
	Payload json.RawMessage
}

func (e *UnknownEvent) Type() EventType { return e.Tag }

// ConnectedEvent is emitted after every successful transition to Connected.
type ConnectedEvent struct {
	eventMeta
	Identity  string
	Reconnect bool
}

func (*ConnectedEvent) Type() EventType { return EventConnected }

// DisconnectedEvent is emitted when a connected session ends.
type DisconnectedEvent struct {
	eventMeta
	Reason string
	Clean  bool
}

func (*DisconnectedEvent) Type() EventType { return EventDisconnected }

// ReconnectingEvent is emitted when a reconnect attempt is scheduled.
type ReconnectingEvent struct {
	eventMeta
	Attempt int
	Delay   time.Duration
}

func (*ReconnectingEvent) Type() EventType { return EventReconnecting }

// GiveUpEvent is the terminal notification after too many failed attempts.
type GiveUpEvent struct {
	eventMeta
	Attempts int
	LastErr  string
}

func (*GiveUpEvent) Type() EventType { return EventGiveUp }

// ============================================================================
// Wire format
// ============================================================================

// Frame is the JSON envelope exchanged with the server.
type Frame struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

type errorPayload struct {
	Message  string        `json:"message"`
	Error    string        `json:"error,omitempty"`
	ClientID CorrelationID `json:"clientId,omitempty"`
}

type userStatusPayload struct {
	UserID     string `json:"userId"`
	ReceiverID string `json:"receiverId,omitempty"`
	Status     string `json:"status"`
	IsTyping   bool   `json:"isTyping"`
}

// outbound chat payload
type chatCommand struct {
	Message     string        `json:"message"`
	MessageType MessageType   `json:"messageType"`
	ReceiverID  string        `json:"receiverId,omitempty"`
	GroupID     string        `json:"groupId,omitempty"`
	SenderName  string        `json:"senderName,omitempty"`
	ClientID    CorrelationID `json:"clientId,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}

// outbound typing payload
type typingCommand struct {
	Status     string `json:"status"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

var errMissingType = errors.New("frame has no type")

// decodeFrame turns a raw frame into a typed event. received is used when
// neither the frame nor the payload carries a timestamp.
func decodeFrame(data []byte, received time.Time) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, errMissingType
	}
	at := parseTime(f.Timestamp, received)
	meta := eventMeta{At: at}

	switch f.Type {
	case EventPing, EventPong:
		return &UnknownEvent{eventMeta: meta, Tag: f.Type, Payload: f.Payload}, nil

	case EventChat:
		var rec messageRecord
		if err := unmarshalPayload(f.Payload, &rec); err != nil {
			return nil, fmt.Errorf("decode chat payload: %w", err)
		}
		msg := rec.toMessage(at)
		if f.Timestamp == "" {
			meta.At = msg.CreatedAt
		}
		return &ChatEvent{eventMeta: meta, Message: msg}, nil

	case EventNotification:
		return &NotificationEvent{eventMeta: meta, Payload: f.Payload}, nil

	case EventUserStatus:
		var p userStatusPayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode user_status payload: %w", err)
		}
		return &UserStatusEvent{
			eventMeta:  meta,
			UserID:     p.UserID,
			ReceiverID: p.ReceiverID,
			Status:     p.Status,
			IsTyping:   p.IsTyping,
		}, nil

	case EventError:
		var p errorPayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			// a bare string payload is still a usable error
			var s string
			if json.Unmarshal(f.Payload, &s) != nil {
				return nil, fmt.Errorf("decode error payload: %w", err)
			}
			p.Message = s
		}
		if p.Message == "" {
			p.Message = p.Error
		}
		return &ErrorEvent{eventMeta: meta, Message: p.Message, CorrelationID: p.ClientID}, nil
	}

	if f.Type.Reserved() {
		return nil, fmt.Errorf("server sent reserved type %q", f.Type)
	}
	return &UnknownEvent{eventMeta: meta, Tag: f.Type, Payload: f.Payload}, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// encodeFrame serializes an outbound frame.
func encodeFrame(t EventType, payload any, at time.Time) ([]byte, error) {
	f := Frame{Type: t, Timestamp: at.UTC().Format(time.RFC3339Nano)}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}
