package letusconnect

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeFrame(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("chat", func(t *testing.T) {
		raw := `{"type":"chat","payload":{"id":"srv-1","senderId":"u2","receiverId":"u1","message":"hello","clientId":"local:abc","createdAt":"2026-03-01T11:59:00Z"}}`
		ev, err := decodeFrame([]byte(raw), received)
		if err != nil {
			t.Fatal(err)
		}
		chat, ok := ev.(*ChatEvent)
		if !ok {
			t.Fatalf("expected *ChatEvent, got %T", ev)
		}
		m := chat.Message
		if m.ID != "srv-1" || m.Content != "hello" || m.Type != MessageText || m.CorrelationID != "local:abc" {
			t.Fatalf("unexpected message %+v", m)
		}
		want := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
		if !chat.Time().Equal(want) {
			t.Fatalf("event time %v, want payload createdAt %v", chat.Time(), want)
		}
	})

	t.Run("frame timestamp wins", func(t *testing.T) {
		raw := `{"type":"notification","timestamp":"2026-03-01T10:00:00Z","payload":{"k":1}}`
		ev, err := decodeFrame([]byte(raw), received)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Time().Hour() != 10 {
			t.Fatalf("expected frame timestamp, got %v", ev.Time())
		}
		if _, ok := ev.(*NotificationEvent); !ok {
			t.Fatalf("expected *NotificationEvent, got %T", ev)
		}
	})

	t.Run("receive time fallback", func(t *testing.T) {
		ev, err := decodeFrame([]byte(`{"type":"user_status","payload":{"userId":"u2","status":"typing","isTyping":true}}`), received)
		if err != nil {
			t.Fatal(err)
		}
		st := ev.(*UserStatusEvent)
		if !st.Time().Equal(received) || !st.IsTyping || st.UserID != "u2" {
			t.Fatalf("unexpected status event %+v", st)
		}
	})

	t.Run("error payload forms", func(t *testing.T) {
		for raw, want := range map[string]string{
			`{"type":"error","payload":{"message":"denied","clientId":"local:x"}}`: "denied",
			`{"type":"error","payload":{"error":"rate limited"}}`:                   "rate limited",
			`{"type":"error","payload":"plain text"}`:                               "plain text",
		} {
			ev, err := decodeFrame([]byte(raw), received)
			if err != nil {
				t.Fatalf("%s: %v", raw, err)
			}
			if got := ev.(*ErrorEvent).Message; got != want {
				t.Errorf("%s: message %q, want %q", raw, got, want)
			}
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		ev, err := decodeFrame([]byte(`{"type":"reaction","payload":{"emoji":"+1"}}`), received)
		if err != nil {
			t.Fatal(err)
		}
		u, ok := ev.(*UnknownEvent)
		if !ok || u.Type() != "reaction" || string(u.Payload) != `{"emoji":"+1"}` {
			t.Fatalf("unexpected event %#v", ev)
		}
	})

	t.Run("rejects", func(t *testing.T) {
		if _, err := decodeFrame([]byte(`{"payload":{}}`), received); !errors.Is(err, errMissingType) {
			t.Errorf("expected errMissingType, got %v", err)
		}
		if _, err := decodeFrame([]byte(`not json`), received); err == nil {
			t.Error("expected error for invalid json")
		}
		if _, err := decodeFrame([]byte(`{"type":"connection.give_up"}`), received); err == nil {
			t.Error("expected error for reserved meta type")
		}
		if _, err := decodeFrame([]byte(`{"type":"chat","payload":[1,2]}`), received); err == nil {
			t.Error("expected error for malformed chat payload")
		}
	})
}

func TestEncodeFrame(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := encodeFrame(EventUserStatus, typingCommand{Status: "typing", ReceiverID: "u9", IsTyping: true}, at)
	if err != nil {
		t.Fatal(err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Type != EventUserStatus || f.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected frame %+v", f)
	}
	var p map[string]any
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p["receiverId"] != "u9" || p["isTyping"] != true {
		t.Fatalf("unexpected payload %v", p)
	}

	ping, err := encodeFrame(EventPing, nil, at)
	if err != nil {
		t.Fatal(err)
	}
	if string(ping) != `{"type":"ping","timestamp":"2026-03-01T12:00:00Z"}` {
		t.Fatalf("unexpected ping frame %s", ping)
	}
}

func TestReserved(t *testing.T) {
	for _, typ := range []EventType{EventPing, EventPong, EventConnected, EventGiveUp} {
		if !typ.Reserved() {
			t.Errorf("%s should be reserved", typ)
		}
	}
	for _, typ := range []EventType{EventChat, EventError, "custom"} {
		if typ.Reserved() {
			t.Errorf("%s should not be reserved", typ)
		}
	}
}
