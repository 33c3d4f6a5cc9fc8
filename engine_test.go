package letusconnect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeBackend struct {
	mu          sync.Mutex
	direct      []Message
	groups      []GroupChat
	unread      map[string]int
	groupUnread map[string]int
	unreadErr   error
	sendErr     error
	markErr     error
	marked      []string
	sent        []OutboundMessage
}

func (b *fakeBackend) DirectMessages(ctx context.Context) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.direct, nil
}

func (b *fakeBackend) UnreadCount(ctx context.Context, senderID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unreadErr != nil {
		return 0, b.unreadErr
	}
	return b.unread[senderID], nil
}

func (b *fakeBackend) MyGroupChats(ctx context.Context) ([]GroupChat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.groups, nil
}

func (b *fakeBackend) GroupUnreadCount(ctx context.Context, groupID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.groupUnread[groupID], nil
}

func (b *fakeBackend) MarkDirectRead(ctx context.Context, senderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, "direct:"+senderID)
	return b.markErr
}

func (b *fakeBackend) MarkGroupRead(ctx context.Context, groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, "group:"+groupID)
	return b.markErr
}

func (b *fakeBackend) SendDirect(ctx context.Context, msg OutboundMessage) (*Message, error) {
	return b.send(msg)
}

func (b *fakeBackend) SendGroup(ctx context.Context, msg OutboundMessage) (*Message, error) {
	return b.send(msg)
}

func (b *fakeBackend) send(msg OutboundMessage) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	return &Message{
		ID:         "srv-rest",
		SenderID:   "me",
		ReceiverID: msg.ReceiverID,
		GroupID:    msg.GroupID,
		Content:    msg.Content,
		Type:       msg.Type,
		CreatedAt:  time.Now(),
	}, nil
}

func (b *fakeBackend) markedCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.marked...)
}

func newTestEngine(be Backend, opts ...EngineOption) (*Engine, *fakeTransport) {
	tr := &fakeTransport{}
	m, _ := newTestManager(tr, nil)
	opts = append([]EngineOption{WithEngineLogger(zap.NewNop())}, opts...)
	return NewEngine(m, be, Identity{UserID: "me", Name: "Me"}, opts...), tr
}

func chatPayload(id, sender, receiver, content string, corr CorrelationID) map[string]any {
	p := map[string]any{"id": id, "senderId": sender, "receiverId": receiver, "message": content}
	if corr != "" {
		p["clientId"] = corr
	}
	return p
}

// ============================================================================
// Send
// ============================================================================

func TestEngineSendOverSocket(t *testing.T) {
	e, tr := newTestEngine(&fakeBackend{})
	if !e.Start(context.Background(), "tok") {
		t.Fatal("start failed")
	}
	defer e.Stop()

	corr, err := e.SendDirect(context.Background(), "u42", "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	hist := e.History("u42")
	if len(hist) != 1 || !hist[0].Pending() || hist[0].Content != "hi" {
		t.Fatalf("expected one pending entry, got %+v", hist)
	}

	ch := tr.last()
	f := ch.written(t, EventChat)
	var cmd chatCommand
	if err := json.Unmarshal(f.Payload, &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.ClientID != corr || cmd.ReceiverID != "u42" || cmd.Message != "hi" || cmd.MessageType != MessageText {
		t.Fatalf("unexpected chat command %+v", cmd)
	}

	ch.push(t, EventChat, chatPayload("srv-100", "me", "u42", "hi", corr))
	waitFor(t, "confirmation", func() bool {
		h := e.History("u42")
		return len(h) == 1 && h[0].ID == "srv-100"
	})

	// multi-tab echo of the same id
	ch.push(t, EventChat, chatPayload("srv-100", "me", "u42", "hi", ""))
	ch.push(t, EventNotification, nil)
	time.Sleep(20 * time.Millisecond)
	if n := len(e.History("u42")); n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
	if e.Unread().Total() != 0 {
		t.Fatalf("own messages must not count as unread: %+v", e.Unread())
	}
}

func TestEngineEchoWithoutClientID(t *testing.T) {
	e, tr := newTestEngine(nil)
	e.Start(context.Background(), "tok")
	defer e.Stop()

	if _, err := e.SendGroup(context.Background(), "g1", "hello all", nil); err != nil {
		t.Fatal(err)
	}
	tr.last().push(t, EventChat, map[string]any{"id": "srv-7", "senderId": "me", "groupId": "g1", "message": "hello all"})
	waitFor(t, "reconcile by content", func() bool {
		h := e.History("g1")
		return len(h) == 1 && h[0].ID == "srv-7"
	})
}

func TestEngineRestFallback(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		be := &fakeBackend{}
		e, _ := newTestEngine(be)

		_, err := e.SendDirect(context.Background(), "u9", "offline hello", &SendOptions{Type: MessageText})
		if err != nil {
			t.Fatal(err)
		}
		hist := e.History("u9")
		if len(hist) != 1 || hist[0].ID != "srv-rest" {
			t.Fatalf("expected confirmed entry, got %+v", hist)
		}
		if len(be.sent) != 1 || be.sent[0].CorrelationID == "" {
			t.Fatalf("expected REST send with client id, got %+v", be.sent)
		}
	})

	t.Run("failure rolls back", func(t *testing.T) {
		be := &fakeBackend{sendErr: &APIError{Status: 503, Message: "unavailable"}}
		e, _ := newTestEngine(be)
		var failures []SendFailure
		e.OnSendFailed(func(f SendFailure) { failures = append(failures, f) })

		corr, err := e.SendGroup(context.Background(), "g1", "lost", nil)
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 503 {
			t.Fatalf("expected wrapped APIError, got %v", err)
		}
		if n := len(e.History("g1")); n != 0 {
			t.Fatalf("expected rollback, got %d entries", n)
		}
		if len(failures) != 1 || failures[0].CorrelationID != corr || failures[0].Message.Content != "lost" {
			t.Fatalf("unexpected failures %+v", failures)
		}
	})

	t.Run("no backend", func(t *testing.T) {
		e, _ := newTestEngine(nil)
		if _, err := e.SendDirect(context.Background(), "u1", "x", nil); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		e, _ := newTestEngine(nil)
		if _, err := e.SendDirect(context.Background(), "u1", "  ", nil); !errors.Is(err, ErrEmptyContent) {
			t.Fatalf("expected ErrEmptyContent, got %v", err)
		}
	})
}

func TestEngineServerRejectsSend(t *testing.T) {
	e, tr := newTestEngine(nil)
	e.Start(context.Background(), "tok")
	defer e.Stop()

	failed := make(chan SendFailure, 1)
	e.OnSendFailed(func(f SendFailure) { failed <- f })

	corr, err := e.SendDirect(context.Background(), "u42", "spam", nil)
	if err != nil {
		t.Fatal(err)
	}
	tr.last().push(t, EventError, map[string]any{"message": "blocked", "clientId": corr})

	select {
	case f := <-failed:
		if f.CorrelationID != corr || f.ConversationID != "u42" || f.Err == nil {
			t.Fatalf("unexpected failure %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("no send failure reported")
	}
	if n := len(e.History("u42")); n != 0 {
		t.Fatalf("expected rollback, got %d entries", n)
	}
}

func TestEngineResendOnReconnect(t *testing.T) {
	e, tr := newTestEngine(nil, WithResendOnReconnect())
	e.Start(context.Background(), "tok")
	defer e.Stop()

	corr, _ := e.SendDirect(context.Background(), "u42", "retry me", nil)
	first := tr.last()
	first.written(t, EventChat)
	first.fail(errors.New("connection reset"))

	waitFor(t, "reconnect", func() bool { return tr.dialCount() == 2 && e.Connection().State() == StateConnected })
	f := tr.last().written(t, EventChat)
	var cmd chatCommand
	if err := json.Unmarshal(f.Payload, &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.ClientID != corr {
		t.Fatalf("expected resend of %s, got %+v", corr, cmd)
	}
}

// ============================================================================
// Unread and read state
// ============================================================================

func TestEngineUnreadFlow(t *testing.T) {
	be := &fakeBackend{}
	e, tr := newTestEngine(be)
	e.Start(context.Background(), "tok")
	defer e.Stop()

	ch := tr.last()
	msg := chatPayload("m1", "u7", "me", "yo", "")
	msg["senderName"] = "Ada"
	ch.push(t, EventChat, msg)
	waitFor(t, "unread push", func() bool { return e.Unread().Direct == 1 })

	if c, ok := e.Aggregator().Get("u7"); !ok || c.DisplayName != "Ada" {
		t.Fatalf("expected conversation named Ada, got %+v", c)
	}

	if err := e.Open(context.Background(), "u7"); err != nil {
		t.Fatal(err)
	}
	if e.Unread().Direct != 0 {
		t.Fatalf("open must clear unread, got %+v", e.Unread())
	}
	if got := be.markedCalls(); len(got) != 1 || got[0] != "direct:u7" {
		t.Fatalf("unexpected mark-read calls %v", got)
	}

	ch.push(t, EventChat, chatPayload("m2", "u7", "me", "still here?", ""))
	waitFor(t, "second message", func() bool { return len(e.History("u7")) == 2 })
	if n := e.Counter().Count("u7"); n != 0 {
		t.Fatalf("open conversation must stay at 0, got %d", n)
	}

	e.CloseConversation()
	ch.push(t, EventChat, chatPayload("m3", "u7", "me", "bye", ""))
	waitFor(t, "unread after close", func() bool { return e.Counter().Count("u7") == 1 })

	if err := e.Open(context.Background(), "nobody"); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}
}

func TestEngineMarkReadFailureKeepsClear(t *testing.T) {
	be := &fakeBackend{markErr: errors.New("network down")}
	e, _ := newTestEngine(be)
	e.Aggregator().Upsert(Conversation{ID: "g1", Kind: KindGroup, DisplayName: "Alumni"})
	e.Counter().Push("g1", KindGroup)

	if err := e.MarkRead(context.Background(), "g1"); err == nil {
		t.Fatal("expected informational error")
	}
	if n := e.Counter().Count("g1"); n != 0 {
		t.Fatalf("optimistic clear must stay, got %d", n)
	}
	if e.Counter().Clearing("g1") {
		t.Fatal("clear must be settled after the request returned")
	}
	if got := be.markedCalls(); len(got) != 1 || got[0] != "group:g1" {
		t.Fatalf("unexpected mark-read calls %v", got)
	}
}

func TestEngineRefresh(t *testing.T) {
	be := &fakeBackend{
		direct: []Message{
			{ID: "d1", SenderID: "u1", SenderName: "Ada", ReceiverID: "me", Content: "hey", CreatedAt: t0},
			{ID: "d2", SenderID: "me", ReceiverID: "u2", Content: "sup", CreatedAt: t0.Add(time.Minute)},
		},
		groups: []GroupChat{{
			ID:   "g1",
			Name: "Alumni",
			Messages: []messageRecord{
				{ID: "gm1", SenderID: "u3", Content: "welcome", CreatedAt: "2026-05-01T10:00:00Z"},
			},
		}},
		unread:      map[string]int{"u1": 2},
		groupUnread: map[string]int{"g1": 4},
	}
	e, _ := newTestEngine(be, WithSnapshotConcurrency(2))

	if err := e.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	views := e.Conversations(SortByActivity, Filter{})
	if len(views) != 3 || views[0].ID != "g1" || views[1].ID != "u2" || views[2].ID != "u1" {
		t.Fatalf("unexpected order %+v", views)
	}
	if views[2].DisplayName != "Ada" || views[2].LastMessage == nil || views[2].LastMessage.Content != "hey" {
		t.Fatalf("unexpected u1 view %+v", views[2])
	}
	if views[0].Kind != KindGroup || views[0].DisplayName != "Alumni" {
		t.Fatalf("unexpected group view %+v", views[0])
	}
	if e.Unread().Total() != 0 {
		t.Fatal("history must not count as unread")
	}

	if err := e.RefreshUnread(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.Unread(); got.Direct != 2 || got.Group != 4 {
		t.Fatalf("unexpected totals %+v", got)
	}
	if got := e.Conversations(SortUnreadFirst, Filter{UnreadOnly: true}); len(got) != 2 {
		t.Fatalf("expected 2 unread conversations, got %+v", got)
	}

	be.mu.Lock()
	be.unreadErr = errors.New("timeout")
	be.mu.Unlock()
	if err := e.RefreshUnread(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := e.Unread(); got.Direct != 2 || got.Group != 4 {
		t.Fatalf("failed refresh must leave counts, got %+v", got)
	}

	e.Leave("g1")
	if _, ok := e.Aggregator().Get("g1"); ok || e.Unread().Group != 0 || e.History("g1") != nil {
		t.Fatal("leave must forget the group")
	}
}

func TestEngineRefreshConfirmsOwnSend(t *testing.T) {
	be := &fakeBackend{}
	e, _ := newTestEngine(be)
	if !e.Start(context.Background(), "tok") {
		t.Fatal("start failed")
	}
	defer e.Stop()

	if _, err := e.SendDirect(context.Background(), "u42", "hi", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SendGroup(context.Background(), "g1", "hello all", nil); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	be.mu.Lock()
	be.direct = []Message{{ID: "srv-100", SenderID: "me", ReceiverID: "u42", Content: "hi", CreatedAt: now}}
	be.groups = []GroupChat{{
		ID:       "g1",
		Name:     "Alumni",
		Messages: []messageRecord{{ID: "srv-200", SenderID: "me", Content: "hello all", CreatedAt: now.UTC().Format(time.RFC3339)}},
	}}
	be.mu.Unlock()

	for i := 0; i < 2; i++ {
		if err := e.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
		if h := e.History("u42"); len(h) != 1 || h[0].ID != "srv-100" || h[0].Pending() {
			t.Fatalf("refresh %d: expected the confirmed direct send only, got %+v", i, h)
		}
		if h := e.History("g1"); len(h) != 1 || h[0].ID != "srv-200" || h[0].Pending() {
			t.Fatalf("refresh %d: expected the confirmed group send only, got %+v", i, h)
		}
	}

	t.Run("known copy keeps a newer pending send", func(t *testing.T) {
		if _, err := e.SendDirect(context.Background(), "u42", "hi", nil); err != nil {
			t.Fatal(err)
		}
		if err := e.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
		h := e.History("u42")
		if len(h) != 2 || !h[1].Pending() {
			t.Fatalf("expected srv-100 plus one pending entry, got %+v", h)
		}
	})

	t.Run("old copy with the same text", func(t *testing.T) {
		if _, err := e.SendDirect(context.Background(), "u7", "ok", nil); err != nil {
			t.Fatal(err)
		}
		be.mu.Lock()
		be.direct = []Message{{ID: "old-1", SenderID: "me", ReceiverID: "u7", Content: "ok", CreatedAt: t0}}
		be.mu.Unlock()
		if err := e.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
		h := e.History("u7")
		if len(h) != 2 || h[0].ID != "old-1" || !h[1].Pending() {
			t.Fatalf("an earlier message must not confirm a new send, got %+v", h)
		}
	})
}

func TestEngineTyping(t *testing.T) {
	e, tr := newTestEngine(nil)
	e.Start(context.Background(), "tok")
	defer e.Stop()

	ch := tr.last()
	ch.push(t, EventUserStatus, map[string]any{"userId": "u7", "receiverId": "me", "status": "typing", "isTyping": true})
	waitFor(t, "typing", func() bool { return e.Typing("u7") })

	ch.push(t, EventChat, chatPayload("m1", "u7", "me", "done typing", ""))
	waitFor(t, "typing cleared by message", func() bool { return !e.Typing("u7") })

	if !e.SetTyping("u7", true) {
		t.Fatal("set typing failed")
	}
	f := ch.written(t, EventUserStatus)
	var cmd typingCommand
	if err := json.Unmarshal(f.Payload, &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Status != "typing" || cmd.ReceiverID != "u7" || !cmd.IsTyping {
		t.Fatalf("unexpected typing command %+v", cmd)
	}
}

func TestEngineStop(t *testing.T) {
	e, tr := newTestEngine(nil)
	e.Start(context.Background(), "tok")
	e.Stop()

	if e.Connection().State() != StateIdle {
		t.Fatalf("expected idle, got %s", e.Connection().State())
	}
	if n := e.Connection().registry.count(EventChat); n != 0 {
		t.Fatalf("expected chat subscriptions removed, got %d", n)
	}
	if tr.dialCount() != 1 {
		t.Fatalf("expected 1 dial, got %d", tr.dialCount())
	}
}
