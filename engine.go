package letusconnect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rogerjeasy/letusconnect-sub002/internal/logger"
)

// SendFailure describes an optimistic send that was rolled back.
type SendFailure struct {
	ConversationID string
	CorrelationID  CorrelationID
	Message        Message
	Err            error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithResendOnReconnect re-emits every pending message after a reconnect.
func WithResendOnReconnect() EngineOption {
	return func(e *Engine) { e.resendOnReconnect = true }
}

// WithEngineLogger sets the logger of the engine and its components.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithEngineMetrics records message and unread metrics on m.
func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithSnapshotConcurrency bounds the parallel unread fetches of RefreshUnread.
func WithSnapshotConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.snapshotLimit = n
		}
	}
}

// WithRefreshTimeout bounds the background unread refresh run after a reconnect.
func WithRefreshTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.refreshTimeout = d }
}

// ============================================================================
// Engine
// ============================================================================

// Engine composes a ConnectionManager, a Reconciler, an UnreadCounter and an
// Aggregator for one user session and drives them from inbound events, user
// actions and the REST backend.
type Engine struct {
	conn    *ConnectionManager
	backend Backend
	self    Identity
	log     *zap.Logger
	metrics *Metrics

	messages  *Reconciler
	unread    *UnreadCounter
	convs     *Aggregator
	sendLocks *keyedMutex

	resendOnReconnect bool
	snapshotLimit     int
	refreshTimeout    time.Duration

	mu      sync.Mutex
	typing  map[string]bool
	failed  []func(SendFailure)
	subs    map[EventType]SubscriptionID
	started bool
}

// NewEngine wires the components around conn. backend may be nil, in which
// case snapshot fetches, mark-read and the REST send fallback are skipped.
func NewEngine(conn *ConnectionManager, backend Backend, self Identity, opts ...EngineOption) *Engine {
	e := &Engine{
		conn:           conn,
		backend:        backend,
		self:           self,
		log:            logger.Named("engine"),
		convs:          NewAggregator(),
		sendLocks:      newKeyedMutex(),
		snapshotLimit:  4,
		refreshTimeout: 30 * time.Second,
		typing:         make(map[string]bool),
		subs:           make(map[EventType]SubscriptionID),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.messages = NewReconciler(WithReconcilerLogger(e.log.Named("reconciler")), WithReconcilerMetrics(e.metrics))
	e.unread = NewUnreadCounter(e.metrics.setUnread)
	return e
}

// Connection returns the underlying ConnectionManager.
func (e *Engine) Connection() *ConnectionManager { return e.conn }

// Reconciler returns the message store.
func (e *Engine) Reconciler() *Reconciler { return e.messages }

// Counter returns the unread counter.
func (e *Engine) Counter() *UnreadCounter { return e.unread }

// Aggregator returns the conversation list.
func (e *Engine) Aggregator() *Aggregator { return e.convs }

// Self returns the current user.
func (e *Engine) Self() Identity { return e.self }

// Start subscribes to the connection and connects with token. It reports
// whether the connection is open on return; a failed dial keeps retrying
// in the background.
func (e *Engine) Start(ctx context.Context, token string) bool {
	e.mu.Lock()
	if !e.started {
		e.started = true
		e.subs[EventChat] = e.conn.OnChat(e.handleChat)
		e.subs[EventUserStatus] = e.conn.OnUserStatus(e.handleUserStatus)
		e.subs[EventError] = e.conn.OnError(e.handleError)
		e.subs[EventConnected] = e.conn.OnConnected(e.handleConnected)
	}
	e.mu.Unlock()
	return e.conn.Connect(ctx, token)
}

// Stop disconnects and removes the engine's subscriptions. Local state is kept.
func (e *Engine) Stop() {
	e.conn.Disconnect()
	e.mu.Lock()
	defer e.mu.Unlock()
	for t, id := range e.subs {
		e.conn.Off(t, id)
		delete(e.subs, t)
	}
	e.started = false
}

// OnSendFailed registers a callback for rolled back sends.
func (e *Engine) OnSendFailed(fn func(SendFailure)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, fn)
}

func (e *Engine) notifyFailure(f SendFailure) {
	e.mu.Lock()
	handlers := make([]func(SendFailure), len(e.failed))
	copy(handlers, e.failed)
	e.mu.Unlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					e.metrics.incPanic()
					e.log.Error("send failure handler panicked", zap.Any("panic", p))
				}
			}()
			fn(f)
		}()
	}
}

// ── sending ──────────────────────────────────────────────

// SendDirect sends content to receiverID. See send.
func (e *Engine) SendDirect(ctx context.Context, receiverID, content string, opts *SendOptions) (CorrelationID, error) {
	return e.send(ctx, Route{ID: receiverID, Kind: KindDirect}, content, opts)
}

// SendGroup sends content to groupID. See send.
func (e *Engine) SendGroup(ctx context.Context, groupID, content string, opts *SendOptions) (CorrelationID, error) {
	return e.send(ctx, Route{ID: groupID, Kind: KindGroup}, content, opts)
}

// send appends an optimistic entry and emits it on the socket. When the
// socket is not open the REST backend is tried instead; if that fails too
// the entry is rolled back and the error wraps ErrNotConnected. Sends to
// one conversation are serialized.
func (e *Engine) send(ctx context.Context, r Route, content string, opts *SendOptions) (CorrelationID, error) {
	if r.ID == "" {
		return "", fmt.Errorf("send: empty conversation id")
	}
	if strings.TrimSpace(content) == "" && len(opts.attachments()) == 0 {
		return "", ErrEmptyContent
	}

	unlock := e.sendLocks.Lock(r.ID)
	defer unlock()

	now := time.Now()
	if _, err := e.convs.Touch(r, now, ""); err != nil {
		return "", err
	}
	draft := Message{
		SenderID:    e.self.UserID,
		SenderName:  e.self.Name,
		Content:     content,
		Type:        opts.messageType(),
		CreatedAt:   now,
		Attachments: opts.attachments(),
	}
	if r.Kind == KindGroup {
		draft.GroupID = r.ID
	} else {
		draft.ReceiverID = r.ID
	}
	corr := e.messages.AppendOptimistic(r.ID, draft)
	draft.CorrelationID = corr
	draft.ConversationID = r.ID

	if e.emitChat(draft) {
		return corr, nil
	}

	confirmed, err := e.restSend(ctx, r, draft)
	if err != nil {
		e.messages.Rollback(r.ID, corr)
		e.log.Warn("send failed, rolled back",
			zap.String("conversation", r.ID), zap.String("correlation", string(corr)), zap.Error(err))
		e.notifyFailure(SendFailure{ConversationID: r.ID, CorrelationID: corr, Message: draft, Err: err})
		return corr, err
	}
	e.messages.Reconcile(r.ID, corr, *confirmed)
	return corr, nil
}

func (e *Engine) emitChat(m Message) bool {
	cmd := chatCommand{
		Message:     m.Content,
		MessageType: m.Type,
		ReceiverID:  m.ReceiverID,
		GroupID:     m.GroupID,
		SenderName:  m.SenderName,
		ClientID:    m.CorrelationID,
		Attachments: m.Attachments,
	}
	return e.conn.Send(EventChat, cmd)
}

func (e *Engine) restSend(ctx context.Context, r Route, m Message) (*Message, error) {
	if e.backend == nil {
		return nil, ErrNotConnected
	}
	out := OutboundMessage{
		Content:       m.Content,
		Type:          m.Type,
		SenderName:    m.SenderName,
		CorrelationID: m.CorrelationID,
		Attachments:   m.Attachments,
	}
	var (
		confirmed *Message
		err       error
	)
	if r.Kind == KindGroup {
		out.GroupID = r.ID
		confirmed, err = e.backend.SendGroup(ctx, out)
	} else {
		out.ReceiverID = r.ID
		confirmed, err = e.backend.SendDirect(ctx, out)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: rest fallback: %w", ErrNotConnected, err)
	}
	if confirmed == nil {
		return nil, fmt.Errorf("%w: rest fallback returned no message", ErrNotConnected)
	}
	return confirmed, nil
}

// ResendPending re-emits every pending entry on the socket and returns how
// many were written. It stops at the first failed write.
func (e *Engine) ResendPending(ctx context.Context) int {
	n := 0
	for _, convID := range e.messages.PendingConversations() {
		if ctx.Err() != nil {
			return n
		}
		unlock := e.sendLocks.Lock(convID)
		for _, m := range e.messages.Pending(convID) {
			if !e.emitChat(m) {
				unlock()
				return n
			}
			n++
		}
		unlock()
	}
	return n
}

// SetTyping tells receiverID whether the user is typing.
func (e *Engine) SetTyping(receiverID string, typing bool) bool {
	return e.conn.Send(EventUserStatus, typingCommand{Status: "typing", ReceiverID: receiverID, IsTyping: typing})
}

// Typing reports whether the partner of convID is typing.
func (e *Engine) Typing(convID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typing[convID]
}

func (e *Engine) setTyping(convID string, typing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if typing {
		e.typing[convID] = true
	} else {
		delete(e.typing, convID)
	}
}

// ── inbound ──────────────────────────────────────────────

func (e *Engine) handleChat(ev *ChatEvent) {
	msg := ev.Message
	route, ok := e.convs.ResolveRoute(ev, e.self.UserID)
	if !ok {
		e.log.Debug("chat event without route", zap.String("id", msg.ID))
		return
	}

	fromSelf := msg.SenderID == e.self.UserID
	name := ""
	if route.Kind == KindDirect && !fromSelf {
		name = msg.SenderName
	}
	if _, err := e.convs.Touch(route, msg.CreatedAt, name); err != nil {
		e.log.Warn("dropping chat event", zap.String("conversation", route.ID), zap.Error(err))
		return
	}
	if !fromSelf {
		e.setTyping(route.ID, false)
	}

	if fromSelf && e.confirmOwn(route.ID, msg) {
		return
	}
	if e.messages.AppendRemote(route.ID, msg) && !fromSelf {
		e.unread.Push(route.ID, route.Kind)
	}
}

// confirmOwn reconciles a server copy of one of our own messages with its
// pending entry, whether it came from a push or a history fetch. It reports
// whether a pending entry was consumed. Ids already in the log never match,
// so a repeated copy can not swallow a newer pending send.
func (e *Engine) confirmOwn(convID string, msg Message) bool {
	if msg.ID != "" && e.messages.Contains(convID, msg.ID) {
		return false
	}
	corr := msg.CorrelationID
	if corr == "" {
		corr = e.matchPending(convID, msg)
	}
	if corr == "" {
		return false
	}
	e.messages.Reconcile(convID, corr, msg)
	return true
}

// pendingMatchSkew is how much earlier than the optimistic entry a server
// copy may be stamped and still count as its confirmation.
const pendingMatchSkew = time.Minute

// matchPending finds the oldest pending entry with the same content, for
// copies of our own sends that come back without a client id. Older copies
// are earlier messages with the same text.
func (e *Engine) matchPending(convID string, msg Message) CorrelationID {
	for _, p := range e.messages.Pending(convID) {
		if p.Content != msg.Content {
			continue
		}
		if !msg.CreatedAt.IsZero() && msg.CreatedAt.Before(p.CreatedAt.Add(-pendingMatchSkew)) {
			continue
		}
		return p.CorrelationID
	}
	return ""
}

func (e *Engine) handleUserStatus(ev *UserStatusEvent) {
	if ev.Status != "typing" {
		return
	}
	route, ok := e.convs.ResolveRoute(ev, e.self.UserID)
	if !ok {
		return
	}
	e.setTyping(route.ID, ev.IsTyping)
}

func (e *Engine) handleError(ev *ErrorEvent) {
	if ev.CorrelationID == "" {
		e.log.Warn("server error", zap.String("message", ev.Message))
		return
	}
	convID, draft, ok := e.messages.Lookup(ev.CorrelationID)
	if !ok || !e.messages.Rollback(convID, ev.CorrelationID) {
		e.log.Debug("server error for unknown send", zap.String("correlation", string(ev.CorrelationID)))
		return
	}
	e.log.Warn("send rejected by server",
		zap.String("conversation", convID), zap.String("correlation", string(ev.CorrelationID)),
		zap.String("message", ev.Message))
	e.notifyFailure(SendFailure{
		ConversationID: convID,
		CorrelationID:  ev.CorrelationID,
		Message:        draft,
		Err:            &APIError{Code: "SEND_REJECTED", Message: ev.Message},
	})
}

func (e *Engine) handleConnected(ev *ConnectedEvent) {
	if !ev.Reconnect {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.refreshTimeout)
		defer cancel()
		if e.resendOnReconnect {
			if n := e.ResendPending(ctx); n > 0 {
				e.log.Info("resent pending messages", zap.Int("count", n))
			}
		}
		if err := e.RefreshUnread(ctx); err != nil {
			e.log.Warn("unread refresh after reconnect", zap.Error(err))
		}
	}()
}

// ── conversations and read state ─────────────────────────

// Open selects convID, clears its badge and marks it read on the backend.
// The returned error is informational: the local clear stays in place.
func (e *Engine) Open(ctx context.Context, convID string) error {
	c, ok := e.convs.Get(convID)
	if !ok {
		return fmt.Errorf("open %s: %w", convID, ErrUnknownConversation)
	}
	e.unread.Select(convID, c.Kind)
	return e.markRead(ctx, c)
}

// CloseConversation deselects the open conversation.
func (e *Engine) CloseConversation() {
	e.unread.Deselect()
}

// MarkRead clears convID without selecting it. The returned error is
// informational, as for Open.
func (e *Engine) MarkRead(ctx context.Context, convID string) error {
	c, ok := e.convs.Get(convID)
	if !ok {
		return fmt.Errorf("mark read %s: %w", convID, ErrUnknownConversation)
	}
	e.unread.MarkRead(convID, c.Kind)
	return e.markRead(ctx, c)
}

func (e *Engine) markRead(ctx context.Context, c Conversation) error {
	defer e.unread.ConfirmRead(c.ID)
	if e.backend == nil {
		return nil
	}
	var err error
	switch c.Kind {
	case KindGroup:
		err = e.backend.MarkGroupRead(ctx, c.ID)
	default:
		err = e.backend.MarkDirectRead(ctx, c.ID)
	}
	if err != nil {
		e.log.Warn("mark read failed", zap.String("conversation", c.ID), zap.Error(err))
		return fmt.Errorf("mark %s read: %w", c.ID, err)
	}
	return nil
}

// Refresh loads direct messages and group chats from the backend. Each
// source is applied as soon as it returns; the first error is reported.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.backend == nil {
		return nil
	}
	var g errgroup.Group
	g.Go(func() error {
		msgs, err := e.backend.DirectMessages(ctx)
		if err != nil {
			return fmt.Errorf("fetch direct messages: %w", err)
		}
		e.applyDirect(msgs)
		return nil
	})
	g.Go(func() error {
		groups, err := e.backend.MyGroupChats(ctx)
		if err != nil {
			return fmt.Errorf("fetch group chats: %w", err)
		}
		e.applyGroups(groups)
		return nil
	})
	return g.Wait()
}

func (e *Engine) applyDirect(msgs []Message) {
	for _, m := range msgs {
		r, ok := routeMessage(m, e.self.UserID)
		if !ok || r.Kind != KindDirect {
			continue
		}
		name := ""
		if m.SenderID != e.self.UserID {
			name = m.SenderName
		}
		if _, err := e.convs.Touch(r, m.CreatedAt, name); err != nil {
			e.log.Warn("skipping direct message", zap.String("conversation", r.ID), zap.Error(err))
			continue
		}
		e.applyFetched(r.ID, m)
	}
}

// applyFetched stores one message from a history fetch.
func (e *Engine) applyFetched(convID string, m Message) {
	if m.SenderID == e.self.UserID && e.confirmOwn(convID, m) {
		return
	}
	e.messages.AppendRemote(convID, m)
}

func (e *Engine) applyGroups(groups []GroupChat) {
	for _, g := range groups {
		_, err := e.convs.Upsert(Conversation{
			ID:             g.ID,
			Kind:           KindGroup,
			DisplayName:    g.Name,
			Participants:   g.Participants,
			LastActivityAt: g.LastActivity(),
		})
		if err != nil {
			e.log.Warn("skipping group", zap.String("group", g.ID), zap.Error(err))
			continue
		}
		for _, m := range g.History() {
			e.applyFetched(g.ID, m)
		}
	}
}

// RefreshUnread fetches absolute unread counts for every known conversation
// and applies them unless a push or a clear happened meanwhile. On error
// the remaining counts are left as they were.
func (e *Engine) RefreshUnread(ctx context.Context) error {
	if e.backend == nil {
		return nil
	}
	token := e.unread.BeginSnapshot()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.snapshotLimit)
	for _, c := range e.convs.List(Filter{}) {
		g.Go(func() error {
			var (
				n   int
				err error
			)
			switch c.Kind {
			case KindGroup:
				n, err = e.backend.GroupUnreadCount(gctx, c.ID)
			default:
				n, err = e.backend.UnreadCount(gctx, c.ID)
			}
			if err != nil {
				return fmt.Errorf("unread count for %s: %w", c.ID, err)
			}
			e.unread.ApplySnapshot(token, c.ID, c.Kind, n)
			return nil
		})
	}
	return g.Wait()
}

// Conversations returns the decorated conversation list.
func (e *Engine) Conversations(order SortOrder, f Filter) []ConversationView {
	selected := e.unread.Selected()
	list := e.convs.List(Filter{Kind: f.Kind, Query: f.Query})
	views := make([]ConversationView, 0, len(list))
	for _, c := range list {
		v := ConversationView{
			Conversation: c,
			Unread:       e.unread.Count(c.ID),
			Typing:       e.Typing(c.ID),
			Selected:     c.ID == selected,
		}
		if m, ok := e.messages.Last(c.ID); ok {
			v.LastMessage = &m
		}
		if f.Match(v) {
			views = append(views, v)
		}
	}
	return SortConversations(views, order)
}

// History returns the message log of convID.
func (e *Engine) History(convID string) []Message {
	return e.messages.Messages(convID)
}

// Unread returns the aggregate unread counts.
func (e *Engine) Unread() UnreadTotals {
	return e.unread.Totals()
}

// Leave forgets every local trace of convID.
func (e *Engine) Leave(convID string) {
	e.convs.Remove(convID)
	e.messages.Drop(convID)
	e.unread.Drop(convID)
	e.setTyping(convID, false)
}
