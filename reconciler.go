package letusconnect

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rogerjeasy/letusconnect-sub002/internal/logger"
)

// CorrelationID matches a server confirmation to the optimistic entry that
// produced it. Generated ids live in the "local:" namespace, which server
// ids never use.
type CorrelationID string

const correlationPrefix = "local:"

func newCorrelationID() CorrelationID {
	return CorrelationID(correlationPrefix + uuid.New().String())
}

// Local reports whether the id was generated by this process.
func (c CorrelationID) Local() bool {
	return strings.HasPrefix(string(c), correlationPrefix)
}

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler keeps one ordered, duplicate-free message log per conversation
// and matches optimistic sends to their confirmations. Logs are ordered by
// CreatedAt; equal timestamps keep insertion order. Each log has its own
// lock, so writers to different conversations do not contend.
type Reconciler struct {
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu    sync.Mutex
	logs  map[string]*messageLog
	index map[CorrelationID]string // pending correlation id -> conversation
}

type logEntry struct {
	msg Message
	seq uint64
}

type messageLog struct {
	mu      sync.Mutex
	seq     uint64
	entries []logEntry
	ids     map[string]bool
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.log = l }
}

// WithReconcilerMetrics records log operations on m.
func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock overrides the time source used for optimistic entries.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates an empty Reconciler.
func NewReconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		log:   logger.Named("reconciler"),
		now:   time.Now,
		logs:  make(map[string]*messageLog),
		index: make(map[CorrelationID]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) conversation(convID string, create bool) *messageLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[convID]
	if !ok && create {
		l = &messageLog{ids: make(map[string]bool)}
		r.logs[convID] = l
	}
	return l
}

func (r *Reconciler) track(corr CorrelationID, convID string) {
	r.mu.Lock()
	r.index[corr] = convID
	r.mu.Unlock()
}

func (r *Reconciler) untrack(corr CorrelationID) {
	r.mu.Lock()
	delete(r.index, corr)
	r.mu.Unlock()
}

// AppendOptimistic appends draft as a pending entry and returns its
// correlation id. A zero CreatedAt is set to the current time.
func (r *Reconciler) AppendOptimistic(convID string, draft Message) CorrelationID {
	corr := newCorrelationID()
	draft.ID = ""
	draft.CorrelationID = corr
	draft.ConversationID = convID
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = r.now()
	}

	l := r.conversation(convID, true)
	l.mu.Lock()
	l.insert(draft)
	l.mu.Unlock()

	r.track(corr, convID)
	r.metrics.incMessage("optimistic")
	return corr
}

// Reconcile replaces the pending entry for corr with the confirmed message,
// adopting its id and timestamp. The entry keeps its position unless the
// new timestamp breaks ordering, in which case it moves. An unknown corr
// falls back to AppendRemote; a confirmed id that is already present (the
// push echo won the race) drops the pending entry instead.
func (r *Reconciler) Reconcile(convID string, corr CorrelationID, confirmed Message) {
	confirmed.ConversationID = convID
	confirmed.CorrelationID = corr

	l := r.conversation(convID, true)
	l.mu.Lock()
	i := l.findPending(corr)
	if i < 0 {
		l.mu.Unlock()
		r.log.Debug("confirmation for unknown correlation id",
			zap.String("conversation", convID), zap.String("correlation", string(corr)))
		r.AppendRemote(convID, confirmed)
		return
	}

	if confirmed.ID != "" && l.ids[confirmed.ID] {
		l.removeAt(i)
		l.mu.Unlock()
		r.untrack(corr)
		r.metrics.incMessage("duplicate")
		return
	}

	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = l.entries[i].msg.CreatedAt
	}
	l.replaceAt(i, confirmed)
	l.mu.Unlock()

	r.untrack(corr)
	r.metrics.incMessage("reconciled")
}

// AppendRemote inserts a message from a push or a fetch. It is a no-op when
// the id is already present. A message carrying the correlation id of a
// local pending entry reconciles that entry. It reports whether a new entry
// was added.
func (r *Reconciler) AppendRemote(convID string, msg Message) bool {
	msg.ConversationID = convID

	l := r.conversation(convID, true)
	l.mu.Lock()
	if msg.ID != "" && l.ids[msg.ID] {
		l.mu.Unlock()
		r.metrics.incMessage("duplicate")
		return false
	}
	if msg.CorrelationID != "" {
		if i := l.findPending(msg.CorrelationID); i >= 0 {
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = l.entries[i].msg.CreatedAt
			}
			l.replaceAt(i, msg)
			l.mu.Unlock()
			r.untrack(msg.CorrelationID)
			r.metrics.incMessage("reconciled")
			return false
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	l.insert(msg)
	l.mu.Unlock()

	r.metrics.incMessage("remote")
	return true
}

// Contains reports whether a message with the server id is in the log.
func (r *Reconciler) Contains(convID, id string) bool {
	l := r.conversation(convID, false)
	if l == nil || id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[id]
}

// Merge inserts a batch of remote messages and returns how many were new.
func (r *Reconciler) Merge(convID string, msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if r.AppendRemote(convID, m) {
			n++
		}
	}
	return n
}

// Rollback removes the pending entry for corr. It reports whether one was found.
func (r *Reconciler) Rollback(convID string, corr CorrelationID) bool {
	l := r.conversation(convID, false)
	if l == nil {
		return false
	}
	l.mu.Lock()
	i := l.findPending(corr)
	if i >= 0 {
		l.removeAt(i)
	}
	l.mu.Unlock()
	if i < 0 {
		return false
	}
	r.untrack(corr)
	r.metrics.incMessage("rollback")
	return true
}

// Messages returns a copy of the conversation log in order.
func (r *Reconciler) Messages(convID string) []Message {
	l := r.conversation(convID, false)
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.msg
	}
	return out
}

// Pending returns the entries of the conversation still awaiting confirmation.
func (r *Reconciler) Pending(convID string) []Message {
	l := r.conversation(convID, false)
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Message
	for _, e := range l.entries {
		if e.msg.Pending() {
			out = append(out, e.msg)
		}
	}
	return out
}

// Last returns the newest message of the conversation.
func (r *Reconciler) Last(convID string) (Message, bool) {
	l := r.conversation(convID, false)
	if l == nil {
		return Message{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Message{}, false
	}
	return l.entries[len(l.entries)-1].msg, true
}

// Lookup finds the pending entry for corr.
func (r *Reconciler) Lookup(corr CorrelationID) (string, Message, bool) {
	r.mu.Lock()
	convID, ok := r.index[corr]
	r.mu.Unlock()
	if !ok {
		return "", Message{}, false
	}
	l := r.conversation(convID, false)
	if l == nil {
		return "", Message{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.findPending(corr); i >= 0 {
		return convID, l.entries[i].msg, true
	}
	return "", Message{}, false
}

// PendingConversations lists conversations holding at least one pending entry.
func (r *Reconciler) PendingConversations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, convID := range r.index {
		if !seen[convID] {
			seen[convID] = true
			out = append(out, convID)
		}
	}
	sort.Strings(out)
	return out
}

// Drop forgets a conversation and its pending entries.
func (r *Reconciler) Drop(convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.logs, convID)
	for corr, id := range r.index {
		if id == convID {
			delete(r.index, corr)
		}
	}
}

// ── log internals (caller holds l.mu) ────────────────────

// after reports whether a sorts strictly after b.
func (a logEntry) after(b logEntry) bool {
	if a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.seq > b.seq
	}
	return a.msg.CreatedAt.After(b.msg.CreatedAt)
}

func (l *messageLog) insert(msg Message) {
	l.seq++
	l.place(logEntry{msg: msg, seq: l.seq})
}

func (l *messageLog) place(e logEntry) {
	i := sort.Search(len(l.entries), func(j int) bool { return l.entries[j].after(e) })
	l.entries = append(l.entries, logEntry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	if e.msg.ID != "" {
		l.ids[e.msg.ID] = true
	}
}

func (l *messageLog) removeAt(i int) {
	if id := l.entries[i].msg.ID; id != "" {
		delete(l.ids, id)
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
}

func (l *messageLog) replaceAt(i int, msg Message) {
	e := logEntry{msg: msg, seq: l.entries[i].seq}
	inOrder := (i == 0 || e.after(l.entries[i-1])) &&
		(i == len(l.entries)-1 || l.entries[i+1].after(e))
	if inOrder {
		if old := l.entries[i].msg.ID; old != "" {
			delete(l.ids, old)
		}
		l.entries[i] = e
		if msg.ID != "" {
			l.ids[msg.ID] = true
		}
		return
	}
	l.removeAt(i)
	l.place(e)
}

func (l *messageLog) findPending(corr CorrelationID) int {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if m := l.entries[i].msg; m.ID == "" && m.CorrelationID == corr {
			return i
		}
	}
	return -1
}
