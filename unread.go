package letusconnect

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rogerjeasy/letusconnect-sub002/internal/logger"
)

// UnreadTotals are the aggregate unread counts per conversation kind.
type UnreadTotals struct {
	Direct int `json:"direct"`
	Group  int `json:"group"`
}

// Total returns Direct + Group.
func (t UnreadTotals) Total() int { return t.Direct + t.Group }

// SnapshotToken marks the moment a snapshot fetch was issued.
type SnapshotToken struct {
	clock uint64
}

type unreadEntry struct {
	kind     ConversationKind
	count    int
	touched  uint64 // clock of the last push or local clear
	clearing bool   // local clear not yet confirmed by the backend
}

// UnreadCounter merges three racing sources into per-conversation unread
// counts: pushes (+1), absolute snapshots and local clears. Each entry
// remembers the logical clock of its last push or clear; a snapshot issued
// before that is stale and ignored. Totals are recomputed from the entries
// on every change.
type UnreadCounter struct {
	log *zap.Logger

	mu       sync.Mutex
	clock    uint64
	entries  map[string]*unreadEntry
	selected string
	totals   UnreadTotals

	notifyMu  sync.Mutex
	delivered UnreadTotals
	onChange  func(UnreadTotals)
}

// NewUnreadCounter creates an empty counter. onChange, when set, is called
// with the new totals after every change, outside the counter's lock.
// Calls are serialized and never report totals older than the previous
// call. onChange must not modify the counter.
func NewUnreadCounter(onChange func(UnreadTotals)) *UnreadCounter {
	return &UnreadCounter{
		log:      logger.Named("unread"),
		entries:  make(map[string]*unreadEntry),
		onChange: onChange,
	}
}

// entry returns the entry of convID, creating it for a valid kind. An
// invalid kind keeps the stored one; nil means there is no entry to update.
func (c *UnreadCounter) entry(convID string, kind ConversationKind) *unreadEntry {
	e, ok := c.entries[convID]
	switch {
	case !ok && !kind.Valid():
		return nil
	case !ok:
		e = &unreadEntry{kind: kind}
		c.entries[convID] = e
	case kind.Valid():
		e.kind = kind
	}
	return e
}

// recomputeLocked rebuilds the totals and reports whether they changed.
func (c *UnreadCounter) recomputeLocked() bool {
	var t UnreadTotals
	for _, e := range c.entries {
		switch e.kind {
		case KindDirect:
			t.Direct += e.count
		case KindGroup:
			t.Group += e.count
		}
	}
	changed := t != c.totals
	c.totals = t
	return changed
}

func (c *UnreadCounter) commitLocked() func() {
	if !c.recomputeLocked() || c.onChange == nil {
		return func() {}
	}
	return c.notify
}

// notify reports the totals as of delivery time, so a slow caller can not
// overwrite a newer value with the one it computed.
func (c *UnreadCounter) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	t := c.Totals()
	if t == c.delivered {
		return
	}
	c.delivered = t
	c.onChange(t)
}

// Push records one new message for convID. It is a no-op while convID is
// the selected conversation. It reports whether the count changed.
func (c *UnreadCounter) Push(convID string, kind ConversationKind) bool {
	c.mu.Lock()
	c.clock++
	if convID == c.selected {
		c.mu.Unlock()
		return false
	}
	e := c.entry(convID, kind)
	if e == nil {
		c.mu.Unlock()
		c.log.Debug("unread push without kind ignored", zap.String("conversation", convID))
		return false
	}
	e.count++
	e.touched = c.clock
	notify := c.commitLocked()
	c.mu.Unlock()
	notify()
	return true
}

// BeginSnapshot issues a token to pass to ApplySnapshot once the fetch returns.
func (c *UnreadCounter) BeginSnapshot() SnapshotToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	return SnapshotToken{clock: c.clock}
}

// ApplySnapshot overwrites the count of convID with an absolute value from
// the backend. The value is rejected when the entry saw a push or a clear
// after token was issued, and while a local clear of the entry is waiting
// for confirmation. A snapshot of 0 confirms a pending clear. It reports
// whether the value was applied.
func (c *UnreadCounter) ApplySnapshot(token SnapshotToken, convID string, kind ConversationKind, count int) bool {
	if count < 0 {
		count = 0
	}
	c.mu.Lock()
	e := c.entry(convID, kind)
	switch {
	case e == nil:
		c.mu.Unlock()
		return false
	case e.touched > token.clock:
		c.mu.Unlock()
		c.log.Debug("stale unread snapshot ignored", zap.String("conversation", convID), zap.Int("count", count))
		return false
	case convID == c.selected:
		e.count = 0
		e.clearing = e.clearing && count > 0
	case e.clearing && count > 0:
		c.mu.Unlock()
		return false
	default:
		e.count = count
		e.clearing = false
	}
	notify := c.commitLocked()
	c.mu.Unlock()
	notify()
	return true
}

// Select marks convID as the open conversation and clears it. It returns
// the count that was cleared.
func (c *UnreadCounter) Select(convID string, kind ConversationKind) int {
	c.mu.Lock()
	c.selected = convID
	prev, notify := c.clearLocked(convID, kind)
	c.mu.Unlock()
	notify()
	return prev
}

// Deselect clears the open conversation.
func (c *UnreadCounter) Deselect() {
	c.mu.Lock()
	c.selected = ""
	c.mu.Unlock()
}

// Selected returns the open conversation, if any.
func (c *UnreadCounter) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// MarkRead sets convID to 0 without selecting it and returns the cleared count.
func (c *UnreadCounter) MarkRead(convID string, kind ConversationKind) int {
	c.mu.Lock()
	prev, notify := c.clearLocked(convID, kind)
	c.mu.Unlock()
	notify()
	return prev
}

func (c *UnreadCounter) clearLocked(convID string, kind ConversationKind) (int, func()) {
	c.clock++
	e := c.entry(convID, kind)
	if e == nil {
		return 0, func() {}
	}
	prev := e.count
	e.count = 0
	e.touched = c.clock
	e.clearing = true
	return prev, c.commitLocked()
}

// ConfirmRead ends the pending clear of convID once the mark-read request
// returned, successfully or not. The count is left as is.
func (c *UnreadCounter) ConfirmRead(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[convID]; ok {
		e.clearing = false
	}
}

// Clearing reports whether a local clear of convID awaits confirmation.
func (c *UnreadCounter) Clearing(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[convID]
	return ok && e.clearing
}

// Count returns the unread count of convID.
func (c *UnreadCounter) Count(convID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[convID]; ok {
		return e.count
	}
	return 0
}

// Totals returns the aggregate counts.
func (c *UnreadCounter) Totals() UnreadTotals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

// Drop forgets convID.
func (c *UnreadCounter) Drop(convID string) {
	c.mu.Lock()
	delete(c.entries, convID)
	if c.selected == convID {
		c.selected = ""
	}
	notify := c.commitLocked()
	c.mu.Unlock()
	notify()
}
