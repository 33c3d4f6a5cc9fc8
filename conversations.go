package letusconnect

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Route names the conversation an event belongs to.
type Route struct {
	ID   string
	Kind ConversationKind
}

// SortOrder selects how conversation lists are ordered.
type SortOrder string

const (
	SortByActivity  SortOrder = "activity"
	SortByName      SortOrder = "name"
	SortUnreadFirst SortOrder = "unread"
)

// ParseSortOrder parses a SortOrder; the empty string means SortByActivity.
func ParseSortOrder(s string) (SortOrder, error) {
	switch SortOrder(s) {
	case "", SortByActivity:
		return SortByActivity, nil
	case SortByName, SortUnreadFirst:
		return SortOrder(s), nil
	}
	return "", fmt.Errorf("unknown sort order %q (want activity, name or unread)", s)
}

// Filter narrows a conversation list. Zero fields match everything.
type Filter struct {
	Kind       ConversationKind
	Query      string // case-insensitive substring of the display name or id
	UnreadOnly bool
}

func (f Filter) matchConversation(c Conversation) bool {
	if f.Kind != "" && c.Kind != f.Kind {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(c.DisplayName), q) && !strings.Contains(strings.ToLower(c.ID), q) {
			return false
		}
	}
	return true
}

// Match reports whether a view passes the filter.
func (f Filter) Match(v ConversationView) bool {
	if f.UnreadOnly && v.Unread == 0 {
		return false
	}
	return f.matchConversation(v.Conversation)
}

// ============================================================================
// Aggregator
// ============================================================================

// Aggregator holds the direct and group conversations of the current user
// in one id space: partner user ids for direct conversations, group ids for
// groups.
type Aggregator struct {
	mu    sync.RWMutex
	convs map[string]Conversation
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{convs: make(map[string]Conversation)}
}

// Upsert merges c into the stored conversation with the same id. Empty
// fields of c keep the stored values and LastActivityAt only moves forward.
func (a *Aggregator) Upsert(c Conversation) (Conversation, error) {
	if c.ID == "" {
		return Conversation{}, fmt.Errorf("upsert conversation: empty id")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.convs[c.ID]
	if !ok {
		if !c.Kind.Valid() {
			return Conversation{}, fmt.Errorf("upsert %s as %q: %w", c.ID, c.Kind, ErrInvalidKind)
		}
		if c.DisplayName == "" {
			c.DisplayName = c.ID
		}
		a.convs[c.ID] = c
		return c, nil
	}
	if c.Kind != "" && c.Kind != cur.Kind {
		return cur, fmt.Errorf("upsert %s as %s: %w", c.ID, c.Kind, ErrKindConflict)
	}
	if c.DisplayName != "" {
		cur.DisplayName = c.DisplayName
	}
	if c.Participants != nil {
		cur.Participants = c.Participants
	}
	if c.LastActivityAt.After(cur.LastActivityAt) {
		cur.LastActivityAt = c.LastActivityAt
	}
	a.convs[c.ID] = cur
	return cur, nil
}

// Touch records activity at time at on the routed conversation, creating it
// when unknown. displayName is only used when the conversation has none.
func (a *Aggregator) Touch(r Route, at time.Time, displayName string) (Conversation, error) {
	if !r.Kind.Valid() {
		return Conversation{}, fmt.Errorf("touch %s as %q: %w", r.ID, r.Kind, ErrInvalidKind)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.convs[r.ID]
	if !ok {
		if displayName == "" {
			displayName = r.ID
		}
		cur = Conversation{ID: r.ID, Kind: r.Kind, DisplayName: displayName, LastActivityAt: at}
		a.convs[r.ID] = cur
		return cur, nil
	}
	if cur.Kind != r.Kind {
		return cur, fmt.Errorf("touch %s as %s: %w", r.ID, r.Kind, ErrKindConflict)
	}
	if at.After(cur.LastActivityAt) {
		cur.LastActivityAt = at
	}
	if (cur.DisplayName == "" || cur.DisplayName == cur.ID) && displayName != "" {
		cur.DisplayName = displayName
	}
	a.convs[r.ID] = cur
	return cur, nil
}

// Get returns the conversation with the given id.
func (a *Aggregator) Get(id string) (Conversation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.convs[id]
	return c, ok
}

// Remove forgets a conversation. It reports whether it existed.
func (a *Aggregator) Remove(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.convs[id]
	delete(a.convs, id)
	return ok
}

// Len returns the number of known conversations.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.convs)
}

// List returns the conversations matching the kind and query of f, sorted
// by id. UnreadOnly needs counts and is applied to views with Filter.Match.
func (a *Aggregator) List(f Filter) []Conversation {
	a.mu.RLock()
	out := make([]Conversation, 0, len(a.convs))
	for _, c := range a.convs {
		if f.matchConversation(c) {
			out = append(out, c)
		}
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveRoute determines the conversation an inbound event belongs to.
// Group messages route by group id. Direct messages and user status route
// by the partner: the receiver when selfID sent it, the sender otherwise.
func (a *Aggregator) ResolveRoute(ev Event, selfID string) (Route, bool) {
	switch e := ev.(type) {
	case *ChatEvent:
		return routeMessage(e.Message, selfID)
	case *UserStatusEvent:
		partner := e.UserID
		if partner == selfID {
			partner = e.ReceiverID
		}
		if partner == "" || partner == selfID {
			return Route{}, false
		}
		return Route{ID: partner, Kind: KindDirect}, true
	}
	return Route{}, false
}

func routeMessage(m Message, selfID string) (Route, bool) {
	if m.GroupID != "" {
		return Route{ID: m.GroupID, Kind: KindGroup}, true
	}
	partner := m.SenderID
	if partner == selfID || partner == "" {
		partner = m.ReceiverID
	}
	if partner == "" {
		return Route{}, false
	}
	return Route{ID: partner, Kind: KindDirect}, true
}

// SortConversations returns a sorted copy of views. Ties fall back to the
// id so the result is deterministic.
func SortConversations(views []ConversationView, order SortOrder) []ConversationView {
	out := make([]ConversationView, len(views))
	copy(out, views)

	byActivity := func(a, b ConversationView) bool {
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID < b.ID
	}

	var less func(a, b ConversationView) bool
	switch order {
	case SortByName:
		less = func(a, b ConversationView) bool {
			an, bn := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)
			if an != bn {
				return an < bn
			}
			return a.ID < b.ID
		}
	case SortUnreadFirst:
		less = func(a, b ConversationView) bool {
			if (a.Unread > 0) != (b.Unread > 0) {
				return a.Unread > 0
			}
			return byActivity(a, b)
		}
	default:
		less = byActivity
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
