package letusconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rogerjeasy/letusconnect-sub002/internal/logger"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a ConnectionManager. Zero values are defaulted.
type RealtimeConfig struct {
	// Endpoint is the websocket URL; the identity is appended as ?token=.
	Endpoint string

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	// Reconnect delay is ReconnectBaseDelay × min(attempt, ReconnectDelayCap).
	ReconnectBaseDelay time.Duration
	ReconnectDelayCap  int
	// MaxReconnectAttempts bounds consecutive failures; negative disables the bound.
	MaxReconnectAttempts int

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Transport Transport
	Logger    *zap.Logger
	Metrics   *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 5 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectDelayCap == 0 {
		c.ReconnectDelayCap = 5
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Transport == nil {
		c.Transport = &WebSocketTransport{}
	}
	if c.Logger == nil {
		c.Logger = logger.Named("realtime")
	}
}

// ReconnectDelay returns the wait before the given (1-based) attempt.
func (c RealtimeConfig) ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	n := attempt
	if c.ReconnectDelayCap > 0 && n > c.ReconnectDelayCap {
		n = c.ReconnectDelayCap
	}
	return c.ReconnectBaseDelay * time.Duration(n)
}

func (c RealtimeConfig) exhausted(attempt int) bool {
	return c.MaxReconnectAttempts > 0 && attempt >= c.MaxReconnectAttempts
}

// ConnectionState is the lifecycle state of a ConnectionManager.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// ============================================================================
// Subscriber registry
// ============================================================================

// Handler receives decoded events.
type Handler func(Event)

// SubscriptionID identifies one registered handler.
type SubscriptionID uint64

type subscriber struct {
	id SubscriptionID
	h  Handler
}

// eventRegistry maps event types to handlers. Slices are never mutated in
// place, so a snapshot taken under the read lock stays valid after unlock.
type eventRegistry struct {
	mu      sync.RWMutex
	next    SubscriptionID
	subs    map[EventType][]subscriber
	log     *zap.Logger
	metrics *Metrics
}

func newEventRegistry(log *zap.Logger, metrics *Metrics) *eventRegistry {
	return &eventRegistry{
		subs:    make(map[EventType][]subscriber),
		log:     log,
		metrics: metrics,
	}
}

func (r *eventRegistry) add(t EventType, h Handler) SubscriptionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	old := r.subs[t]
	subs := make([]subscriber, len(old), len(old)+1)
	copy(subs, old)
	r.subs[t] = append(subs, subscriber{id: r.next, h: h})
	return r.next
}

// remove drops the given subscriptions, or every subscription for t when
// ids is empty. It returns the number removed.
func (r *eventRegistry) remove(t EventType, ids ...SubscriptionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.subs[t]
	if len(ids) == 0 {
		delete(r.subs, t)
		return len(old)
	}
	drop := make(map[SubscriptionID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := make([]subscriber, 0, len(old))
	for _, s := range old {
		if !drop[s.id] {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(r.subs, t)
	} else {
		r.subs[t] = kept
	}
	return len(old) - len(kept)
}

func (r *eventRegistry) snapshot(t EventType) []subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[t]
}

func (r *eventRegistry) count(t EventType) int {
	return len(r.snapshot(t))
}

func (r *eventRegistry) dispatch(ev Event) {
	for _, s := range r.snapshot(ev.Type()) {
		r.deliver(s, ev)
	}
}

func (r *eventRegistry) deliver(s subscriber, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.incPanic()
			r.log.Error("event handler panicked",
				zap.String("type", string(ev.Type())),
				zap.Uint64("subscription", uint64(s.id)),
				zap.Any("panic", p))
		}
	}()
	s.h(ev)
}

// ============================================================================
// ConnectionManager
// ============================================================================

// session is one open channel. Its mutable fields are guarded by the
// manager's mutex.
type session struct {
	ch     Channel
	cancel context.CancelFunc
	pong   *time.Timer
}

// ConnectionManager owns the single realtime channel of a user session: it
// dials, keeps the channel alive with ping/pong, reconnects with capped
// backoff and fans decoded events out to subscribers.
type ConnectionManager struct {
	cfg      RealtimeConfig
	log      *zap.Logger
	metrics  *Metrics
	registry *eventRegistry

	mu        sync.Mutex
	state     ConnectionState
	identity  string
	gen       uint64
	attempt   int
	lastErr   string
	connected bool // at least one session opened since the last Connect
	sess      *session
	retry     *time.Timer
}

// NewConnectionManager creates an idle manager.
func NewConnectionManager(cfg RealtimeConfig) *ConnectionManager {
	cfg.defaults()
	m := &ConnectionManager{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		state:   StateIdle,
	}
	m.registry = newEventRegistry(cfg.Logger, cfg.Metrics)
	m.metrics.setState(StateIdle)
	return m
}

// Config returns the effective configuration.
func (m *ConnectionManager) Config() RealtimeConfig { return m.cfg }

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of consecutive failures since the last Connected.
func (m *ConnectionManager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastError returns the reason of the most recent failure.
func (m *ConnectionManager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// On registers a handler for an event type.
func (m *ConnectionManager) On(t EventType, h Handler) SubscriptionID {
	return m.registry.add(t, h)
}

// Off removes the given subscriptions for t, or all of them when no ids are passed.
func (m *ConnectionManager) Off(t EventType, ids ...SubscriptionID) int {
	return m.registry.remove(t, ids...)
}

// OnChat registers a handler for new messages.
func (m *ConnectionManager) OnChat(h func(*ChatEvent)) SubscriptionID {
	return m.On(EventChat, func(ev Event) {
		if e, ok := ev.(*ChatEvent); ok {
			h(e)
		}
	})
}

// OnNotification registers a handler for notifications.
func (m *ConnectionManager) OnNotification(h func(*NotificationEvent)) SubscriptionID {
	return m.On(EventNotification, func(ev Event) {
		if e, ok := ev.(*NotificationEvent); ok {
			h(e)
		}
	})
}

// OnUserStatus registers a handler for presence and typing updates.
func (m *ConnectionManager) OnUserStatus(h func(*UserStatusEvent)) SubscriptionID {
	return m.On(EventUserStatus, func(ev Event) {
		if e, ok := ev.(*UserStatusEvent); ok {
			h(e)
		}
	})
}

// OnError registers a handler for server errors.
func (m *ConnectionManager) OnError(h func(*ErrorEvent)) SubscriptionID {
	return m.On(EventError, func(ev Event) {
		if e, ok := ev.(*ErrorEvent); ok {
			h(e)
		}
	})
}

// OnConnected registers a handler for the connected meta-event.
func (m *ConnectionManager) OnConnected(h func(*ConnectedEvent)) SubscriptionID {
	return m.On(EventConnected, func(ev Event) {
		if e, ok := ev.(*ConnectedEvent); ok {
			h(e)
		}
	})
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (m *ConnectionManager) OnDisconnected(h func(*DisconnectedEvent)) SubscriptionID {
	return m.On(EventDisconnected, func(ev Event) {
		if e, ok := ev.(*DisconnectedEvent); ok {
			h(e)
		}
	})
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (m *ConnectionManager) OnReconnecting(h func(*ReconnectingEvent)) SubscriptionID {
	return m.On(EventReconnecting, func(ev Event) {
		if e, ok := ev.(*ReconnectingEvent); ok {
			h(e)
		}
	})
}

// OnGiveUp registers a handler for the terminal give-up notification.
func (m *ConnectionManager) OnGiveUp(h func(*GiveUpEvent)) SubscriptionID {
	return m.On(EventGiveUp, func(ev Event) {
		if e, ok := ev.(*GiveUpEvent); ok {
			h(e)
		}
	})
}

// OnUnknown registers a handler for frames of an application type this
// package does not model.
func (m *ConnectionManager) OnUnknown(t EventType, h func(*UnknownEvent)) SubscriptionID {
	return m.On(t, func(ev Event) {
		if e, ok := ev.(*UnknownEvent); ok {
			h(e)
		}
	})
}

// Connect opens the channel for identity and blocks until it is open or the
// attempt failed. Failures are logged and turn into a scheduled reconnect;
// the result only reports whether the manager is Connected on return.
// Calling Connect while connecting or connected with the same identity is a
// no-op.
func (m *ConnectionManager) Connect(ctx context.Context, identity string) bool {
	m.mu.Lock()
	if m.identity == identity && (m.state == StateConnecting || m.state == StateConnected) {
		connected := m.state == StateConnected
		m.mu.Unlock()
		return connected
	}

	var events []Event
	ch, cancel := m.detachSessionLocked()
	if ch != nil {
		events = append(events, &DisconnectedEvent{
			eventMeta: eventMeta{At: time.Now()},
			Reason:    "identity changed",
			Clean:     true,
		})
	}
	m.stopRetryLocked()
	if m.state == StateError || m.identity != identity {
		m.attempt = 0
	}
	if m.identity != identity {
		m.connected = false
	}
	m.identity = identity
	gen := m.beginDialLocked()
	m.mu.Unlock()

	closeChannel(ch, cancel)
	m.emit(events...)
	return m.dial(ctx, gen)
}

// Disconnect closes the channel, cancels every pending timer and returns
// the manager to Idle. No reconnect is attempted after it returns.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopRetryLocked()
	ch, cancel := m.detachSessionLocked()
	m.state = StateIdle
	m.attempt = 0
	m.metrics.setState(StateIdle)
	m.mu.Unlock()

	m.log.Info("disconnected by client")
	if ch != nil {
		if err := ch.Close(); err != nil {
			m.log.Debug("close channel", zap.Error(err))
		}
		cancel()
		m.emit(&DisconnectedEvent{
			eventMeta: eventMeta{At: time.Now()},
			Reason:    "client disconnect",
			Clean:     true,
		})
	}
}

// Send serializes payload as a frame of type t and writes it immediately.
// It returns false when the manager is not Connected or the write failed;
// nothing is queued.
func (m *ConnectionManager) Send(t EventType, payload any) bool {
	switch t {
	case EventConnected, EventDisconnected, EventReconnecting, EventGiveUp:
		return false
	}
	m.mu.Lock()
	sess := m.sess
	connected := m.state == StateConnected && sess != nil
	m.mu.Unlock()
	if !connected {
		m.metrics.incSend("not_connected")
		return false
	}

	frame, err := encodeFrame(t, payload, time.Now())
	if err != nil {
		m.log.Warn("encode outbound frame", zap.String("type", string(t)), zap.Error(err))
		m.metrics.incSend("error")
		return false
	}
	if !m.write(sess, frame) {
		return false
	}
	m.metrics.incSend("ok")
	return true
}

func (m *ConnectionManager) write(sess *session, frame []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	if err := sess.ch.Write(ctx, frame); err != nil {
		m.log.Warn("write failed", zap.Error(err))
		m.metrics.incSend("error")
		m.sessionFailed(sess, "write: "+err.Error())
		return false
	}
	return true
}

func (m *ConnectionManager) emit(events ...Event) {
	for _, ev := range events {
		m.registry.dispatch(ev)
	}
}

// ── lifecycle internals ──────────────────────────────────

func (m *ConnectionManager) beginDialLocked() uint64 {
	m.gen++
	m.state = StateConnecting
	m.metrics.setState(StateConnecting)
	return m.gen
}

func (m *ConnectionManager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// detachSessionLocked unhooks the current session and stops its pong
// deadline. The caller closes the channel and cancels its context outside
// the lock.
func (m *ConnectionManager) detachSessionLocked() (Channel, context.CancelFunc) {
	sess := m.sess
	if sess == nil {
		return nil, nil
	}
	m.sess = nil
	if sess.pong != nil {
		sess.pong.Stop()
		sess.pong = nil
	}
	return sess.ch, sess.cancel
}

func closeChannel(ch Channel, cancel context.CancelFunc) {
	if ch == nil {
		return
	}
	_ = ch.Close()
	cancel()
}

func (m *ConnectionManager) dial(ctx context.Context, gen uint64) bool {
	m.mu.Lock()
	identity := m.identity
	reconnect := m.connected
	m.mu.Unlock()

	endpoint, err := endpointURL(m.cfg.Endpoint, identity)
	var ch Channel
	if err == nil {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		ch, err = m.cfg.Transport.Dial(dialCtx, endpoint)
		cancel()
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		// Disconnect or a newer Connect won the race.
		m.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return false
	}
	if err != nil {
		if ctx.Err() != nil {
			m.gen++
			m.state = StateIdle
			m.metrics.setState(StateIdle)
			m.mu.Unlock()
			m.log.Info("connect abandoned by caller", zap.Error(ctx.Err()))
			return false
		}
		m.log.Warn("connect failed", zap.Int("attempt", m.attempt+1), zap.Error(err))
		events := m.failLocked(err.Error())
		m.mu.Unlock()
		m.emit(events...)
		return false
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{ch: ch, cancel: cancel}
	m.sess = sess
	m.state = StateConnected
	m.attempt = 0
	m.lastErr = ""
	m.connected = true
	m.metrics.setState(StateConnected)
	m.mu.Unlock()

	m.log.Info("connected", zap.Bool("reconnect", reconnect))
	m.emit(&ConnectedEvent{
		eventMeta: eventMeta{At: time.Now()},
		Identity:  identity,
		Reconnect: reconnect,
	})

	go m.readLoop(sessCtx, sess)
	go m.heartbeatLoop(sessCtx, sess)
	return true
}

// failLocked records one failure and either schedules the next attempt or
// gives up. It returns the meta events to emit after unlocking.
func (m *ConnectionManager) failLocked(reason string) []Event {
	m.attempt++
	m.lastErr = reason
	now := time.Now()

	if m.cfg.exhausted(m.attempt) {
		m.gen++
		m.state = StateError
		m.metrics.setState(StateError)
		m.metrics.incGiveUp()
		m.log.Error("giving up reconnect", zap.Int("attempts", m.attempt), zap.String("reason", reason))
		return []Event{&GiveUpEvent{
			eventMeta: eventMeta{At: now},
			Attempts:  m.attempt,
			LastErr:   reason,
		}}
	}

	delay := m.cfg.ReconnectDelay(m.attempt)
	m.state = StateDisconnected
	m.metrics.setState(StateDisconnected)
	m.metrics.incReconnect()
	gen := m.gen
	m.retry = time.AfterFunc(delay, func() { m.redial(gen) })
	m.log.Info("reconnect scheduled", zap.Int("attempt", m.attempt), zap.Duration("delay", delay))
	return []Event{&ReconnectingEvent{
		eventMeta: eventMeta{At: now},
		Attempt:   m.attempt,
		Delay:     delay,
	}}
}

func (m *ConnectionManager) redial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	next := m.beginDialLocked()
	m.mu.Unlock()
	m.dial(context.Background(), next)
}

// sessionFailed handles an unclean end of sess. It reports whether sess was
// still the current session.
func (m *ConnectionManager) sessionFailed(sess *session, reason string) bool {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return false
	}
	ch, cancel := m.detachSessionLocked()
	m.log.Warn("connection lost", zap.String("reason", reason))
	events := []Event{&DisconnectedEvent{eventMeta: eventMeta{At: time.Now()}, Reason: reason}}
	events = append(events, m.failLocked(reason)...)
	m.mu.Unlock()

	go closeChannel(ch, cancel)
	m.emit(events...)
	return true
}

// sessionClosed handles a clean close initiated by the peer.
func (m *ConnectionManager) sessionClosed(sess *session, reason string) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return
	}
	ch, cancel := m.detachSessionLocked()
	m.gen++
	m.state = StateDisconnected
	m.metrics.setState(StateDisconnected)
	m.mu.Unlock()

	m.log.Info("connection closed by peer", zap.String("reason", reason))
	closeChannel(ch, cancel)
	m.emit(&DisconnectedEvent{eventMeta: eventMeta{At: time.Now()}, Reason: reason, Clean: true})
}

func (m *ConnectionManager) readLoop(ctx context.Context, sess *session) {
	for {
		data, err := sess.ch.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrCleanClose) {
				m.sessionClosed(sess, err.Error())
				return
			}
			m.sessionFailed(sess, err.Error())
			return
		}
		m.handleFrame(sess, data)
	}
}

func (m *ConnectionManager) handleFrame(sess *session, data []byte) {
	ev, err := decodeFrame(data, time.Now())
	if err != nil {
		m.metrics.incDropped("decode")
		m.log.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	switch ev.Type() {
	case EventPong:
		m.onPong(sess)
		return
	case EventPing:
		if frame, err := encodeFrame(EventPong, nil, time.Now()); err == nil {
			m.write(sess, frame)
		}
		return
	}

	m.metrics.incFrame(ev.Type())
	if _, unknown := ev.(*UnknownEvent); unknown && m.registry.count(ev.Type()) == 0 {
		m.metrics.incDropped("unknown")
		m.log.Debug("dropping unrecognized frame", zap.String("type", string(ev.Type())))
		return
	}
	m.registry.dispatch(ev)
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ping(sess)
		}
	}
}

func (m *ConnectionManager) ping(sess *session) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return
	}
	if sess.pong == nil {
		sess.pong = time.AfterFunc(m.cfg.PongTimeout, func() { m.pongExpired(sess) })
	}
	m.mu.Unlock()

	frame, err := encodeFrame(EventPing, nil, time.Now())
	if err != nil {
		return
	}
	m.write(sess, frame)
}

func (m *ConnectionManager) onPong(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == sess && sess.pong != nil {
		sess.pong.Stop()
		sess.pong = nil
	}
}

func (m *ConnectionManager) pongExpired(sess *session) {
	if m.sessionFailed(sess, "pong deadline exceeded") {
		m.metrics.incHeartbeatTimeout()
	}
}
