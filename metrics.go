package letusconnect

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnects        prometheus.Counter
	giveUps           prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	sends             *prometheus.CounterVec
	handlerPanics     prometheus.Counter
	messages          *prometheus.CounterVec
	unread            *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "letusconnect_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "letusconnect_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled",
		}),
		giveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "letusconnect_reconnect_give_ups_total",
			Help: "Times the connection gave up after max attempts",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "letusconnect_heartbeat_timeouts_total",
			Help: "Pong deadlines that expired",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letusconnect_frames_received_total",
			Help: "Decoded inbound frames by type",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letusconnect_frames_dropped_total",
			Help: "Inbound frames dropped by reason",
		}, []string{"reason"}), // decode|unknown|reserved
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letusconnect_sends_total",
			Help: "Outbound frames by result",
		}, []string{"result"}), // ok|not_connected|error
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "letusconnect_handler_panics_total",
			Help: "Subscriber panics recovered during delivery",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letusconnect_messages_total",
			Help: "Message log operations by path",
		}, []string{"path"}), // optimistic|reconciled|remote|duplicate|rollback
		unread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "letusconnect_unread",
			Help: "Aggregate unread count by conversation kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.connectionState,
		m.reconnects,
		m.giveUps,
		m.heartbeatTimeouts,
		m.framesReceived,
		m.framesDropped,
		m.sends,
		m.handlerPanics,
		m.messages,
		m.unread,
	)
	return m
}

var allStates = []ConnectionState{StateIdle, StateConnecting, StateConnected, StateDisconnected, StateError}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) incReconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) incGiveUp() {
	if m != nil {
		m.giveUps.Inc()
	}
}

func (m *Metrics) incHeartbeatTimeout() {
	if m != nil {
		m.heartbeatTimeouts.Inc()
	}
}

func (m *Metrics) incFrame(t EventType) {
	if m != nil {
		m.framesReceived.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) incDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incSend(result string) {
	if m != nil {
		m.sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) incPanic() {
	if m != nil {
		m.handlerPanics.Inc()
	}
}

func (m *Metrics) incMessage(path string) {
	if m != nil {
		m.messages.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) setUnread(t UnreadTotals) {
	if m == nil {
		return
	}
	m.unread.WithLabelValues(string(KindDirect)).Set(float64(t.Direct))
	m.unread.WithLabelValues(string(KindGroup)).Set(float64(t.Group))
}
