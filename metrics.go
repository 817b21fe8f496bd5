package livechat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of one session. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	events          *prometheus.CounterVec
	malformed       prometheus.Counter
	commands        *prometheus.CounterVec
	reconnects      prometheus.Counter
	state           *prometheus.GaugeVec
	storedMessages  prometheus.Gauge
	historyFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg, labelled with
// the session name so several sessions can share one registry.
func NewMetrics(reg prometheus.Registerer, session string) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "events_total",
			Help:      "Live events processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "commands_total",
			Help:      "Outbound commands, by operation and result.",
		}, []string{"op", "result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after a lost connection.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "livechat",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		storedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livechat",
			Name:      "stored_messages",
			Help:      "Messages in the session view, tombstones included.",
		}),
		historyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "history_failures_total",
			Help:      "Failed history snapshot fetches.",
		}),
	}

	if reg != nil {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"session": session}, reg)
		reg.MustRegister(m.events, m.malformed, m.commands, m.reconnects, m.state, m.storedMessages, m.historyFailures)
	}
	m.connectionState(StateDisconnected)
	return m
}

func (m *Metrics) eventApplied(kind EventKind, outcome Outcome) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind), string(outcome)).Inc()
}

func (m *Metrics) malformedFrame() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) command(op CommandOp, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(op.String(), result).Inc()
}

func (m *Metrics) reconnectAttempted() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) connectionState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateClosed} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) storeSize(n int) {
	if m == nil {
		return
	}
	m.storedMessages.Set(float64(n))
}

func (m *Metrics) historyFailed() {
	if m == nil {
		return
	}
	m.historyFailures.Inc()
}
