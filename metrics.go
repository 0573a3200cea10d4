package mcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects transport counters. A nil *Metrics records nothing, which is the default for
// transports built without WithTransportMetrics.
type Metrics struct {
	messages    *prometheus.CounterVec
	parseErrors prometheus.Counter
	unmatched   prometheus.Counter
	pending     prometheus.Gauge
	sessions    prometheus.Gauge
}

const (
	directionSent     = "sent"
	directionReceived = "received"
)

// NewMetrics creates the transport collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "JSON-RPC messages written and delivered, by direction and kind.",
		}, []string{"direction", "kind"}),
		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "transport",
			Name:      "parse_errors_total",
			Help:      "Inbound frames discarded because they were not valid JSON-RPC 2.0.",
		}),
		unmatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "transport",
			Name:      "unmatched_responses_total",
			Help:      "Responses discarded because no request with their id was pending.",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcp",
			Subsystem: "transport",
			Name:      "pending_requests",
			Help:      "Outbound requests awaiting a response on the most recently updated session.",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcp",
			Subsystem: "transport",
			Name:      "open_sessions",
			Help:      "Transports that have started and not yet closed.",
		}),
	}
}

func (m *Metrics) observeMessage(direction string, kind MessageKind) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, kind.String()).Inc()
}

func (m *Metrics) observeParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) observeUnmatched() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
