package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics namespace for all relay metrics.
const metricsNamespace = "openboard"

// Metrics holds the Prometheus instruments for the relay. A nil *Metrics is
// valid and records nothing, which keeps unit tests free of registry setup.
type Metrics struct {
	sessionsActive    prometheus.Gauge
	connectionsActive prometheus.Gauge
	eventsTotal       *prometheus.CounterVec
	strokesRelayed    prometheus.Counter
	sessionsReaped    prometheus.Counter
	framesDropped     prometheus.Counter
}

// NewMetrics registers the relay metrics with the given registerer. Pass
// prometheus.DefaultRegisterer in production or a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of live whiteboard sessions.",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections.",
		}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Inbound events processed, by event name.",
		}, []string{"event"}),
		strokesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "strokes_relayed_total",
			Help:      "Strokes appended to a history and relayed to peers.",
		}),
		sessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_reaped_total",
			Help:      "Sessions deleted after the grace period elapsed.",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a send queue was full.",
		}),
	}
}

func (m *Metrics) setSessions(n int) {
	if m != nil {
		m.sessionsActive.Set(float64(n))
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) event(name string) {
	if m != nil {
		m.eventsTotal.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) strokeRelayed() {
	if m != nil {
		m.strokesRelayed.Inc()
	}
}

func (m *Metrics) sessionReaped() {
	if m != nil {
		m.sessionsReaped.Inc()
	}
}

func (m *Metrics) frameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}
