package realtime

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "livepoll"

// Metrics groups the room collectors. NewMetrics(nil) returns unregistered collectors, which is what
// tests use.
type Metrics struct {
	Connections     prometheus.Gauge
	ActiveQuestions prometheus.Gauge
	Answers         *prometheus.CounterVec
	Finalized       *prometheus.CounterVec
	PersistFailures prometheus.Counter
	DroppedMessages prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
		ActiveQuestions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_questions",
			Help:      "Questions currently accepting answers.",
		}),
		Answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "answers_total",
			Help:      "Answer submissions by outcome.",
		}, []string{"result"}),
		Finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "questions_finalized_total",
			Help:      "Finalized questions by trigger.",
		}, []string{"trigger"}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stats_persist_failures_total",
			Help:      "Final question stats that could not be written.",
		}),
		DroppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ws_dropped_messages_total",
			Help:      "Outbound messages dropped because a send buffer was full or closed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.ActiveQuestions, m.Answers, m.Finalized, m.PersistFailures, m.DroppedMessages)
	}
	return m
}
