package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors exported by the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	activeConnections   prometheus.Gauge
	connections         *prometheus.CounterVec
	events              *prometheus.CounterVec
	deliveries          prometheus.Counter
	droppedDeliveries   prometheus.Counter
	persistDuration     prometheus.Histogram
	presenceTransitions *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaychat",
			Name:      "active_connections",
			Help:      "Connections currently in the Active state.",
		}),
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "connections_total",
			Help:      "Connection attempts by outcome.",
		}, []string{"outcome"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "events_total",
			Help:      "Inbound events by type and result code.",
		}, []string{"type", "result"}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "deliveries_total",
			Help:      "Envelopes enqueued to connections.",
		}),
		droppedDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "dropped_deliveries_total",
			Help:      "Envelopes not enqueued because the target was closing or its buffer was full.",
		}),
		persistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaychat",
			Name:      "persist_duration_seconds",
			Help:      "Time spent persisting a message.",
			Buckets:   prometheus.DefBuckets,
		}),
		presenceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "presence_transitions_total",
			Help:      "Online and offline presence edges.",
		}, []string{"status"}),
	}
}

func (m *Metrics) connectionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) activeDelta(d float64) {
	if m == nil {
		return
	}
	m.activeConnections.Add(d)
}

func (m *Metrics) event(t EventType, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(t), result).Inc()
}

func (m *Metrics) delivered(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.deliveries.Inc()
		return
	}
	m.droppedDeliveries.Inc()
}

func (m *Metrics) observePersist(start time.Time) {
	if m == nil {
		return
	}
	m.persistDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) presence(status string) {
	if m == nil {
		return
	}
	m.presenceTransitions.WithLabelValues(status).Inc()
}
