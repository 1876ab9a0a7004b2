package collab

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer, which records nothing.
type Metrics struct {
	joins       prometheus.Counter
	leaves      *prometheus.CounterVec
	operations  *prometheus.CounterVec
	conflicts   prometheus.Counter
	duplicates  prometheus.Counter
	fallbacks   *prometheus.CounterVec
	connections prometheus.Gauge
}

// NewMetrics registers the collab collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab", Name: "joins_total",
			Help: "Successful room joins.",
		}),
		leaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab", Name: "leaves_total",
			Help: "Members removed from rooms, by reason.",
		}, []string{"reason"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab", Name: "operations_applied_total",
			Help: "Operations appended to room logs, by type.",
		}, []string{"type"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab", Name: "store_conflicts_total",
			Help: "Optimistic write conflicts on room state.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab", Name: "duplicate_operations_total",
			Help: "Resubmitted operations answered from the log.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab", Name: "store_fallbacks_total",
			Help: "Store calls served by the in-process fallback.",
		}, []string{"op"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab", Name: "connections",
			Help: "Open websocket connections on this process.",
		}),
	}
	reg.MustRegister(m.joins, m.leaves, m.operations, m.conflicts, m.duplicates, m.fallbacks, m.connections)
	return m
}

func (m *Metrics) joined() {
	if m != nil {
		m.joins.Inc()
	}
}

func (m *Metrics) left(reason string) {
	if m != nil {
		m.leaves.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) applied(kind string) {
	if m != nil {
		m.operations.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) conflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

// StoreFallback matches the hook signature of session.NewFallbackStore.
func (m *Metrics) StoreFallback(op string) {
	if m != nil {
		m.fallbacks.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}
