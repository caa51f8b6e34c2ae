package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outbox delivery outcomes.
const (
	DeliveryPublished    = "published"
	DeliveryRetried      = "retried"
	DeliveryDeadLettered = "dead_lettered"
)

// OutboxMetrics tracks the outbox publisher loop.
type OutboxMetrics struct {
	deliveries *prometheus.CounterVec
	batchSize  prometheus.Histogram
}

// NewOutboxMetrics registers publisher metrics. A nil registerer yields a
// no-op recorder.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	m := &OutboxMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Outbox rows handled by the publisher, by outcome.",
		}, []string{"outcome", "event_type"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_rows",
			Help:      "Rows claimed per publisher batch.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
	}
	reg.MustRegister(m.deliveries, m.batchSize)
	return m
}

// IncDelivery counts one row reaching outcome.
func (m *OutboxMetrics) IncDelivery(outcome, eventType string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(outcome), normalizeLabel(eventType)).Inc()
}

// ObserveBatch records how many rows one batch claimed.
func (m *OutboxMetrics) ObserveBatch(rows int) {
	if m == nil || m.batchSize == nil {
		return
	}
	m.batchSize.Observe(float64(rows))
}
