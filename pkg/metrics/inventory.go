package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reservation outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeOutOfStock = "out_of_stock"
	OutcomeContention = "contention"
	OutcomeError      = "error"
)

// Unit transitions.
const (
	TransitionReserved = "reserved"
	TransitionReleased = "released"
	TransitionSold     = "sold"
	TransitionSwept    = "swept"
)

// InventoryMetrics tracks reservation engine activity.
type InventoryMetrics struct {
	reservations *prometheus.CounterVec
	units        *prometheus.CounterVec
	lockWait     *prometheus.HistogramVec
	retries      prometheus.Counter
}

// NewInventoryMetrics registers the inventory metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewInventoryMetrics(reg prometheus.Registerer) *InventoryMetrics {
	if reg == nil {
		return &InventoryMetrics{}
	}
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservations_total",
		Help:      "Reservation attempts by outcome.",
	}, []string{"outcome"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stock_units_total",
		Help:      "Stock units moved through a lifecycle transition.",
	}, []string{"transition"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "product_lock_wait_seconds",
		Help:      "Time spent waiting for a per-product lock.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"backend"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservation_retries_total",
		Help:      "Transactions retried after a transient database conflict.",
	})
	reg.MustRegister(reservations, units, lockWait, retries)
	return &InventoryMetrics{
		reservations: reservations,
		units:        units,
		lockWait:     lockWait,
		retries:      retries,
	}
}

// IncReservation counts a reservation attempt.
func (m *InventoryMetrics) IncReservation(outcome string) {
	if m == nil || m.reservations == nil {
		return
	}
	m.reservations.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// AddUnits counts n units moving through transition.
func (m *InventoryMetrics) AddUnits(transition string, n int) {
	if m == nil || m.units == nil || n <= 0 {
		return
	}
	m.units.WithLabelValues(normalizeLabel(transition)).Add(float64(n))
}

// ObserveLockWait records how long a caller waited for a product lock.
func (m *InventoryMetrics) ObserveLockWait(backend string, d time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.WithLabelValues(normalizeLabel(backend)).Observe(d.Seconds())
}

// IncRetry counts a transaction retry.
func (m *InventoryMetrics) IncRetry() {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Inc()
}
