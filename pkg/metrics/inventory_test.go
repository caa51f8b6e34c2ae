package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestInventoryMetricsRecordsOutcomesAndUnits(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewInventoryMetrics(reg)

	m.IncReservation(OutcomeOK)
	m.IncReservation(OutcomeOK)
	m.IncReservation(OutcomeOutOfStock)
	m.AddUnits(TransitionReserved, 5)
	m.AddUnits(TransitionSwept, 0)
	m.ObserveLockWait("local", 10*time.Millisecond)
	m.IncRetry()

	mfs, err := reg.Gather()
	require.NoError(t, err)

	got, err := fetchCounterValue(mfs, "vaultkeys_reservations_total", "outcome", OutcomeOK)
	require.NoError(t, err)
	require.Equal(t, float64(2), got)

	got, err = fetchCounterValue(mfs, "vaultkeys_reservations_total", "outcome", OutcomeOutOfStock)
	require.NoError(t, err)
	require.Equal(t, float64(1), got)

	got, err = fetchCounterValue(mfs, "vaultkeys_stock_units_total", "transition", TransitionReserved)
	require.NoError(t, err)
	require.Equal(t, float64(5), got)

	_, err = fetchCounterValue(mfs, "vaultkeys_stock_units_total", "transition", TransitionSwept)
	require.Error(t, err, "zero additions should not create a series")

	sum, err := fetchHistogramSum(mfs, "vaultkeys_product_lock_wait_seconds", "backend", "local")
	require.NoError(t, err)
	require.Greater(t, sum, 0.0)

	retries := findMetricFamily(mfs, "vaultkeys_reservation_retries_total")
	require.NotNil(t, retries)
	require.Equal(t, float64(1), retries.GetMetric()[0].GetCounter().GetValue())
}

func TestInventoryMetricsNilRegistererIsNoop(t *testing.T) {
	m := NewInventoryMetrics(nil)
	m.IncReservation(OutcomeError)
	m.AddUnits(TransitionSold, 1)
	m.ObserveLockWait("redis", time.Second)
	m.IncRetry()

	var nilMetrics *InventoryMetrics
	nilMetrics.IncReservation(OutcomeOK)
}
