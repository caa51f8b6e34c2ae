package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/internal/lowstock"
	"github.com/vaultkeys/vaultkeys-backend/internal/stock"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox/payloads"
)

var jobNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSweeper struct {
	byProduct map[uuid.UUID]int64
	sweepErr  error
	expiring  []models.StockItem
	within    time.Duration
}

func (f *fakeSweeper) SweepByProduct(context.Context) (map[uuid.UUID]int64, error) {
	return f.byProduct, f.sweepErr
}

func (f *fakeSweeper) ExpiringSoon(_ context.Context, within time.Duration) ([]models.StockItem, error) {
	f.within = within
	return f.expiring, nil
}

func TestReservationSweepJobEmitsPerProduct(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	sweeper := &fakeSweeper{byProduct: map[uuid.UUID]int64{a: 2, b: 1}}
	box := newFakeOutbox()
	job, err := NewReservationSweepJob(ReservationSweepJobParams{
		Logger: quietLogger(), DB: passthroughTx{}, Sweeper: sweeper, Outbox: box,
	})
	require.NoError(t, err)
	job.(*reservationSweepJob).now = func() time.Time { return jobNow }

	require.NoError(t, job.Run(context.Background()))
	require.Len(t, box.events, 2)

	got := map[uuid.UUID]int64{}
	for _, event := range box.events {
		assert.Equal(t, enums.EventReservationsExpired, event.EventType)
		data := event.Data.(payloads.ReservationsExpiredEvent)
		assert.True(t, data.SweptAt.Equal(jobNow))
		got[data.ProductID] = data.Reclaimed
	}
	assert.Equal(t, sweeper.byProduct, got)
}

func TestReservationSweepJobReportsPartialFailure(t *testing.T) {
	a := uuid.New()
	sweeper := &fakeSweeper{byProduct: map[uuid.UUID]int64{a: 1}, sweepErr: errors.New("product b contended")}
	box := newFakeOutbox()
	job, err := NewReservationSweepJob(ReservationSweepJobParams{
		Logger: quietLogger(), DB: passthroughTx{}, Sweeper: sweeper, Outbox: box,
	})
	require.NoError(t, err)

	err = job.Run(context.Background())
	require.Error(t, err)
	assert.Len(t, box.events, 1, "swept products are still announced")
}

func TestReservationExpiringJobGroupsAndDedupes(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	until := jobNow.Add(2 * time.Minute)
	sweeper := &fakeSweeper{expiring: []models.StockItem{
		{ID: uuid.New(), ProductID: a, ReservedUntil: &until},
		{ID: uuid.New(), ProductID: a, ReservedUntil: &until},
		{ID: uuid.New(), ProductID: b, ReservedUntil: &until},
	}}
	box := newFakeOutbox()
	job, err := NewReservationExpiringJob(ReservationExpiringJobParams{
		Logger: quietLogger(), DB: passthroughTx{}, Sweeper: sweeper, Outbox: box, Within: 3 * time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 3*time.Minute, sweeper.within)
	require.Len(t, box.events, 2)
	for _, event := range box.events {
		data := event.Data.(payloads.ReservationExpiringSoonEvent)
		assert.EqualValues(t, 180, data.WindowSeconds)
		if data.ProductID == a {
			assert.Len(t, data.Units, 2)
		} else {
			assert.Len(t, data.Units, 1)
		}
	}

	// warnings still waiting for the publisher are not queued again
	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, box.events, 2)
}

type fakeMonitor struct {
	reports []lowstock.Report
	err     error
}

func (f *fakeMonitor) ProductsBelowThreshold(context.Context, *int) ([]lowstock.Report, error) {
	return f.reports, f.err
}

type fakeGuard struct {
	marked    map[uuid.UUID]bool
	forgotten []uuid.UUID
}

func (f *fakeGuard) MarkOnce(_ context.Context, scope string, id uuid.UUID) (bool, error) {
	if scope != lowStockNotifyScope {
		return false, errors.New("unexpected scope " + scope)
	}
	if f.marked[id] {
		return false, nil
	}
	f.marked[id] = true
	return true, nil
}

func (f *fakeGuard) Forget(_ context.Context, _ string, id uuid.UUID) error {
	delete(f.marked, id)
	f.forgotten = append(f.forgotten, id)
	return nil
}

func TestLowStockJobNotifiesOncePerCooldown(t *testing.T) {
	a := uuid.New()
	monitor := &fakeMonitor{reports: []lowstock.Report{{
		ProductID:   a,
		ProductName: "Spotify Family",
		Threshold:   2,
		Stats:       stock.Stats{Total: 5, Available: 1, Reserved: 1, Sold: 3},
	}}}
	box := newFakeOutbox()
	guard := &fakeGuard{marked: map[uuid.UUID]bool{}}
	job, err := NewLowStockJob(LowStockJobParams{
		Logger: quietLogger(), DB: passthroughTx{}, Monitor: monitor, Outbox: box, Guard: guard,
	})
	require.NoError(t, err)

	require.NoError(t, job.Run(context.Background()))
	require.NoError(t, job.Run(context.Background()))
	require.Len(t, box.events, 1)

	data := box.events[0].Data.(payloads.StockLowEvent)
	assert.Equal(t, enums.EventStockLow, box.events[0].EventType)
	assert.EqualValues(t, 1, data.Available)
	assert.Equal(t, 2, data.Threshold)
	assert.Equal(t, "Spotify Family", data.ProductName)
}

func TestLowStockJobForgetsMarkWhenEmitFails(t *testing.T) {
	a := uuid.New()
	monitor := &fakeMonitor{reports: []lowstock.Report{{ProductID: a, Threshold: 5}}}
	box := newFakeOutbox()
	box.failFor[a] = true
	guard := &fakeGuard{marked: map[uuid.UUID]bool{}}
	job, err := NewLowStockJob(LowStockJobParams{
		Logger: quietLogger(), DB: passthroughTx{}, Monitor: monitor, Outbox: box, Guard: guard,
	})
	require.NoError(t, err)

	require.Error(t, job.Run(context.Background()))
	assert.Equal(t, []uuid.UUID{a}, guard.forgotten)
	assert.False(t, guard.marked[a])
}

func TestOutboxRetentionJobPrunesBothTables(t *testing.T) {
	repo := &fakeRetentionRepo{}
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger: quietLogger(), DB: passthroughTx{}, Repository: repo, DLQ: repo,
		DLQRetention: 48 * time.Hour,
	})
	require.NoError(t, err)
	job.(*outboxRetentionJob).now = func() time.Time { return jobNow }

	require.NoError(t, job.Run(context.Background()))
	assert.True(t, repo.publishedCutoff.Equal(jobNow.Add(-defaultPublishedRetention)))
	assert.True(t, repo.dlqCutoff.Equal(jobNow.Add(-48*time.Hour)))

	repo.err = errors.New("boom")
	require.Error(t, job.Run(context.Background()))
}

func TestOutboxRetentionJobWithoutDLQ(t *testing.T) {
	repo := &fakeRetentionRepo{}
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger: quietLogger(), DB: passthroughTx{}, Repository: repo,
	})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
	assert.False(t, repo.publishedCutoff.IsZero())
	assert.True(t, repo.dlqCutoff.IsZero())
}

func TestJobConstructorsValidate(t *testing.T) {
	_, err := NewReservationSweepJob(ReservationSweepJobParams{})
	require.Error(t, err)
	_, err = NewReservationExpiringJob(ReservationExpiringJobParams{})
	require.Error(t, err)
	_, err = NewLowStockJob(LowStockJobParams{})
	require.Error(t, err)
	_, err = NewOutboxRetentionJob(OutboxRetentionJobParams{})
	require.Error(t, err)
}

type fakeRetentionRepo struct {
	publishedCutoff time.Time
	dlqCutoff       time.Time
	err             error
}

func (f *fakeRetentionRepo) DeletePublishedBefore(_ context.Context, _ *gorm.DB, cutoff time.Time) (int64, error) {
	f.publishedCutoff = cutoff
	return 7, f.err
}

func (f *fakeRetentionRepo) DeleteFailedBefore(_ context.Context, _ *gorm.DB, cutoff time.Time) (int64, error) {
	f.dlqCutoff = cutoff
	return 2, nil
}
