package reservation

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultkeys/vaultkeys-backend/internal/catalog"
	"github.com/vaultkeys/vaultkeys-backend/internal/stock"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/dbtest"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/metrics"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	client   *db.Client
	store    *stock.Repository
	engine   *Engine
	sweeper  *Sweeper
	clock    *fakeClock
	locker   *LocalLocker
	registry *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.Open(t)
	store := stock.NewRepository(client.DB())
	clock := newFakeClock(t0)
	locker := NewLocalLocker(2 * time.Second)
	reg := prometheus.NewRegistry()

	engine, err := NewEngine(EngineParams{
		Tx:               client,
		Store:            store,
		Products:         catalog.NewRepository(client.DB()),
		Locker:           locker,
		Logger:           logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Metrics:          metrics.NewInventoryMetrics(reg),
		Clock:            clock.Now,
		MaxRetries:       3,
		RetryBaseBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sweeper, err := NewSweeper(engine)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return &harness{
		client:   client,
		store:    store,
		engine:   engine,
		sweeper:  sweeper,
		clock:    clock,
		locker:   locker,
		registry: reg,
	}
}
