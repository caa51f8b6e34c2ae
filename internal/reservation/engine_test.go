package reservation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/internal/stock"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/dbtest"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
)

func TestReserveClaimsOldestUnitsFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := dbtest.MustCreateProduct(t, h.client.DB(), "Account", nil)
	items := dbtest.MustSeedStock(t, h.client.DB(), product.ID, 4, t0.Add(-time.Hour))

	reserved, err := h.engine.Reserve(ctx, product.ID, 2, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, reserved, 2)
	assert.Equal(t, items[0].ID, reserved[0].ID)
	assert.Equal(t, items[1].ID, reserved[1].ID)
	for _, item := range reserved {
		require.NotNil(t, item.ReservedUntil)
		assert.True(t, item.ReservedUntil.Equal(t0.Add(15*time.Minute)))
		assert.Equal(t, enums.StockStatusReserved, item.Status(t0))
	}

	stats, err := h.store.AggregateCounts(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, stock.Stats{Total: 4, Available: 2, Reserved: 2}, stats)
}

func TestReserveIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := dbtest.MustCreateProduct(t, h.client.DB(), "Account", nil)
	dbtest.MustSeedStock(t, h.client.DB(), product.ID, 4, t0.Add(-time.Hour))

	_, err := h.engine.Reserve(ctx, product.ID, 5, 15*time.Minute)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeOutOfStock, typed.Code())
	details := typed.Details().(map[string]any)
	assert.Equal(t, 5, details["requested"])
	assert.Equal(t, int64(4), details["available"])

	stats, err := h.store.AggregateCounts(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Available, "a failed reservation must claim nothing")

	reserved, err := h.engine.Reserve(ctx, product.ID, 4, 15*time.Minute)
	require.NoError(t, err)
	assert.Len(t, reserved, 4)
}

func TestReserveValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := dbtest.MustCreateProduct(t, h.client.DB(), "Account", nil)

	_, err := h.engine.Reserve(ctx, product.ID, 0, time.Minute)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.engine.Reserve(ctx, product.ID, 1, 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.engine.ReserveUntil(ctx, product.ID, 1, t0.Add(-time.Second))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.engine.Reserve(ctx, uuid.New(), 1, time.Minute)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestReserveReclaimsExpiredUnitsInline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := dbtest.MustCreateProduct(t, h.client.DB(), "Account", nil)
	dbtest.MustSeedStock(t, h.client.DB(), product.ID, 2, t0.Add(-time.Hour))

	_, err := h.engine.Reserve(ctx, product.ID, 2, 10*time.Minute)
	require.NoError(t, err)

	_, err = h.engine.Reserve(ctx, product.ID, 1, 10*time.Minute)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOutOfStock))

	h.clock.Advance(11 * time.Minute)
	reserved, err := h.engine.Reserve(ctx, product.ID, 2, 10*time.Minute)
	require.NoError(t, err)
	assert.Len(t, reserved, 2)

	expired, err := h.store.FindExpiredReservations(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := dbtest.MustCreateProduct(t, h.client.DB(), "Account", nil)
	dbtest.MustSeedStock(t, h.client.DB(), product.ID, 10, t0.Add(-time.Hour))

	const workers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		outOfStk  int
		other     []error
		claimed   = map[uuid.UUID]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := h.engine.Reserve(ctx, product.ID, 1, 15*time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
				for _, item := range items {
					claimed[item.ID]++
				}
			case pkgerrors.IsCode(err, pkgerrors.CodeOutOfStock):
				outOfStk++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, 10, successes)
	assert.Equal(t, workers-10, outOfStk)
	assert.Len(t, claimed, 10)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "unit %s claimed more than once", id)
	}
	assert.Zero(t, h.locker.held(), "every product lock must be released")

	stats, err := h.store.AggregateCounts(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Reserved)
	assert.Equal(t, int64(0), stats.Available)
}

func TestReserveSurfacesContentionWhenLockIsHeld(t *testing.T) {
	h := newHarness(t)
	product := dbtest.MustCreateProduct(t, h.client.DB(), "Account", nil)
	dbtest.MustSeedStock(t, h.client.DB(), product.ID, 1, t0.Add(-time.Hour))

	h.engine.locker = NewLocalLocker(20 * time.Millisecond)
	unlock, err := h.engine.locker.Lock(context.Background(), product.ID)
	require.NoError(t, err)
	defer unlock()

	_, err = h.engine.Reserve(context.Background(), product.ID, 1, time.Minute)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeContention), "got %v", err)
	assert.True(t, pkgerrors.MetadataFor(pkgerrors.CodeContention).Retryable)
}

func TestReleaseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := dbtest.MustCreateProduct(t, h.client.DB(), "Account", nil)
	dbtest.MustSeedStock(t, h.client.DB(), product.ID, 2, t0.Add(-time.Hour))

	reserved, err := h.engine.Reserve(ctx, product.ID, 1, time.Minute)
	require.NoError(t, err)
	id := reserved[0].ID

	ok, err := h.engine.ReleaseOne(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.engine.ReleaseOne(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	item, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.StockStatusAvailable, item.Status(h.clock.Now()))

	_, err = h.engine.ReleaseOne(ctx, uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestReleaseCountsOnlyReservedUnits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p1 := dbtest.MustCreateProduct(t, h.client.DB(), "One", nil)
	p2 := dbtest.MustCreateProduct(t, h.client.DB(), "Two", nil)
	dbtest.MustSeedStock(t, h.client.DB(), p1.ID, 3, t0.Add(-time.Hour))
	dbtest.MustSeedStock(t, h.client.DB(), p2.ID, 1, t0.Add(-time.Hour))

	r1, err := h.engine.Reserve(ctx, p1.ID, 2, time.Minute)
	require.NoError(t, err)
	r2, err := h.engine.Reserve(ctx, p2.ID, 1, time.Minute)
	require.NoError(t, err)
	_, err = h.engine.MarkSold(ctx, r1[1].ID)
	require.NoError(t, err)

	ids := []uuid.UUID{r1[0].ID, r1[1].ID, r2[0].ID, uuid.New()}
	released, err := h.engine.Release(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	released, err = h.engine.Release(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	released, err = h.engine.Release(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestMarkSoldIsNotIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := dbtest.MustCreateProduct(t, h.client.DB(), "Account", nil)
	items := dbtest.MustSeedStock(t, h.client.DB(), product.ID, 2, t0.Add(-time.Hour))

	reserved, err := h.engine.Reserve(ctx, product.ID, 1, time.Minute)
	require.NoError(t, err)

	sold, err := h.engine.MarkSold(ctx, reserved[0].ID)
	require.NoError(t, err)
	assert.True(t, sold.Sold)
	assert.Nil(t, sold.ReservedUntil)
	require.NotNil(t, sold.SoldAt)
	firstSoldAt := *sold.SoldAt

	h.clock.Advance(time.Minute)
	_, err = h.engine.MarkSold(ctx, reserved[0].ID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)

	again, err := h.store.Get(ctx, reserved[0].ID)
	require.NoError(t, err)
	assert.True(t, again.SoldAt.Equal(firstSoldAt), "sold_at must not move on a rejected resale")

	// available units can be sold directly
	direct, err := h.engine.MarkSold(ctx, items[1].ID)
	require.NoError(t, err)
	assert.True(t, direct.Sold)

	// sold units never come back through release
	released, err := h.engine.Release(ctx, []uuid.UUID{reserved[0].ID})
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestMarkSoldBulkReturnsSucceededSubset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := dbtest.MustCreateProduct(t, h.client.DB(), "Account", nil)
	items := dbtest.MustSeedStock(t, h.client.DB(), product.ID, 3, t0.Add(-time.Hour))

	_, err := h.engine.MarkSold(ctx, items[1].ID)
	require.NoError(t, err)

	missing := uuid.New()
	result, err := h.engine.MarkSoldBulk(ctx, []uuid.UUID{items[0].ID, items[1].ID, missing, items[2].ID, items[0].ID})
	require.NoError(t, err)
	require.Len(t, result.Sold, 2)
	assert.Equal(t, items[0].ID, result.Sold[0].ID)
	assert.Equal(t, items[2].ID, result.Sold[1].ID)

	require.Len(t, result.Failures, 3)
	assert.Equal(t, items[1].ID, result.Failures[0].StockID)
	assert.True(t, pkgerrors.IsCode(result.Failures[0].Err, pkgerrors.CodeStateConflict))
	assert.Equal(t, missing, result.Failures[1].StockID)
	assert.True(t, pkgerrors.IsCode(result.Failures[1].Err, pkgerrors.CodeNotFound))
	// the repeated id is a second sale of a unit this batch already sold
	assert.Equal(t, items[0].ID, result.Failures[2].StockID)
	assert.True(t, pkgerrors.IsCode(result.Failures[2].Err, pkgerrors.CodeStateConflict))
}

// shortClaimStore performs every claim but reports one row fewer, the way a
// concurrent writer slipping past the product lock would look.
type shortClaimStore struct {
	stock.Store
	claims *atomic.Int32
}

func (s shortClaimStore) WithTx(tx *gorm.DB) stock.Store {
	return shortClaimStore{Store: s.Store.WithTx(tx), claims: s.claims}
}

func (s shortClaimStore) ClaimReservation(ctx context.Context, ids []uuid.UUID, until, now time.Time) (int64, error) {
	s.claims.Add(1)
	n, err := s.Store.ClaimReservation(ctx, ids, until, now)
	return n - 1, err
}

func TestReserveRollsBackShortClaimAndReportsContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := dbtest.MustCreateProduct(t, h.client.DB(), "Account", nil)
	dbtest.MustSeedStock(t, h.client.DB(), product.ID, 5, t0.Add(-time.Hour))

	claims := &atomic.Int32{}
	engine, err := NewEngine(EngineParams{
		Tx:               h.client,
		Store:            shortClaimStore{Store: h.store, claims: claims},
		Products:         h.engine.products,
		Locker:           h.locker,
		Logger:           h.engine.logg,
		Clock:            h.clock.Now,
		MaxRetries:       3,
		RetryBaseBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	_, err = engine.Reserve(ctx, product.ID, 2, 15*time.Minute)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeContention))
	assert.False(t, pkgerrors.IsCode(err, pkgerrors.CodeOutOfStock))
	assert.Equal(t, int32(4), claims.Load(), "one attempt plus three retries")

	stats, err := h.store.AggregateCounts(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, stock.Stats{Total: 5, Available: 5}, stats, "every partial claim must roll back")
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(EngineParams{})
	require.Error(t, err)
}
