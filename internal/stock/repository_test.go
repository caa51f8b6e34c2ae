package stock

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/dbtest"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
	pkgpagination "github.com/vaultkeys/vaultkeys-backend/pkg/pagination"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Repository, *models.Product) {
	t.Helper()
	client := dbtest.Open(t)
	product := dbtest.MustCreateProduct(t, client.DB(), "Ranked Account", nil)
	return NewRepository(client.DB()), product
}

func TestCreateRejectsDuplicatesAndUnknownProduct(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()

	item, err := repo.Create(ctx, product.ID, " alice:pw ", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice:pw", item.Credentials)
	assert.NotEqual(t, uuid.Nil, item.ID)

	_, err = repo.Create(ctx, product.ID, "alice:pw", nil)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDuplicateCredentials), "got %v", err)

	_, err = repo.Create(ctx, uuid.New(), "bob:pw", nil)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)

	_, err = repo.Create(ctx, product.ID, "   ", nil)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
}

func TestUniqueIndexBacksDuplicateCheck(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()

	item, err := repo.Create(ctx, product.ID, "alice:pw", nil)
	require.NoError(t, err)

	// an insert that skips the pre-check still collides on the index
	raw := models.StockItem{ProductID: product.ID, Credentials: "alice:pw"}
	err = repo.db.WithContext(ctx).Create(&raw).Error
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err, ""), "got %v", err)

	// the index only covers live units
	require.NoError(t, repo.Delete(ctx, item.ID, t0))
	again, err := repo.Create(ctx, product.ID, "alice:pw", nil)
	require.NoError(t, err)
	assert.NotEqual(t, item.ID, again.ID)
}

func TestCreateAllowsSameCredentialsAcrossProducts(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	other := dbtest.MustCreateProduct(t, repo.db, "Other", nil)

	_, err := repo.Create(ctx, product.ID, "shared", nil)
	require.NoError(t, err)
	_, err = repo.Create(ctx, other.ID, "shared", nil)
	require.NoError(t, err)
}

func TestCreateBulkSkipsExistingAndInCallDuplicates(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, product.ID, "a", nil)
	require.NoError(t, err)

	created, err := repo.CreateBulk(ctx, product.ID, []string{"a", "a", "b", "", "b "})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "b", created[0].Credentials)

	stats, err := repo.AggregateCounts(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
}

func TestCreateBulkUnknownProduct(t *testing.T) {
	repo, _ := setup(t)
	_, err := repo.CreateBulk(context.Background(), uuid.New(), []string{"x"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestFindAvailableIsFIFOAndSkipsReserved(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	items := dbtest.MustSeedStock(t, repo.db, product.ID, 4, t0.Add(-time.Hour))

	n, err := repo.ClaimReservation(ctx, []uuid.UUID{items[0].ID}, t0.Add(10*time.Minute), t0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	available, err := repo.FindAvailable(ctx, product.ID, t0, 2)
	require.NoError(t, err)
	require.Len(t, available, 2)
	assert.Equal(t, items[1].ID, available[0].ID)
	assert.Equal(t, items[2].ID, available[1].ID)

	count, err := repo.CountAvailable(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestClaimReservationOnlyTakesAvailableUnits(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	items := dbtest.MustSeedStock(t, repo.db, product.ID, 2, t0.Add(-time.Hour))
	ids := []uuid.UUID{items[0].ID, items[1].ID}

	_, err := repo.MarkSold(ctx, items[1].ID, t0)
	require.NoError(t, err)

	n, err := repo.ClaimReservation(ctx, ids, t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.ClaimReservation(ctx, ids, t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "a live reservation cannot be claimed twice")
}

func TestDeadlineEqualToNowIsAvailable(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	items := dbtest.MustSeedStock(t, repo.db, product.ID, 1, t0.Add(-time.Hour))

	_, err := repo.ClaimReservation(ctx, []uuid.UUID{items[0].ID}, t0, t0.Add(-time.Minute))
	require.NoError(t, err)

	count, err := repo.CountAvailable(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	cleared, err := repo.ClearExpired(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cleared, "sweep only reclaims deadlines strictly before now")
}

func TestClearReservationsAndExpired(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	items := dbtest.MustSeedStock(t, repo.db, product.ID, 3, t0.Add(-time.Hour))

	_, err := repo.ClaimReservation(ctx, []uuid.UUID{items[0].ID}, t0.Add(-time.Minute), t0.Add(-time.Hour))
	require.NoError(t, err)
	_, err = repo.ClaimReservation(ctx, []uuid.UUID{items[1].ID}, t0.Add(time.Hour), t0)
	require.NoError(t, err)

	expiredIDs, err := repo.ExpiredProductIDs(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{product.ID}, expiredIDs)

	expired, err := repo.FindExpiredReservations(ctx, t0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, items[0].ID, expired[0].ID)

	n, err := repo.ClearReservations(ctx, []uuid.UUID{items[0].ID, items[1].ID, items[2].ID}, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the live reservation counts as released")

	n, err = repo.ClearExpired(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := repo.AggregateCounts(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Available: 3}, stats)
}

func TestMarkSoldIsConditional(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	items := dbtest.MustSeedStock(t, repo.db, product.ID, 1, t0.Add(-time.Hour))
	_, err := repo.ClaimReservation(ctx, []uuid.UUID{items[0].ID}, t0.Add(time.Hour), t0)
	require.NoError(t, err)

	n, err := repo.MarkSold(ctx, items[0].ID, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.MarkSold(ctx, items[0].ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	sold, err := repo.Get(ctx, items[0].ID)
	require.NoError(t, err)
	assert.True(t, sold.Sold)
	assert.Nil(t, sold.ReservedUntil)
	require.NotNil(t, sold.SoldAt)
	assert.True(t, sold.SoldAt.Equal(t0))
	require.NoError(t, CheckInvariants(*sold))
}

func TestDeleteGuardsLifecycle(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	items := dbtest.MustSeedStock(t, repo.db, product.ID, 3, t0.Add(-time.Hour))

	_, err := repo.MarkSold(ctx, items[0].ID, t0)
	require.NoError(t, err)
	_, err = repo.ClaimReservation(ctx, []uuid.UUID{items[1].ID}, t0.Add(time.Hour), t0)
	require.NoError(t, err)

	err = repo.Delete(ctx, items[0].ID, t0)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)

	err = repo.Delete(ctx, items[1].ID, t0)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)

	require.NoError(t, repo.Delete(ctx, items[2].ID, t0))
	_, err = repo.Get(ctx, items[2].ID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	err = repo.Delete(ctx, uuid.New(), t0)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	// credentials of a deleted unit can be restocked
	_, err = repo.Create(ctx, product.ID, items[2].Credentials, nil)
	require.NoError(t, err)
}

func TestUpdateInfo(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	items := dbtest.MustSeedStock(t, repo.db, product.ID, 2, t0.Add(-time.Hour))

	updated, err := repo.UpdateInfo(ctx, items[0].ID, dbtest.Ptr("region: EU"))
	require.NoError(t, err)
	require.NotNil(t, updated.AdditionalInfo)
	assert.Equal(t, "region: EU", *updated.AdditionalInfo)

	_, err = repo.MarkSold(ctx, items[1].ID, t0)
	require.NoError(t, err)
	_, err = repo.UpdateInfo(ctx, items[1].ID, dbtest.Ptr("late"))
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	_, err = repo.UpdateInfo(ctx, uuid.New(), nil)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestAggregateCountsAndStatsByProduct(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	other := dbtest.MustCreateProduct(t, repo.db, "Other", nil)
	items := dbtest.MustSeedStock(t, repo.db, product.ID, 5, t0.Add(-time.Hour))
	dbtest.MustSeedStock(t, repo.db, other.ID, 2, t0.Add(-time.Hour))

	_, err := repo.MarkSold(ctx, items[0].ID, t0)
	require.NoError(t, err)
	_, err = repo.ClaimReservation(ctx, []uuid.UUID{items[1].ID, items[2].ID}, t0.Add(time.Minute), t0)
	require.NoError(t, err)

	stats, err := repo.AggregateCounts(ctx, product.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 5, Available: 2, Reserved: 2, Sold: 1}, stats)

	// after the deadline the reserved units count as available again
	later, err := repo.AggregateCounts(ctx, product.ID, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 5, Available: 4, Sold: 1}, later)

	all, err := repo.StatsByProduct(ctx, nil, t0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, stats, all[product.ID])
	assert.Equal(t, Stats{Total: 2, Available: 2}, all[other.ID])

	one, err := repo.StatsByProduct(ctx, []uuid.UUID{other.ID}, t0)
	require.NoError(t, err)
	require.Len(t, one, 1)

	empty, err := repo.AggregateCounts(ctx, uuid.New(), t0)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, empty)
}

func TestFindExpiringBetween(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	items := dbtest.MustSeedStock(t, repo.db, product.ID, 3, t0.Add(-time.Hour))

	_, err := repo.ClaimReservation(ctx, []uuid.UUID{items[0].ID}, t0.Add(2*time.Minute), t0)
	require.NoError(t, err)
	_, err = repo.ClaimReservation(ctx, []uuid.UUID{items[1].ID}, t0.Add(20*time.Minute), t0)
	require.NoError(t, err)

	soon, err := repo.FindExpiringBetween(ctx, t0, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assert.Equal(t, items[0].ID, soon[0].ID)
}

func TestListByProductPagesInAllocationOrder(t *testing.T) {
	repo, product := setup(t)
	ctx := context.Background()
	items := dbtest.MustSeedStock(t, repo.db, product.ID, 5, t0.Add(-time.Hour))
	_, err := repo.MarkSold(ctx, items[4].ID, t0)
	require.NoError(t, err)

	rows, err := repo.ListByProduct(ctx, ListQuery{ProductID: product.ID, Now: t0, Limit: 3})
	require.NoError(t, err)
	page := NewPage(rows, 2)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.Cursor)

	cursor, err := pkgpagination.ParseCursor(page.Cursor)
	require.NoError(t, err)
	rows, err = repo.ListByProduct(ctx, ListQuery{ProductID: product.ID, Now: t0, Limit: 3, Cursor: cursor})
	require.NoError(t, err)
	page = NewPage(rows, 2)
	require.Len(t, page.Items, 2)
	assert.Equal(t, items[2].ID, page.Items[0].ID)

	sold := enums.StockStatusSold
	rows, err = repo.ListByProduct(ctx, ListQuery{ProductID: product.ID, Now: t0, Limit: 10, Status: &sold})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, items[4].ID, rows[0].ID)
}

func TestCheckInvariantsFlagsBrokenSoldUnits(t *testing.T) {
	now := t0
	ok := models.StockItem{ID: uuid.New(), Sold: true, SoldAt: &now}
	require.NoError(t, CheckInvariants(ok, models.StockItem{ID: uuid.New()}))

	reserved := models.StockItem{ID: uuid.New(), Sold: true, SoldAt: &now, ReservedUntil: &now}
	err := CheckInvariants(ok, reserved)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInternal))

	require.Error(t, CheckInvariants(models.StockItem{ID: uuid.New(), Sold: true}))
}
