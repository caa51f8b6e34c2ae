package stock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
)

// Stats are the aggregate counters of a product's stock pool at one instant.
type Stats struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Sold      int64 `json:"sold"`
}

// Store persists stock units. The reservation fields are only ever mutated
// through the Claim/Clear/MarkSold methods, each of which is a conditional
// update guarded by the expected current state.
type Store interface {
	WithTx(tx *gorm.DB) Store

	Create(ctx context.Context, productID uuid.UUID, credentials string, info *string) (*models.StockItem, error)
	CreateBulk(ctx context.Context, productID uuid.UUID, credentials []string) ([]models.StockItem, error)
	Get(ctx context.Context, id uuid.UUID) (*models.StockItem, error)
	GetMany(ctx context.Context, ids []uuid.UUID) ([]models.StockItem, error)
	ListByProduct(ctx context.Context, q ListQuery) ([]models.StockItem, error)
	UpdateInfo(ctx context.Context, id uuid.UUID, info *string) (*models.StockItem, error)
	Delete(ctx context.Context, id uuid.UUID, now time.Time) error

	CountAvailable(ctx context.Context, productID uuid.UUID, now time.Time) (int64, error)
	FindAvailable(ctx context.Context, productID uuid.UUID, now time.Time, limit int) ([]models.StockItem, error)
	FindExpiredReservations(ctx context.Context, now time.Time) ([]models.StockItem, error)
	ExpiredProductIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	FindExpiringBetween(ctx context.Context, from, to time.Time) ([]models.StockItem, error)
	AggregateCounts(ctx context.Context, productID uuid.UUID, now time.Time) (Stats, error)
	StatsByProduct(ctx context.Context, productIDs []uuid.UUID, now time.Time) (map[uuid.UUID]Stats, error)

	ClaimReservation(ctx context.Context, ids []uuid.UUID, until, now time.Time) (int64, error)
	ClearReservations(ctx context.Context, ids []uuid.UUID, now time.Time) (int64, error)
	ClearExpired(ctx context.Context, productID uuid.UUID, now time.Time) (int64, error)
	MarkSold(ctx context.Context, id uuid.UUID, now time.Time) (int64, error)
}
