package stock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vaultkeys/vaultkeys-backend/internal/catalog"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
)

const lookupChunk = 500

// availableClause matches unsold units with no live reservation. A deadline equal
// to now counts as lapsed.
const availableClause = "sold = ? AND (reserved_until IS NULL OR reserved_until <= ?)"

// Repository is the gorm-backed Store.
type Repository struct {
	db       *gorm.DB
	products *catalog.Repository
}

var _ Store = (*Repository)(nil)

// NewRepository constructs a stock repository tied to the provided GORM DB.
func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{db: conn, products: catalog.NewRepository(conn)}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx *gorm.DB) Store {
	if tx == nil {
		return r
	}
	return &Repository{db: tx, products: r.products.WithTx(tx)}
}

func (r *Repository) model(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.StockItem{})
}

func (r *Repository) requireProduct(ctx context.Context, productID uuid.UUID) error {
	ok, err := r.products.Exists(ctx, productID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup product")
	}
	if !ok {
		return catalog.ErrProductNotFound(productID)
	}
	return nil
}

// Create inserts one unit. Credentials must be unique among the product's live units.
func (r *Repository) Create(ctx context.Context, productID uuid.UUID, credentials string, info *string) (*models.StockItem, error) {
	credentials = strings.TrimSpace(credentials)
	if credentials == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credentials are required")
	}
	if err := r.requireProduct(ctx, productID); err != nil {
		return nil, err
	}

	var existing int64
	if err := r.model(ctx).
		Where("product_id = ? AND credentials = ?", productID, credentials).
		Count(&existing).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check duplicate credentials")
	}
	if existing > 0 {
		return nil, ErrDuplicateCredentials(productID)
	}

	item := &models.StockItem{
		ProductID:      productID,
		Credentials:    credentials,
		AdditionalInfo: info,
	}
	if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, ErrDuplicateCredentials(productID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create stock item")
	}
	return item, nil
}

// CreateBulk inserts every new credential for the product in input order. Blank
// entries, repeats within the call and credentials the product already holds
// are dropped; callers compare the result length with the input to count skips.
func (r *Repository) CreateBulk(ctx context.Context, productID uuid.UUID, credentials []string) ([]models.StockItem, error) {
	if err := r.requireProduct(ctx, productID); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(credentials))
	unique := make([]string, 0, len(credentials))
	for _, c := range credentials {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}
	if len(unique) == 0 {
		return []models.StockItem{}, nil
	}

	existing, err := r.existingCredentials(ctx, productID, unique)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup existing credentials")
	}

	created := make([]models.StockItem, 0, len(unique))
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range unique {
			if _, ok := existing[c]; ok {
				continue
			}
			item := models.StockItem{ProductID: productID, Credentials: c}
			// a concurrent intake may have inserted the same credentials since the lookup
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&item)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				created = append(created, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create stock items")
	}
	return created, nil
}

func (r *Repository) existingCredentials(ctx context.Context, productID uuid.UUID, credentials []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for start := 0; start < len(credentials); start += lookupChunk {
		end := min(start+lookupChunk, len(credentials))
		var found []string
		if err := r.model(ctx).
			Where("product_id = ? AND credentials IN ?", productID, credentials[start:end]).
			Pluck("credentials", &found).Error; err != nil {
			return nil, err
		}
		for _, c := range found {
			out[c] = struct{}{}
		}
	}
	return out, nil
}

// Get loads a live unit by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.StockItem, error) {
	var item models.StockItem
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStockNotFound(id)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load stock item")
	}
	return &item, nil
}

// GetMany loads the live units among ids. Unknown ids are absent from the result.
func (r *Repository) GetMany(ctx context.Context, ids []uuid.UUID) ([]models.StockItem, error) {
	if len(ids) == 0 {
		return []models.StockItem{}, nil
	}
	var items []models.StockItem
	if err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load stock items")
	}
	return items, nil
}

// ListByProduct returns up to q.Limit units in allocation order starting at the cursor.
func (r *Repository) ListByProduct(ctx context.Context, q ListQuery) ([]models.StockItem, error) {
	query := r.db.WithContext(ctx).Where("product_id = ?", q.ProductID)

	if q.Status != nil {
		switch *q.Status {
		case enums.StockStatusSold:
			query = query.Where("sold = ?", true)
		case enums.StockStatusReserved:
			query = query.Where("sold = ? AND reserved_until > ?", false, q.Now)
		case enums.StockStatusAvailable:
			query = query.Where(availableClause, false, q.Now)
		}
	}
	if q.Cursor != nil {
		query = query.Where("(created_at > ?) OR (created_at = ? AND id >= ?)", q.Cursor.CreatedAt, q.Cursor.CreatedAt, q.Cursor.ID)
	}

	var items []models.StockItem
	if err := query.Order("created_at ASC").Order("id ASC").Limit(q.Limit).Find(&items).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list stock items")
	}
	return items, nil
}

// UpdateInfo replaces the free-form note on an unsold unit.
func (r *Repository) UpdateInfo(ctx context.Context, id uuid.UUID, info *string) (*models.StockItem, error) {
	res := r.model(ctx).
		Where("id = ? AND sold = ?", id, false).
		Update("additional_info", info)
	if res.Error != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "update stock info")
	}
	if res.RowsAffected == 0 {
		item, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if item.Sold {
			return nil, ErrInvalidState(id, "sold stock cannot be edited")
		}
	}
	return r.Get(ctx, id)
}

// Delete soft-deletes a unit that is neither sold nor reserved at now.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID, now time.Time) error {
	res := r.db.WithContext(ctx).
		Where("id = ?", id).
		Where(availableClause, false, now).
		Delete(&models.StockItem{})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "delete stock item")
	}
	if res.RowsAffected == 1 {
		return nil
	}

	item, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	switch item.Status(now) {
	case enums.StockStatusSold:
		return ErrInvalidState(id, "sold stock cannot be deleted")
	case enums.StockStatusReserved:
		return ErrInvalidState(id, "reserved stock cannot be deleted")
	default:
		return pkgerrors.New(pkgerrors.CodeContention, "stock item changed during delete").
			WithDetails(map[string]any{"stock_id": id.String()})
	}
}

// CountAvailable counts the product's units that can be claimed at now.
func (r *Repository) CountAvailable(ctx context.Context, productID uuid.UUID, now time.Time) (int64, error) {
	var count int64
	if err := r.model(ctx).
		Where("product_id = ?", productID).
		Where(availableClause, false, now).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// FindAvailable returns up to limit claimable units, oldest first.
func (r *Repository) FindAvailable(ctx context.Context, productID uuid.UUID, now time.Time, limit int) ([]models.StockItem, error) {
	var items []models.StockItem
	if err := r.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Where(availableClause, false, now).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// FindExpiredReservations returns unsold units whose deadline passed before now.
func (r *Repository) FindExpiredReservations(ctx context.Context, now time.Time) ([]models.StockItem, error) {
	var items []models.StockItem
	if err := r.db.WithContext(ctx).
		Where("sold = ? AND reserved_until IS NOT NULL AND reserved_until < ?", false, now).
		Order("reserved_until ASC").
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// ExpiredProductIDs lists the products holding at least one lapsed reservation.
func (r *Repository) ExpiredProductIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.model(ctx).
		Where("sold = ? AND reserved_until IS NOT NULL AND reserved_until < ?", false, now).
		Distinct("product_id").
		Order("product_id ASC").
		Pluck("product_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// FindExpiringBetween returns live reservations whose deadline lies in (from, to].
func (r *Repository) FindExpiringBetween(ctx context.Context, from, to time.Time) ([]models.StockItem, error) {
	var items []models.StockItem
	if err := r.db.WithContext(ctx).
		Where("sold = ? AND reserved_until > ? AND reserved_until <= ?", false, from, to).
		Order("reserved_until ASC").
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

type countsRow struct {
	ProductID uuid.UUID
	Total     int64
	Sold      int64
	Reserved  int64
}

func (c countsRow) stats() Stats {
	return Stats{
		Total:     c.Total,
		Sold:      c.Sold,
		Reserved:  c.Reserved,
		Available: c.Total - c.Sold - c.Reserved,
	}
}

const countsSelect = "COUNT(*) AS total, " +
	"COALESCE(SUM(CASE WHEN sold = ? THEN 1 ELSE 0 END), 0) AS sold, " +
	"COALESCE(SUM(CASE WHEN sold = ? AND reserved_until > ? THEN 1 ELSE 0 END), 0) AS reserved"

// AggregateCounts computes the product's counters in one query.
func (r *Repository) AggregateCounts(ctx context.Context, productID uuid.UUID, now time.Time) (Stats, error) {
	var row countsRow
	if err := r.model(ctx).
		Select(countsSelect, true, false, now).
		Where("product_id = ?", productID).
		Scan(&row).Error; err != nil {
		return Stats{}, err
	}
	return row.stats(), nil
}

// StatsByProduct computes counters for each listed product, or every product
// holding stock when productIDs is empty. Products without units are absent.
func (r *Repository) StatsByProduct(ctx context.Context, productIDs []uuid.UUID, now time.Time) (map[uuid.UUID]Stats, error) {
	query := r.model(ctx).Select("product_id, "+countsSelect, true, false, now)
	if len(productIDs) > 0 {
		query = query.Where("product_id IN ?", productIDs)
	}
	var rows []countsRow
	if err := query.Group("product_id").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]Stats, len(rows))
	for _, row := range rows {
		out[row.ProductID] = row.stats()
	}
	return out, nil
}

// ClaimReservation stamps until on every id that is still available at now and
// reports how many rows were claimed.
func (r *Repository) ClaimReservation(ctx context.Context, ids []uuid.UUID, until, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.model(ctx).
		Where("id IN ?", ids).
		Where(availableClause, false, now).
		Updates(map[string]any{"reserved_until": until, "updated_at": now})
	return res.RowsAffected, res.Error
}

// ClearReservations releases every id holding a live reservation at now.
func (r *Repository) ClearReservations(ctx context.Context, ids []uuid.UUID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.model(ctx).
		Where("id IN ?", ids).
		Where("sold = ? AND reserved_until > ?", false, now).
		Updates(map[string]any{"reserved_until": nil, "updated_at": now})
	return res.RowsAffected, res.Error
}

// ClearExpired releases the product's reservations whose deadline passed before now.
func (r *Repository) ClearExpired(ctx context.Context, productID uuid.UUID, now time.Time) (int64, error) {
	res := r.model(ctx).
		Where("product_id = ?", productID).
		Where("sold = ? AND reserved_until IS NOT NULL AND reserved_until < ?", false, now).
		Updates(map[string]any{"reserved_until": nil, "updated_at": now})
	return res.RowsAffected, res.Error
}

// MarkSold flips an unsold unit to sold and drops any reservation it held.
func (r *Repository) MarkSold(ctx context.Context, id uuid.UUID, now time.Time) (int64, error) {
	res := r.model(ctx).
		Where("id = ? AND sold = ?", id, false).
		Updates(map[string]any{"sold": true, "sold_at": now, "reserved_until": nil, "updated_at": now})
	return res.RowsAffected, res.Error
}
