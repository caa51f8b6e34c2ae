package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
)

// Repository reads the product catalog that owns stock pools.
type Repository struct {
	db *gorm.DB
}

// NewRepository binds the catalog reader to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a reader scoped to tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// Exists reports whether productID is a known product.
func (r *Repository) Exists(ctx context.Context, productID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", productID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Get loads a product or returns NOT_FOUND.
func (r *Repository) Get(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).Where("id = ?", productID).First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound(productID)
		}
		return nil, err
	}
	return &product, nil
}

// LowStockThreshold returns the product's configured threshold, nil when unset.
func (r *Repository) LowStockThreshold(ctx context.Context, productID uuid.UUID) (*int, error) {
	product, err := r.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	return product.LowStockThreshold, nil
}

// ListActive returns every active product ordered by name.
func (r *Repository) ListActive(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("name ASC").
		Order("id ASC").
		Find(&products).Error
	if err != nil {
		return nil, err
	}
	return products, nil
}

// ErrProductNotFound builds the NOT_FOUND error for an unknown product.
func ErrProductNotFound(productID uuid.UUID) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "product not found").
		WithDetails(map[string]any{"product_id": productID.String()})
}
