package inventory

import (
	"time"

	"github.com/google/uuid"

	"github.com/vaultkeys/vaultkeys-backend/internal/stock"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
)

// AddStockInput registers one unit of credentials for a product.
type AddStockInput struct {
	ProductID      uuid.UUID `json:"product_id" validate:"required"`
	Credentials    string    `json:"credentials" validate:"required,max=4096"`
	AdditionalInfo *string   `json:"additional_info" validate:"omitempty,max=2048"`
}

// AddStockBulkInput registers many units at once. Blank lines and duplicates are skipped.
type AddStockBulkInput struct {
	ProductID   uuid.UUID `json:"product_id" validate:"required"`
	Credentials []string  `json:"credentials" validate:"required,min=1,max=5000"`
}

// BulkAddResult reports the units created and how many inputs were dropped.
type BulkAddResult struct {
	Created []models.StockItem `json:"created"`
	Skipped int                `json:"skipped"`
}

// UpdateStockInfoInput replaces the note on an unsold unit. A nil note clears it.
type UpdateStockInfoInput struct {
	StockID        uuid.UUID `json:"stock_id" validate:"required"`
	AdditionalInfo *string   `json:"additional_info" validate:"omitempty,max=2048"`
}

// ListStockInput pages through a product's units in allocation order.
type ListStockInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Status    string    `json:"status" validate:"omitempty,oneof=available reserved sold"`
	Limit     int       `json:"limit" validate:"gte=0,lte=500"`
	Cursor    string    `json:"cursor"`
}

// ReserveInput holds quantity units for TTLMinutes. Zero minutes uses the configured default.
type ReserveInput struct {
	ProductID  uuid.UUID `json:"product_id" validate:"required"`
	Quantity   int       `json:"quantity" validate:"min=1"`
	TTLMinutes int       `json:"ttl_minutes" validate:"gte=0,lte=10080"`
}

// ReserveUntilInput holds quantity units until an absolute deadline.
type ReserveUntilInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"min=1"`
	Until     time.Time `json:"until" validate:"required"`
}

// StockIDsInput names a batch of units for release or sale.
type StockIDsInput struct {
	StockIDs []uuid.UUID `json:"stock_ids" validate:"required,min=1,max=1000,dive,required"`
}

// ExpiringSoonInput asks for reservations lapsing within the next Minutes.
type ExpiringSoonInput struct {
	Minutes int `json:"minutes" validate:"min=1,max=1440"`
}

// StockStats pairs a product's counters with its low-stock state.
type StockStats struct {
	ProductID uuid.UUID   `json:"product_id"`
	Threshold int         `json:"threshold"`
	IsLow     bool        `json:"is_low"`
	Stats     stock.Stats `json:"stats"`
}
