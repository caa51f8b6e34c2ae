package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
)

// StockItem is one sellable unit: a set of account credentials sold to exactly one buyer.
type StockItem struct {
	ID             uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	ProductID      uuid.UUID      `gorm:"column:product_id;type:uuid;not null;index:idx_stock_items_product_created,priority:1;uniqueIndex:ux_stock_items_product_credentials,priority:1,where:deleted_at IS NULL"`
	Credentials    string         `gorm:"column:credentials;type:text;not null;uniqueIndex:ux_stock_items_product_credentials,priority:2,where:deleted_at IS NULL"`
	AdditionalInfo *string        `gorm:"column:additional_info;type:text"`
	Sold           bool           `gorm:"column:sold;not null;default:false"`
	SoldAt         *time.Time     `gorm:"column:sold_at"`
	ReservedUntil  *time.Time     `gorm:"column:reserved_until;index:idx_stock_items_reserved_until"`
	CreatedAt      time.Time      `gorm:"column:created_at;index:idx_stock_items_product_created,priority:2"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (StockItem) TableName() string {
	return "stock_items"
}

// BeforeCreate assigns a time-ordered id so units created in the same instant
// still allocate in creation order.
func (s *StockItem) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		s.ID = id
	}
	return nil
}

// Status derives the lifecycle state at the provided instant.
func (s StockItem) Status(now time.Time) enums.StockStatus {
	if s.Sold {
		return enums.StockStatusSold
	}
	if s.ReservedUntil != nil && s.ReservedUntil.After(now) {
		return enums.StockStatusReserved
	}
	return enums.StockStatusAvailable
}

