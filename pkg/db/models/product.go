package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Product is the catalog row that owns a pool of stock items.
type Product struct {
	ID                uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Name              string    `gorm:"column:name;not null"`
	LowStockThreshold *int      `gorm:"column:low_stock_threshold"`
	IsActive          bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Product) TableName() string {
	return "products"
}

func (p *Product) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
