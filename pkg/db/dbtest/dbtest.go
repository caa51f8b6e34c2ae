// Package dbtest opens throwaway SQLite databases migrated with the inventory schema.
package dbtest

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
)

// Open returns a client over a private in-memory SQLite database with every
// inventory table migrated. The pool is pinned to one connection so concurrent
// writers queue instead of failing with SQLITE_BUSY.
func Open(t *testing.T) *db.Client {
	t.Helper()

	dsn := fmt.Sprintf("file:vk_%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		NowFunc:                db.UTCNow,
		Logger:                 gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(&models.Product{}, &models.StockItem{}, &models.OutboxEvent{}, &models.OutboxDLQ{}); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db.NewFromConn(conn)
}

// MustCreateProduct inserts an active product with an optional threshold.
func MustCreateProduct(t *testing.T, conn *gorm.DB, name string, threshold *int) *models.Product {
	t.Helper()
	product := &models.Product{
		Name:              name,
		LowStockThreshold: threshold,
		IsActive:          true,
	}
	if err := conn.Create(product).Error; err != nil {
		t.Fatalf("create product: %v", err)
	}
	return product
}

// MustSeedStock inserts n available units for productID, one millisecond apart
// starting at base, and returns them in creation order.
func MustSeedStock(t *testing.T, conn *gorm.DB, productID uuid.UUID, n int, base time.Time) []models.StockItem {
	t.Helper()
	items := make([]models.StockItem, 0, n)
	for i := 0; i < n; i++ {
		item := models.StockItem{
			ProductID:   productID,
			Credentials: fmt.Sprintf("user%d:%s", i, uuid.NewString()[:8]),
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond).UTC(),
		}
		if err := conn.Create(&item).Error; err != nil {
			t.Fatalf("seed stock: %v", err)
		}
		items = append(items, item)
	}
	return items
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
