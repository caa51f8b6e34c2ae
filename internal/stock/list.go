package stock

import (
	"time"

	"github.com/google/uuid"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	pkgpagination "github.com/vaultkeys/vaultkeys-backend/pkg/pagination"
)

// ListQuery selects one page of a product's units in allocation order.
type ListQuery struct {
	ProductID uuid.UUID
	Status    *enums.StockStatus
	Now       time.Time
	Limit     int
	Cursor    *pkgpagination.Cursor
}

// Page is one page of units plus the cursor for the next page.
type Page struct {
	Items  []models.StockItem `json:"items"`
	Cursor string             `json:"cursor"`
}

// NewPage trims a buffered result set to limit and encodes the next cursor.
func NewPage(rows []models.StockItem, limit int) Page {
	next := ""
	if len(rows) > limit {
		next = pkgpagination.EncodeCursor(pkgpagination.Cursor{
			CreatedAt: rows[limit].CreatedAt,
			ID:        rows[limit].ID,
		})
		rows = rows[:limit]
	}
	return Page{Items: rows, Cursor: next}
}
