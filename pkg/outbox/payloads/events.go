package payloads

import (
	"time"

	"github.com/google/uuid"
)

// StockLowEvent is emitted when a product's available units fall to or below its threshold.
type StockLowEvent struct {
	ProductID   uuid.UUID `json:"product_id"`
	ProductName string    `json:"product_name"`
	Threshold   int       `json:"threshold"`
	Available   int64     `json:"available"`
	Reserved    int64     `json:"reserved"`
	Sold        int64     `json:"sold"`
	Total       int64     `json:"total"`
	CheckedAt   time.Time `json:"checked_at"`
}

// ExpiringUnit is a single reservation that lapses inside the warning window.
type ExpiringUnit struct {
	StockItemID   uuid.UUID `json:"stock_item_id"`
	ReservedUntil time.Time `json:"reserved_until"`
}

// ReservationExpiringSoonEvent groups a product's reservations that lapse soon.
type ReservationExpiringSoonEvent struct {
	ProductID     uuid.UUID      `json:"product_id"`
	WindowSeconds int64          `json:"window_seconds"`
	Units         []ExpiringUnit `json:"units"`
}

// ReservationsExpiredEvent reports how many lapsed reservations a sweep reclaimed for a product.
type ReservationsExpiredEvent struct {
	ProductID uuid.UUID `json:"product_id"`
	Reclaimed int64     `json:"reclaimed"`
	SweptAt   time.Time `json:"swept_at"`
}
