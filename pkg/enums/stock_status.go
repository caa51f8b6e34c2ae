package enums

import "slices"

// StockStatus is the derived lifecycle state of a single stock unit. It is
// never stored; see models.StockItem.Status.
type StockStatus string

const (
	StockStatusAvailable StockStatus = "available"
	StockStatusReserved  StockStatus = "reserved"
	StockStatusSold      StockStatus = "sold"
)

var stockStatuses = []StockStatus{StockStatusAvailable, StockStatusReserved, StockStatusSold}

func (s StockStatus) String() string { return string(s) }

func (s StockStatus) IsValid() bool { return slices.Contains(stockStatuses, s) }

func ParseStockStatus(value string) (StockStatus, error) {
	return parse("stock status", value, stockStatuses)
}
