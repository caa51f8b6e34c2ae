package lowstock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vaultkeys/vaultkeys-backend/internal/stock"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
)

type productReader interface {
	Get(ctx context.Context, productID uuid.UUID) (*models.Product, error)
	LowStockThreshold(ctx context.Context, productID uuid.UUID) (*int, error)
	ListActive(ctx context.Context) ([]models.Product, error)
}

type statsReader interface {
	CountAvailable(ctx context.Context, productID uuid.UUID, now time.Time) (int64, error)
	AggregateCounts(ctx context.Context, productID uuid.UUID, now time.Time) (stock.Stats, error)
	StatsByProduct(ctx context.Context, productIDs []uuid.UUID, now time.Time) (map[uuid.UUID]stock.Stats, error)
}

// Report describes one product's stock level against its threshold.
type Report struct {
	ProductID   uuid.UUID   `json:"product_id"`
	ProductName string      `json:"product_name"`
	Threshold   int         `json:"threshold"`
	Stats       stock.Stats `json:"stats"`
}

// IsLow reports whether available stock is at or below the threshold.
func (r Report) IsLow() bool {
	return r.Stats.Available <= int64(r.Threshold)
}

// Monitor derives low-stock state from live counts on every call.
type Monitor struct {
	products         productReader
	stats            statsReader
	defaultThreshold int
	now              func() time.Time
}

// NewMonitor builds a monitor. defaultThreshold applies to products without one.
func NewMonitor(products productReader, stats statsReader, defaultThreshold int, clock func() time.Time) (*Monitor, error) {
	if products == nil {
		return nil, fmt.Errorf("product reader required")
	}
	if stats == nil {
		return nil, fmt.Errorf("stats reader required")
	}
	if defaultThreshold < 0 {
		return nil, fmt.Errorf("default threshold must be non-negative")
	}
	if clock == nil {
		clock = db.UTCNow
	}
	return &Monitor{products: products, stats: stats, defaultThreshold: defaultThreshold, now: clock}, nil
}

// Check returns the product's current report.
func (m *Monitor) Check(ctx context.Context, productID uuid.UUID) (*Report, error) {
	product, err := m.products.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	stats, err := m.stats.AggregateCounts(ctx, productID, m.now().UTC())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "aggregate stock counts")
	}
	return &Report{
		ProductID:   product.ID,
		ProductName: product.Name,
		Threshold:   m.effective(product.LowStockThreshold),
		Stats:       stats,
	}, nil
}

// IsLow reports whether the product's available count is at or below its
// effective threshold.
func (m *Monitor) IsLow(ctx context.Context, productID uuid.UUID) (bool, error) {
	configured, err := m.products.LowStockThreshold(ctx, productID)
	if err != nil {
		return false, err
	}
	available, err := m.stats.CountAvailable(ctx, productID, m.now().UTC())
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count available stock")
	}
	return available <= int64(m.effective(configured)), nil
}

// ProductsBelowThreshold scans every active product and returns those at or
// below threshold, or their own effective threshold when threshold is nil.
// Deactivated products are not sold and are left out of the scan.
func (m *Monitor) ProductsBelowThreshold(ctx context.Context, threshold *int) ([]Report, error) {
	if threshold != nil && *threshold < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "threshold must be non-negative")
	}
	products, err := m.products.ListActive(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list products")
	}
	if len(products) == 0 {
		return []Report{}, nil
	}

	ids := make([]uuid.UUID, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	counts, err := m.stats.StatsByProduct(ctx, ids, m.now().UTC())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "aggregate stock counts")
	}

	reports := make([]Report, 0)
	for _, p := range products {
		limit := m.effective(p.LowStockThreshold)
		if threshold != nil {
			limit = *threshold
		}
		report := Report{
			ProductID:   p.ID,
			ProductName: p.Name,
			Threshold:   limit,
			Stats:       counts[p.ID],
		}
		if report.IsLow() {
			reports = append(reports, report)
		}
	}
	return reports, nil
}

func (m *Monitor) effective(configured *int) int {
	if configured != nil {
		return *configured
	}
	return m.defaultThreshold
}
