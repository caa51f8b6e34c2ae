package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaultkeys/vaultkeys-backend/internal/lowstock"
	"github.com/vaultkeys/vaultkeys-backend/internal/reservation"
	"github.com/vaultkeys/vaultkeys-backend/internal/stock"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	pkgpagination "github.com/vaultkeys/vaultkeys-backend/pkg/pagination"
)

// Service is the public inventory contract used by order workflows and stock intake.
type Service interface {
	AddStock(ctx context.Context, input AddStockInput) (*models.StockItem, error)
	AddStockBulk(ctx context.Context, input AddStockBulkInput) (*BulkAddResult, error)
	UpdateStockInfo(ctx context.Context, input UpdateStockInfoInput) (*models.StockItem, error)
	DeleteStock(ctx context.Context, stockID uuid.UUID) error
	GetStock(ctx context.Context, stockID uuid.UUID) (*models.StockItem, error)
	ListStock(ctx context.Context, input ListStockInput) (*stock.Page, error)

	Reserve(ctx context.Context, input ReserveInput) ([]models.StockItem, error)
	ReserveUntil(ctx context.Context, input ReserveUntilInput) ([]models.StockItem, error)
	Release(ctx context.Context, input StockIDsInput) (int, error)
	ReleaseOne(ctx context.Context, stockID uuid.UUID) (bool, error)
	MarkSold(ctx context.Context, stockID uuid.UUID) (*models.StockItem, error)
	MarkSoldBulk(ctx context.Context, input StockIDsInput) (*reservation.BulkResult, error)

	Sweep(ctx context.Context) (int64, error)
	ExpiringSoon(ctx context.Context, input ExpiringSoonInput) ([]models.StockItem, error)

	Stats(ctx context.Context, productID uuid.UUID) (*StockStats, error)
	IsLowStock(ctx context.Context, productID uuid.UUID) (bool, error)
	ProductsBelowThreshold(ctx context.Context, threshold *int) ([]lowstock.Report, error)
}

type reservationEngine interface {
	Reserve(ctx context.Context, productID uuid.UUID, qty int, ttl time.Duration) ([]models.StockItem, error)
	ReserveUntil(ctx context.Context, productID uuid.UUID, qty int, until time.Time) ([]models.StockItem, error)
	Release(ctx context.Context, ids []uuid.UUID) (int, error)
	ReleaseOne(ctx context.Context, id uuid.UUID) (bool, error)
	MarkSold(ctx context.Context, id uuid.UUID) (*models.StockItem, error)
	MarkSoldBulk(ctx context.Context, ids []uuid.UUID) (*reservation.BulkResult, error)
}

type expirySweeper interface {
	Sweep(ctx context.Context) (int64, error)
	ExpiringSoon(ctx context.Context, within time.Duration) ([]models.StockItem, error)
}

type stockMonitor interface {
	Check(ctx context.Context, productID uuid.UUID) (*lowstock.Report, error)
	IsLow(ctx context.Context, productID uuid.UUID) (bool, error)
	ProductsBelowThreshold(ctx context.Context, threshold *int) ([]lowstock.Report, error)
}

// ServiceParams wires the facade.
type ServiceParams struct {
	Store   stock.Store
	Engine  reservationEngine
	Sweeper expirySweeper
	Monitor stockMonitor
	Logger  *logger.Logger
	// DefaultReservationTTL applies when a reserve call names no TTL.
	DefaultReservationTTL time.Duration
	Clock                 func() time.Time
}

type service struct {
	store      stock.Store
	engine     reservationEngine
	sweeper    expirySweeper
	monitor    stockMonitor
	logg       *logger.Logger
	defaultTTL time.Duration
	now        func() time.Time
}

// NewService constructs the inventory facade.
func NewService(params ServiceParams) (Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("stock store required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("reservation engine required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	if params.Monitor == nil {
		return nil, fmt.Errorf("low-stock monitor required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DefaultReservationTTL <= 0 {
		return nil, fmt.Errorf("default reservation ttl must be positive")
	}
	if params.Clock == nil {
		params.Clock = db.UTCNow
	}
	return &service{
		store:      params.Store,
		engine:     params.Engine,
		sweeper:    params.Sweeper,
		monitor:    params.Monitor,
		logg:       params.Logger,
		defaultTTL: params.DefaultReservationTTL,
		now:        func() time.Time { return params.Clock().UTC() },
	}, nil
}

func (s *service) AddStock(ctx context.Context, input AddStockInput) (*models.StockItem, error) {
	input.Credentials = strings.TrimSpace(input.Credentials)
	if err := validateInput(input); err != nil {
		return nil, err
	}
	item, err := s.store.Create(ctx, input.ProductID, input.Credentials, input.AdditionalInfo)
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"product_id": input.ProductID.String(),
		"stock_id":   item.ID.String(),
	}), "stock unit added")
	return item, nil
}

// AddStockBulk reports as skipped every input that did not become a unit:
// blank lines, repeats within the batch and credentials the product already holds.
func (s *service) AddStockBulk(ctx context.Context, input AddStockBulkInput) (*BulkAddResult, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	created, err := s.store.CreateBulk(ctx, input.ProductID, input.Credentials)
	if err != nil {
		return nil, err
	}
	result := &BulkAddResult{
		Created: created,
		Skipped: len(input.Credentials) - len(created),
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"product_id": input.ProductID.String(),
		"created":    len(result.Created),
		"skipped":    result.Skipped,
	}), "bulk stock intake")
	return result, nil
}

func (s *service) UpdateStockInfo(ctx context.Context, input UpdateStockInfoInput) (*models.StockItem, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	return s.store.UpdateInfo(ctx, input.StockID, input.AdditionalInfo)
}

func (s *service) DeleteStock(ctx context.Context, stockID uuid.UUID) error {
	if err := requireID(stockID, "stock_id"); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, stockID, s.now()); err != nil {
		return err
	}
	s.logg.Info(s.logg.WithStockID(ctx, stockID.String()), "stock unit deleted")
	return nil
}

func (s *service) GetStock(ctx context.Context, stockID uuid.UUID) (*models.StockItem, error) {
	if err := requireID(stockID, "stock_id"); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, stockID)
}

func (s *service) ListStock(ctx context.Context, input ListStockInput) (*stock.Page, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	cursor, err := pkgpagination.ParseCursor(input.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	q := stock.ListQuery{
		ProductID: input.ProductID,
		Now:       s.now(),
		Limit:     pkgpagination.LimitWithBuffer(input.Limit),
		Cursor:    cursor,
	}
	if input.Status != "" {
		status, err := enums.ParseStockStatus(input.Status)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status")
		}
		q.Status = &status
	}
	rows, err := s.store.ListByProduct(ctx, q)
	if err != nil {
		return nil, err
	}
	page := stock.NewPage(rows, pkgpagination.NormalizeLimit(input.Limit))
	return &page, nil
}

func (s *service) Reserve(ctx context.Context, input ReserveInput) ([]models.StockItem, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	ttl := s.defaultTTL
	if input.TTLMinutes > 0 {
		ttl = time.Duration(input.TTLMinutes) * time.Minute
	}
	return s.engine.Reserve(ctx, input.ProductID, input.Quantity, ttl)
}

func (s *service) ReserveUntil(ctx context.Context, input ReserveUntilInput) ([]models.StockItem, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	return s.engine.ReserveUntil(ctx, input.ProductID, input.Quantity, input.Until.UTC())
}

func (s *service) Release(ctx context.Context, input StockIDsInput) (int, error) {
	if err := validateInput(input); err != nil {
		return 0, err
	}
	return s.engine.Release(ctx, input.StockIDs)
}

func (s *service) ReleaseOne(ctx context.Context, stockID uuid.UUID) (bool, error) {
	if err := requireID(stockID, "stock_id"); err != nil {
		return false, err
	}
	return s.engine.ReleaseOne(ctx, stockID)
}

func (s *service) MarkSold(ctx context.Context, stockID uuid.UUID) (*models.StockItem, error) {
	if err := requireID(stockID, "stock_id"); err != nil {
		return nil, err
	}
	return s.engine.MarkSold(ctx, stockID)
}

func (s *service) MarkSoldBulk(ctx context.Context, input StockIDsInput) (*reservation.BulkResult, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	return s.engine.MarkSoldBulk(ctx, input.StockIDs)
}

func (s *service) Sweep(ctx context.Context) (int64, error) {
	return s.sweeper.Sweep(ctx)
}

func (s *service) ExpiringSoon(ctx context.Context, input ExpiringSoonInput) ([]models.StockItem, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	return s.sweeper.ExpiringSoon(ctx, time.Duration(input.Minutes)*time.Minute)
}

func (s *service) Stats(ctx context.Context, productID uuid.UUID) (*StockStats, error) {
	if err := requireID(productID, "product_id"); err != nil {
		return nil, err
	}
	report, err := s.monitor.Check(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &StockStats{
		ProductID: report.ProductID,
		Threshold: report.Threshold,
		IsLow:     report.IsLow(),
		Stats:     report.Stats,
	}, nil
}

func (s *service) IsLowStock(ctx context.Context, productID uuid.UUID) (bool, error) {
	if err := requireID(productID, "product_id"); err != nil {
		return false, err
	}
	return s.monitor.IsLow(ctx, productID)
}

func (s *service) ProductsBelowThreshold(ctx context.Context, threshold *int) ([]lowstock.Report, error) {
	return s.monitor.ProductsBelowThreshold(ctx, threshold)
}

func requireID(id uuid.UUID, field string) error {
	if id == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(map[string]string{field: "is required"})
	}
	return nil
}
