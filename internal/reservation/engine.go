package reservation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vaultkeys/vaultkeys-backend/internal/stock"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/metrics"
)

const (
	defaultMaxRetries = 5
	defaultRetryBase  = 25 * time.Millisecond
)

type txRunner interface {
	WithSerializableTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type productChecker interface {
	Exists(ctx context.Context, productID uuid.UUID) (bool, error)
}

// Engine performs every transition of a unit's reservation state. Each
// mutation runs inside the product's lock and a single transaction, so for any
// one product the outcome matches some serial order of the calls.
type Engine struct {
	tx         txRunner
	store      stock.Store
	products   productChecker
	locker     Locker
	logg       *logger.Logger
	metrics    *metrics.InventoryMetrics
	now        func() time.Time
	maxRetries uint64
	retryBase  time.Duration
}

// EngineParams wires the engine's collaborators.
type EngineParams struct {
	Tx       txRunner
	Store    stock.Store
	Products productChecker
	Locker   Locker
	Logger   *logger.Logger
	Metrics  *metrics.InventoryMetrics
	// Clock defaults to db.UTCNow.
	Clock            func() time.Time
	MaxRetries       uint64
	RetryBaseBackoff time.Duration
}

// NewEngine validates params and builds the engine.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("stock store required")
	}
	if params.Products == nil {
		return nil, fmt.Errorf("product checker required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Clock == nil {
		params.Clock = db.UTCNow
	}
	if params.MaxRetries == 0 {
		params.MaxRetries = defaultMaxRetries
	}
	if params.RetryBaseBackoff <= 0 {
		params.RetryBaseBackoff = defaultRetryBase
	}
	return &Engine{
		tx:         params.Tx,
		store:      params.Store,
		products:   params.Products,
		locker:     params.Locker,
		logg:       params.Logger,
		metrics:    params.Metrics,
		now:        func() time.Time { return params.Clock().UTC() },
		maxRetries: params.MaxRetries,
		retryBase:  params.RetryBaseBackoff,
	}, nil
}

// Reserve claims qty available units of the product for ttl, oldest first.
// Either every unit is claimed or none is.
func (e *Engine) Reserve(ctx context.Context, productID uuid.UUID, qty int, ttl time.Duration) ([]models.StockItem, error) {
	if ttl <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reservation ttl must be positive")
	}
	return e.reserve(ctx, productID, qty, func(now time.Time) time.Time { return now.Add(ttl) })
}

// ReserveUntil is Reserve with an absolute deadline, which must lie in the future.
func (e *Engine) ReserveUntil(ctx context.Context, productID uuid.UUID, qty int, until time.Time) ([]models.StockItem, error) {
	until = until.UTC()
	return e.reserve(ctx, productID, qty, func(time.Time) time.Time { return until })
}

func (e *Engine) reserve(ctx context.Context, productID uuid.UUID, qty int, deadline func(now time.Time) time.Time) ([]models.StockItem, error) {
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	if qty < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1").
			WithDetails(map[string]any{"quantity": qty})
	}
	ctx = e.logg.WithProductID(ctx, productID.String())

	if err := e.requireProduct(ctx, productID); err != nil {
		return nil, err
	}

	unlock, err := e.lock(ctx, productID)
	if err != nil {
		e.metrics.IncReservation(metrics.OutcomeContention)
		return nil, err
	}
	defer unlock()

	var (
		claimed []models.StockItem
		swept   int64
		until   time.Time
	)
	err = e.withRetry(ctx, func(ctx context.Context) error {
		return e.tx.WithSerializableTx(ctx, func(tx *gorm.DB) error {
			now := e.now()
			until = deadline(now)
			if !until.After(now) {
				return pkgerrors.New(pkgerrors.CodeValidation, "reservation deadline must be in the future")
			}
			store := e.store.WithTx(tx)
			if err := lockProductRow(ctx, tx, productID); err != nil {
				return err
			}

			n, err := e.sweepProduct(ctx, store, productID, now)
			if err != nil {
				return err
			}

			available, err := store.CountAvailable(ctx, productID, now)
			if err != nil {
				return err
			}
			if available < int64(qty) {
				return ErrOutOfStock(productID, qty, available)
			}

			candidates, err := store.FindAvailable(ctx, productID, now, qty)
			if err != nil {
				return err
			}
			if len(candidates) < qty {
				return ErrOutOfStock(productID, qty, int64(len(candidates)))
			}
			ids := make([]uuid.UUID, len(candidates))
			for i, c := range candidates {
				ids[i] = c.ID
			}

			rows, err := store.ClaimReservation(ctx, ids, until, now)
			if err != nil {
				return err
			}
			if rows != int64(qty) {
				return errClaimRace
			}

			items, err := store.GetMany(ctx, ids)
			if err != nil {
				return err
			}
			if err := verifyStatus(items, now, enums.StockStatusReserved, qty); err != nil {
				return err
			}
			claimed, swept = items, n
			return nil
		})
	})
	if err != nil {
		return nil, e.reserveFailed(ctx, productID, qty, err)
	}

	e.metrics.IncReservation(metrics.OutcomeOK)
	e.metrics.AddUnits(metrics.TransitionReserved, len(claimed))
	e.metrics.AddUnits(metrics.TransitionSwept, int(swept))
	e.logg.Info(e.logg.WithFields(ctx, map[string]any{
		"quantity":       qty,
		"reserved_until": until,
		"swept":          swept,
	}), "stock reserved")
	return claimed, nil
}

func (e *Engine) reserveFailed(ctx context.Context, productID uuid.UUID, qty int, err error) error {
	switch {
	case pkgerrors.IsCode(err, pkgerrors.CodeOutOfStock):
		e.metrics.IncReservation(metrics.OutcomeOutOfStock)
		typed := pkgerrors.As(err)
		e.logg.Info(e.logg.WithField(ctx, "details", typed.Details()), "reservation rejected: out of stock")
		return err
	case pkgerrors.IsCode(err, pkgerrors.CodeValidation):
		return err
	case isTransient(err):
		e.metrics.IncReservation(metrics.OutcomeContention)
		return ErrContention(productID, err)
	default:
		e.metrics.IncReservation(metrics.OutcomeError)
		if pkgerrors.As(err) != nil {
			return err
		}
		e.logg.Error(e.logg.WithField(ctx, "quantity", qty), "reserve stock", err)
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reserve stock")
	}
}

// Release returns every listed unit that holds a live reservation to the
// available pool and reports how many were released. Sold, available and
// unknown ids are skipped.
func (e *Engine) Release(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	items, err := e.store.GetMany(ctx, ids)
	if err != nil {
		return 0, err
	}

	byProduct := make(map[uuid.UUID][]uuid.UUID)
	for _, item := range items {
		byProduct[item.ProductID] = append(byProduct[item.ProductID], item.ID)
	}
	products := make([]uuid.UUID, 0, len(byProduct))
	for productID := range byProduct {
		products = append(products, productID)
	}
	// a fixed lock order keeps two overlapping releases from deadlocking
	slices.SortFunc(products, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })

	released := 0
	for _, productID := range products {
		n, err := e.releaseProduct(ctx, productID, byProduct[productID])
		released += int(n)
		if err != nil {
			return released, err
		}
	}
	return released, nil
}

// ReleaseOne releases a single unit. It reports false when the unit held no
// live reservation and NOT_FOUND when the id is unknown.
func (e *Engine) ReleaseOne(ctx context.Context, id uuid.UUID) (bool, error) {
	item, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	n, err := e.releaseProduct(ctx, item.ProductID, []uuid.UUID{id})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (e *Engine) releaseProduct(ctx context.Context, productID uuid.UUID, ids []uuid.UUID) (int64, error) {
	ctx = e.logg.WithProductID(ctx, productID.String())
	unlock, err := e.lock(ctx, productID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var released int64
	err = e.withRetry(ctx, func(ctx context.Context) error {
		return e.tx.WithSerializableTx(ctx, func(tx *gorm.DB) error {
			now := e.now()
			if err := lockProductRow(ctx, tx, productID); err != nil {
				return err
			}
			n, err := e.store.WithTx(tx).ClearReservations(ctx, ids, now)
			if err != nil {
				return err
			}
			released = n
			return nil
		})
	})
	if err != nil {
		return 0, e.mutationFailed(ctx, productID, "release stock", err)
	}
	e.metrics.AddUnits(metrics.TransitionReleased, int(released))
	if released > 0 {
		e.logg.Info(e.logg.WithField(ctx, "released", released), "stock released")
	}
	return released, nil
}

// MarkSold sells one unit, reserved or available. Selling a unit twice is a
// STATE_CONFLICT so double deliveries surface instead of being absorbed.
func (e *Engine) MarkSold(ctx context.Context, id uuid.UUID) (*models.StockItem, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stock id required")
	}
	item, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	productID := item.ProductID
	ctx = e.logg.WithStockID(e.logg.WithProductID(ctx, productID.String()), id.String())

	unlock, err := e.lock(ctx, productID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var sold *models.StockItem
	err = e.withRetry(ctx, func(ctx context.Context) error {
		return e.tx.WithSerializableTx(ctx, func(tx *gorm.DB) error {
			now := e.now()
			store := e.store.WithTx(tx)
			if err := lockProductRow(ctx, tx, productID); err != nil {
				return err
			}
			current, err := store.Get(ctx, id)
			if err != nil {
				return err
			}
			if current.Sold {
				return stock.ErrInvalidState(id, "already sold")
			}
			n, err := store.MarkSold(ctx, id, now)
			if err != nil {
				return err
			}
			if n != 1 {
				return errClaimRace
			}
			updated, err := store.Get(ctx, id)
			if err != nil {
				return err
			}
			if err := stock.CheckInvariants(*updated); err != nil {
				return err
			}
			sold = updated
			return nil
		})
	})
	if err != nil {
		return nil, e.mutationFailed(ctx, productID, "mark stock sold", err)
	}
	e.metrics.AddUnits(metrics.TransitionSold, 1)
	e.logg.Info(ctx, "stock sold")
	return sold, nil
}

// Failure is one id a bulk sale could not complete.
type Failure struct {
	StockID uuid.UUID
	Err     error
}

// BulkResult is the outcome of MarkSoldBulk.
type BulkResult struct {
	Sold     []models.StockItem
	Failures []Failure
}

// MarkSoldBulk sells each id independently. A failing id is logged and
// recorded in Failures without stopping the batch; Sold holds exactly the
// units that were sold by this call. An id repeated within the batch is a
// second sale of the same unit and fails with STATE_CONFLICT.
func (e *Engine) MarkSoldBulk(ctx context.Context, ids []uuid.UUID) (*BulkResult, error) {
	result := &BulkResult{Sold: make([]models.StockItem, 0, len(ids))}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	var combined error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var (
			item *models.StockItem
			err  error
		)
		if _, dup := seen[id]; dup {
			err = stock.ErrInvalidState(id, "repeated in batch")
		} else {
			seen[id] = struct{}{}
			item, err = e.MarkSold(ctx, id)
		}
		if err != nil {
			result.Failures = append(result.Failures, Failure{StockID: id, Err: err})
			combined = multierr.Append(combined, fmt.Errorf("%s: %w", id, err))
			continue
		}
		result.Sold = append(result.Sold, *item)
	}
	if combined != nil {
		e.logg.Warn(e.logg.WithFields(ctx, map[string]any{
			"requested": len(ids),
			"sold":      len(result.Sold),
			"failures":  combined.Error(),
		}), "bulk sale partially failed")
	}
	return result, nil
}

func (e *Engine) mutationFailed(ctx context.Context, productID uuid.UUID, op string, err error) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	if isTransient(err) {
		return ErrContention(productID, err)
	}
	e.logg.Error(ctx, op, err)
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, op)
}

func (e *Engine) requireProduct(ctx context.Context, productID uuid.UUID) error {
	ok, err := e.products.Exists(ctx, productID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup product")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "product not found").
			WithDetails(map[string]any{"product_id": productID.String()})
	}
	return nil
}

func (e *Engine) lock(ctx context.Context, productID uuid.UUID) (func(), error) {
	started := time.Now()
	unlock, err := e.locker.Lock(ctx, productID)
	e.metrics.ObserveLockWait(e.locker.Name(), time.Since(started))
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, ErrLockTimeout) {
		e.logg.Warn(ctx, "product lock wait timed out")
		return nil, ErrContention(productID, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeContention, ctxErr, "product lock wait cancelled").
			WithDetails(map[string]any{"product_id": productID.String()})
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire product lock")
}

// sweepProduct clears the product's lapsed reservations. Reserve and the
// sweeper both reclaim stock through this one path.
func (e *Engine) sweepProduct(ctx context.Context, store stock.Store, productID uuid.UUID, now time.Time) (int64, error) {
	return store.ClearExpired(ctx, productID, now)
}

// lockProductRow takes a row lock on the product on Postgres so writers that
// bypass the process-level locker still serialize on the database.
func lockProductRow(ctx context.Context, tx *gorm.DB, productID uuid.UUID) error {
	if !db.IsPostgres(tx) {
		return nil
	}
	var id uuid.UUID
	return tx.WithContext(ctx).
		Model(&models.Product{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", productID).
		Pluck("id", &id).Error
}

func verifyStatus(items []models.StockItem, now time.Time, want enums.StockStatus, count int) error {
	if len(items) != count {
		return errClaimRace
	}
	for _, item := range items {
		if item.Status(now) != want {
			return pkgerrors.New(pkgerrors.CodeInternal, "stock invariant violated: unexpected status after claim").
				WithDetails(map[string]any{"stock_id": item.ID.String(), "status": item.Status(now).String()})
		}
	}
	return stock.CheckInvariants(items...)
}
