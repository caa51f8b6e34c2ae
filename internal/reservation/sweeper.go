package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
	"github.com/vaultkeys/vaultkeys-backend/pkg/metrics"
)

// Sweeper reclaims lapsed reservations and reports the ones about to lapse.
// It holds no schedule of its own; a timer calls it.
type Sweeper struct {
	engine *Engine
}

// NewSweeper builds a sweeper sharing the engine's locks and transactions.
func NewSweeper(engine *Engine) (*Sweeper, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	return &Sweeper{engine: engine}, nil
}

// Sweep clears every unsold reservation whose deadline has passed and returns
// how many units went back to the available pool.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	byProduct, err := s.SweepByProduct(ctx)
	var total int64
	for _, n := range byProduct {
		total += n
	}
	return total, err
}

// SweepByProduct is Sweep with the reclaimed count broken down per product.
// Products are swept one at a time under their own lock; a failing product
// does not stop the others and its error is joined into the result.
func (s *Sweeper) SweepByProduct(ctx context.Context) (map[uuid.UUID]int64, error) {
	e := s.engine
	productIDs, err := e.store.ExpiredProductIDs(ctx, e.now())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "find expired reservations")
	}

	out := make(map[uuid.UUID]int64, len(productIDs))
	var errs error
	for _, productID := range productIDs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, multierr.Append(errs, ctxErr)
		}
		n, err := s.sweepOne(ctx, productID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sweep product %s: %w", productID, err))
			continue
		}
		if n > 0 {
			out[productID] = n
		}
	}

	var total int64
	for _, n := range out {
		total += n
	}
	e.metrics.AddUnits(metrics.TransitionSwept, int(total))
	e.logg.Info(e.logg.WithFields(ctx, map[string]any{
		"products": len(out),
		"released": total,
	}), "expired reservations swept")
	return out, errs
}

func (s *Sweeper) sweepOne(ctx context.Context, productID uuid.UUID) (int64, error) {
	e := s.engine
	ctx = e.logg.WithProductID(ctx, productID.String())
	unlock, err := e.lock(ctx, productID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var swept int64
	err = e.withRetry(ctx, func(ctx context.Context) error {
		return e.tx.WithSerializableTx(ctx, func(tx *gorm.DB) error {
			if err := lockProductRow(ctx, tx, productID); err != nil {
				return err
			}
			n, err := e.sweepProduct(ctx, e.store.WithTx(tx), productID, e.now())
			if err != nil {
				return err
			}
			swept = n
			return nil
		})
	})
	if err != nil {
		return 0, e.mutationFailed(ctx, productID, "sweep reservations", err)
	}
	return swept, nil
}

// ExpiringSoon lists live reservations whose deadline falls within the next
// within. It changes nothing.
func (s *Sweeper) ExpiringSoon(ctx context.Context, within time.Duration) ([]models.StockItem, error) {
	if within <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "horizon must be positive")
	}
	now := s.engine.now()
	items, err := s.engine.store.FindExpiringBetween(ctx, now, now.Add(within))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "find expiring reservations")
	}
	return items, nil
}
