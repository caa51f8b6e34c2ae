package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/internal/lowstock"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox/payloads"
)

const (
	LowStockJobName     = "low-stock-scan"
	lowStockNotifyScope = "stock-low"
)

type lowStockScanner interface {
	ProductsBelowThreshold(ctx context.Context, threshold *int) ([]lowstock.Report, error)
}

// notifyGuard suppresses repeat notifications for a product inside its cooldown.
type notifyGuard interface {
	MarkOnce(ctx context.Context, scope string, subjectID uuid.UUID) (bool, error)
	Forget(ctx context.Context, scope string, subjectID uuid.UUID) error
}

// LowStockJobParams configures the low-stock scan.
type LowStockJobParams struct {
	Logger  *logger.Logger
	DB      txRunner
	Monitor lowStockScanner
	Outbox  outboxEmitter
	Guard   notifyGuard
}

// NewLowStockJob queues a stock_low event for every active product at or below
// its threshold, at most once per product per guard cooldown.
func NewLowStockJob(params LowStockJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Monitor == nil {
		return nil, fmt.Errorf("low-stock monitor required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	if params.Guard == nil {
		return nil, fmt.Errorf("notification guard required")
	}
	return &lowStockJob{
		logg:    params.Logger,
		db:      params.DB,
		monitor: params.Monitor,
		outbox:  params.Outbox,
		guard:   params.Guard,
		now:     time.Now,
	}, nil
}

type lowStockJob struct {
	logg    *logger.Logger
	db      txRunner
	monitor lowStockScanner
	outbox  outboxEmitter
	guard   notifyGuard
	now     func() time.Time
}

func (j *lowStockJob) Name() string { return LowStockJobName }

func (j *lowStockJob) Run(ctx context.Context) error {
	reports, err := j.monitor.ProductsBelowThreshold(ctx, nil)
	if err != nil {
		return fmt.Errorf("scan low stock: %w", err)
	}

	var errs error
	notified, suppressed := 0, 0
	for _, report := range reports {
		first, err := j.guard.MarkOnce(ctx, lowStockNotifyScope, report.ProductID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("guard %s: %w", report.ProductID, err))
			continue
		}
		if !first {
			suppressed++
			continue
		}
		if err := j.emit(ctx, report); err != nil {
			// let the next scan retry this product
			if fErr := j.guard.Forget(ctx, lowStockNotifyScope, report.ProductID); fErr != nil {
				err = multierr.Append(err, fErr)
			}
			errs = multierr.Append(errs, fmt.Errorf("queue stock_low for %s: %w", report.ProductID, err))
			continue
		}
		notified++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"low":        len(reports),
		"notified":   notified,
		"suppressed": suppressed,
	})
	j.logg.Info(logCtx, "low-stock scan complete")
	return errs
}

func (j *lowStockJob) emit(ctx context.Context, report lowstock.Report) error {
	checkedAt := j.now().UTC()
	return j.db.WithTx(ctx, func(tx *gorm.DB) error {
		return j.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventStockLow,
			AggregateType: enums.AggregateProduct,
			AggregateID:   report.ProductID,
			Actor:         &outbox.ActorRef{Service: serviceName, Job: LowStockJobName},
			Data: payloads.StockLowEvent{
				ProductID:   report.ProductID,
				ProductName: report.ProductName,
				Threshold:   report.Threshold,
				Available:   report.Stats.Available,
				Reserved:    report.Stats.Reserved,
				Sold:        report.Stats.Sold,
				Total:       report.Stats.Total,
				CheckedAt:   checkedAt,
			},
			Version:    1,
			OccurredAt: checkedAt,
		})
	})
}
