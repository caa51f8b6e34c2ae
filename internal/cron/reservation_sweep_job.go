package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox/payloads"
)

const (
	ReservationSweepJobName = "reservation-sweep"
	serviceName             = "cron-worker"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotPending(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (bool, error)
}

type productSweeper interface {
	SweepByProduct(ctx context.Context) (map[uuid.UUID]int64, error)
}

// ReservationSweepJobParams configures the expired-reservation sweep.
type ReservationSweepJobParams struct {
	Logger  *logger.Logger
	DB      txRunner
	Sweeper productSweeper
	Outbox  outboxEmitter
}

// NewReservationSweepJob returns lapsed reservations to the pool and queues a
// reservations_expired event for every product that had any.
func NewReservationSweepJob(params ReservationSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	return &reservationSweepJob{
		logg:    params.Logger,
		db:      params.DB,
		sweeper: params.Sweeper,
		outbox:  params.Outbox,
		now:     time.Now,
	}, nil
}

type reservationSweepJob struct {
	logg    *logger.Logger
	db      txRunner
	sweeper productSweeper
	outbox  outboxEmitter
	now     func() time.Time
}

func (j *reservationSweepJob) Name() string { return ReservationSweepJobName }

func (j *reservationSweepJob) Run(ctx context.Context) error {
	// a partial sweep still reports what it reclaimed
	byProduct, sweepErr := j.sweeper.SweepByProduct(ctx)

	var (
		errs  error
		total int64
	)
	sweptAt := j.now().UTC()
	for productID, reclaimed := range byProduct {
		total += reclaimed
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			return j.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventReservationsExpired,
				AggregateType: enums.AggregateProduct,
				AggregateID:   productID,
				Actor:         &outbox.ActorRef{Service: serviceName, Job: ReservationSweepJobName},
				Data: payloads.ReservationsExpiredEvent{
					ProductID: productID,
					Reclaimed: reclaimed,
					SweptAt:   sweptAt,
				},
				Version:    1,
				OccurredAt: sweptAt,
			})
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("queue expiry event for %s: %w", productID, err))
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"products":  len(byProduct),
		"reclaimed": total,
	})
	j.logg.Info(logCtx, "reservation sweep complete")
	return multierr.Combine(sweepErr, errs)
}
