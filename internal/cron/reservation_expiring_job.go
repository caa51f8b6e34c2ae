package cron

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox/payloads"
)

const (
	ReservationExpiringJobName = "reservation-expiring-soon"
	defaultExpiringWithin      = 5 * time.Minute
)

type expiringFinder interface {
	ExpiringSoon(ctx context.Context, within time.Duration) ([]models.StockItem, error)
}

// ReservationExpiringJobParams configures the expiring-soon warning.
type ReservationExpiringJobParams struct {
	Logger  *logger.Logger
	DB      txRunner
	Sweeper expiringFinder
	Outbox  outboxEmitter
	Within  time.Duration
}

// NewReservationExpiringJob queues one reservation_expiring_soon event per
// product holding reservations that lapse inside the window. A product whose
// previous warning is still unpublished is not warned again.
func NewReservationExpiringJob(params ReservationExpiringJobParams) (Job, error) {
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
	within := params.Within
	if within <= 0 {
		within = defaultExpiringWithin
	}
	return &reservationExpiringJob{
		logg:    params.Logger,
		db:      params.DB,
		sweeper: params.Sweeper,
		outbox:  params.Outbox,
		within:  within,
	}, nil
}

type reservationExpiringJob struct {
	logg    *logger.Logger
	db      txRunner
	sweeper expiringFinder
	outbox  outboxEmitter
	within  time.Duration
}

func (j *reservationExpiringJob) Name() string { return ReservationExpiringJobName }

func (j *reservationExpiringJob) Run(ctx context.Context) error {
	items, err := j.sweeper.ExpiringSoon(ctx, j.within)
	if err != nil {
		return fmt.Errorf("query expiring reservations: %w", err)
	}

	grouped := groupExpiring(items)
	productIDs := make([]uuid.UUID, 0, len(grouped))
	for id := range grouped {
		productIDs = append(productIDs, id)
	}
	slices.SortFunc(productIDs, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })

	var errs error
	queued := 0
	for _, productID := range productIDs {
		units := grouped[productID]
		var emitted bool
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			emitted, err = j.outbox.EmitIfNotPending(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventReservationExpiringSoon,
				AggregateType: enums.AggregateProduct,
				AggregateID:   productID,
				Actor:         &outbox.ActorRef{Service: serviceName, Job: ReservationExpiringJobName},
				Data: payloads.ReservationExpiringSoonEvent{
					ProductID:     productID,
					WindowSeconds: int64(j.within / time.Second),
					Units:         units,
				},
				Version: 1,
			})
			return err
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("queue expiring event for %s: %w", productID, err))
			continue
		}
		if emitted {
			queued++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"units":    len(items),
		"products": len(productIDs),
		"queued":   queued,
	})
	j.logg.Info(logCtx, "expiring reservation scan complete")
	return errs
}

func groupExpiring(items []models.StockItem) map[uuid.UUID][]payloads.ExpiringUnit {
	out := make(map[uuid.UUID][]payloads.ExpiringUnit)
	for _, item := range items {
		if item.ReservedUntil == nil {
			continue
		}
		out[item.ProductID] = append(out[item.ProductID], payloads.ExpiringUnit{
			StockItemID:   item.ID,
			ReservedUntil: item.ReservedUntil.UTC(),
		})
	}
	return out
}
