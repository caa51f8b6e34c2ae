package cron

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
)

const (
	OutboxRetentionJobName = "outbox-retention"

	defaultPublishedRetention = 7 * 24 * time.Hour
	defaultDLQRetention       = 30 * 24 * time.Hour
)

type publishedPruner interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type dlqPruner interface {
	DeleteFailedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// OutboxRetentionJobParams configures pruning of delivered and parked events.
// DLQ is optional; without it only delivered rows are pruned.
type OutboxRetentionJobParams struct {
	Logger             *logger.Logger
	DB                 txRunner
	Repository         publishedPruner
	DLQ                dlqPruner
	PublishedRetention time.Duration
	DLQRetention       time.Duration
}

// NewOutboxRetentionJob builds the daily cleanup for outbox_events and outbox_dlq.
func NewOutboxRetentionJob(p OutboxRetentionJobParams) (Job, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger required")
	case p.DB == nil:
		return nil, errors.New("db runner required")
	case p.Repository == nil:
		return nil, errors.New("outbox repository required")
	}
	if p.PublishedRetention <= 0 {
		p.PublishedRetention = defaultPublishedRetention
	}
	if p.DLQRetention <= 0 {
		p.DLQRetention = defaultDLQRetention
	}
	return &outboxRetentionJob{params: p, now: time.Now}, nil
}

type outboxRetentionJob struct {
	params OutboxRetentionJobParams
	now    func() time.Time
}

func (j *outboxRetentionJob) Name() string { return OutboxRetentionJobName }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	publishedCutoff := now.Add(-j.params.PublishedRetention)
	dlqCutoff := now.Add(-j.params.DLQRetention)

	var published, parked int64
	err := j.params.DB.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		if published, err = j.params.Repository.DeletePublishedBefore(ctx, tx, publishedCutoff); err != nil {
			return err
		}
		if j.params.DLQ == nil {
			return nil
		}
		parked, err = j.params.DLQ.DeleteFailedBefore(ctx, tx, dlqCutoff)
		return err
	})
	if err != nil {
		return err
	}

	logg := j.params.Logger
	logg.Info(logg.WithFields(ctx, map[string]any{
		"published_cutoff": publishedCutoff,
		"published_pruned": published,
		"dlq_cutoff":       dlqCutoff,
		"dlq_pruned":       parked,
	}), "outbox retention cleanup complete")
	return nil
}
