package main

import (
	"context"
	"errors"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/config"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/metrics"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 500 * time.Millisecond
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	InventoryPublisher() *gcppubsub.Publisher
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type ServiceParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	Registry         registryResolver
	DLQRepository    dlqRepository
	Metrics          *metrics.OutboxMetrics
	PublisherFactory publisherFactory
}

// Service drains outbox_events into Pub/Sub. Each batch runs in one
// transaction so row claims, status updates and DLQ inserts commit together.
type Service struct {
	logg             *logger.Logger
	db               dbClient
	pubsub           pubSubClient
	repo             outboxRepository
	registry         registryResolver
	dlq              dlqRepository
	metrics          *metrics.OutboxMetrics
	publisherFactory publisherFactory

	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

func NewService(p ServiceParams) (*Service, error) {
	switch {
	case p.Config == nil:
		return nil, errors.New("config is required")
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("database client is required")
	case p.PubSub == nil:
		return nil, errors.New("pubsub client is required")
	case p.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case p.Registry == nil:
		return nil, errors.New("event registry is required")
	case p.DLQRepository == nil:
		return nil, errors.New("dlq repository is required")
	}

	s := &Service{
		logg:             p.Logger,
		db:               p.DB,
		pubsub:           p.PubSub,
		repo:             p.Repository,
		registry:         p.Registry,
		dlq:              p.DLQRepository,
		metrics:          p.Metrics,
		publisherFactory: p.PublisherFactory,
		batchSize:        positiveOr(p.Config.Outbox.BatchSize, defaultBatchSize),
		maxAttempts:      positiveOr(p.Config.Outbox.MaxAttempts, defaultMaxAttempts),
		pollInterval:     defaultPollInterval,
	}
	if ms := p.Config.Outbox.PollIntervalMS; ms > 0 {
		s.pollInterval = time.Duration(ms) * time.Millisecond
	}
	if s.publisherFactory == nil {
		s.publisherFactory = cachedPublishers(p.PubSub, p.Config.PubSub.InventoryTopic)
	}
	return s, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Run polls until ctx is canceled. Empty polls wait one jittered interval;
// failed batches back off exponentially up to maxBackoff.
func (s *Service) Run(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{"database": s.db.Ping, "pubsub": s.pubsub.Ping} {
		if err := ping(ctx); err != nil {
			s.logg.Error(s.logg.WithField(ctx, "dependency", name), "publisher dependency unavailable", err)
			return err
		}
	}
	s.logg.Debug(ctx, "outbox dependencies ready")

	idle := retry.WithJitter(jitterWindow, retry.NewConstant(s.pollInterval))
	failing := newFailureBackoff(s.pollInterval)

	for ctx.Err() == nil {
		processed, err := s.processBatch(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			wait, _ = failing.Next()
		case processed:
			failing = newFailureBackoff(s.pollInterval)
			continue
		default:
			failing = newFailureBackoff(s.pollInterval)
			wait, _ = idle.Next()
		}
		if err := sleepCtx(ctx, wait); err != nil {
			break
		}
	}
	s.logg.Info(ctx, "outbox publisher context canceled")
	return ctx.Err()
}

// newFailureBackoff doubles from base up to maxBackoff. A fresh value is
// built after every successful batch to reset the exponent.
func newFailureBackoff(base time.Duration) retry.Backoff {
	return retry.WithJitter(jitterWindow, retry.WithCappedDuration(maxBackoff, retry.NewExponential(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// processBatch reports whether any row was claimed. Per-row publish failures
// are recorded on the row; only storage errors abort the batch.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	var claimed int
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		claimed = len(rows)
		for _, row := range rows {
			if err := s.deliver(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if claimed > 0 {
		s.metrics.ObserveBatch(claimed)
	}
	return claimed > 0, err
}
