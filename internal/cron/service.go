package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/metrics"
)

const defaultInterval = 5 * time.Minute

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Locks    LockFactory
	Metrics  *metrics.CronJobMetrics
	// Interval applies to entries registered without one.
	Interval time.Duration
}

// Service runs every registered job on its own cadence.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	locks    LockFactory
	metrics  *metrics.CronJobMetrics
	interval time.Duration
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Locks == nil {
		return nil, fmt.Errorf("lock factory required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		locks:    params.Locks,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Run starts one loop per job and blocks until the context is canceled or a
// loop fails to start.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, entry := range s.registry.Entries() {
		lock, err := s.locks(entry.Job.Name())
		if err != nil {
			return fmt.Errorf("lock for %s: %w", entry.Job.Name(), err)
		}
		every := entry.Every
		if every <= 0 {
			every = s.interval
		}
		job := entry.Job
		group.Go(func() error {
			return s.loop(groupCtx, job, lock, every)
		})
	}
	err := group.Wait()
	s.logg.Info(ctx, "cron service stopped")
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

func (s *Service) loop(ctx context.Context, job Job, lock Lock, every time.Duration) error {
	ctx = s.logg.WithJob(ctx, job.Name())
	s.runCycle(ctx, job, lock)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx, job, lock)
		}
	}
}

// runCycle reports whether the job ran in this cycle.
func (s *Service) runCycle(ctx context.Context, job Job, lock Lock) bool {
	locked, err := lock.Acquire(ctx)
	if err != nil {
		s.logg.Error(ctx, "cron lock acquire failed", err)
		s.metrics.IncFailure(job.Name())
		return false
	}
	if !locked {
		s.logg.Info(ctx, "job already running elsewhere; skipping this cycle")
		s.metrics.IncSkipped(job.Name())
		return false
	}
	defer func() {
		// release even when the cycle was canceled mid-run
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "failed to release cron lock", relErr)
		}
	}()
	s.runJob(ctx, job)
	return true
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logg.WithField(ctx, "event", "cron.job")
	s.logg.Info(jobCtx, "job start")
	start := time.Now()
	err := job.Run(jobCtx)
	duration := time.Since(start)
	s.metrics.ObserveDuration(job.Name(), duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.IncFailure(job.Name())
		return
	}
	s.logg.Info(jobCtx, "job completed")
	s.metrics.IncSuccess(job.Name())
}
