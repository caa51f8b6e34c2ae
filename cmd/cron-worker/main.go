package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/vaultkeys/vaultkeys-backend/internal/catalog"
	"github.com/vaultkeys/vaultkeys-backend/internal/cron"
	"github.com/vaultkeys/vaultkeys-backend/internal/lowstock"
	"github.com/vaultkeys/vaultkeys-backend/internal/ops"
	"github.com/vaultkeys/vaultkeys-backend/internal/reservation"
	"github.com/vaultkeys/vaultkeys-backend/internal/stock"
	"github.com/vaultkeys/vaultkeys-backend/pkg/config"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/instance"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/metrics"
	"github.com/vaultkeys/vaultkeys-backend/pkg/migrate"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox/idempotency"
	"github.com/vaultkeys/vaultkeys-backend/pkg/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
	}
	if cfg.Inventory.UsesRedisLocks() && redisClient == nil {
		logg.Error(context.Background(), "redis lock backend selected without redis", errors.New("redis not configured"))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stockRepo := stock.NewRepository(dbClient.DB())
	catalogRepo := catalog.NewRepository(dbClient.DB())

	locker, err := buildLocker(cfg, logg, redisClient)
	if err != nil {
		logg.Error(context.Background(), "failed to build product locker", err)
		os.Exit(1)
	}

	engine, err := reservation.NewEngine(reservation.EngineParams{
		Tx:               dbClient,
		Store:            stockRepo,
		Products:         catalogRepo,
		Locker:           locker,
		Logger:           logg,
		Metrics:          metrics.NewInventoryMetrics(promRegistry),
		MaxRetries:       cfg.Inventory.MaxRetries,
		RetryBaseBackoff: cfg.Inventory.RetryBaseBackoff,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build reservation engine", err)
		os.Exit(1)
	}
	sweeper, err := reservation.NewSweeper(engine)
	if err != nil {
		logg.Error(context.Background(), "failed to build sweeper", err)
		os.Exit(1)
	}
	monitor, err := lowstock.NewMonitor(catalogRepo, stockRepo, cfg.Inventory.DefaultLowStock, nil)
	if err != nil {
		logg.Error(context.Background(), "failed to build low-stock monitor", err)
		os.Exit(1)
	}

	outboxRepo := outbox.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outboxRepo, logg)

	registry := cron.NewRegistry()
	if err := registerJobs(registry, cfg, logg, dbClient, sweeper, monitor, outboxService, outboxRepo, redisClient); err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	locks := cron.LocalLocks()
	if redisClient != nil {
		locks = cron.RedisLocks(redisClient, cfg.Cron.LockTTL)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Locks:    locks,
		Metrics:  metrics.NewCronJobMetrics(promRegistry),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	checks := map[string]ops.Check{"database": dbClient.Ping}
	if redisClient != nil {
		checks["redis"] = redisClient.Ping
	}
	opsHandler, err := ops.NewRouter(ops.RouterParams{
		Env:      cfg.App.Env,
		Logger:   logg,
		Gatherer: promRegistry,
		Checks:   checks,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build ops router", err)
		os.Exit(1)
	}
	opsServer := &http.Server{
		Addr:              ":" + cfg.Cron.OpsPort,
		Handler:           opsHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"lockBackend": locker.Name(),
		"instance":    instance.ID(),
	})
	logg.Info(ctx, "starting cron worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.Run(gctx)
	})
	g.Go(func() error {
		logg.Info(logg.WithField(gctx, "addr", opsServer.Addr), "ops server listening")
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return opsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildLocker(cfg *config.Config, logg *logger.Logger, redisClient *redis.Client) (reservation.Locker, error) {
	if !cfg.Inventory.UsesRedisLocks() {
		return reservation.NewLocalLocker(cfg.Inventory.LockWaitTimeout), nil
	}
	return reservation.NewRedisLocker(reservation.RedisLockerParams{
		Store:  redisClient,
		Logger: logg,
		TTL:    cfg.Inventory.LockTTL,
		Wait:   cfg.Inventory.LockWaitTimeout,
	})
}

func registerJobs(
	registry *cron.Registry,
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	sweeper *reservation.Sweeper,
	monitor *lowstock.Monitor,
	outboxService *outbox.Service,
	outboxRepo *outbox.Repository,
	redisClient *redis.Client,
) error {
	sweepJob, err := cron.NewReservationSweepJob(cron.ReservationSweepJobParams{
		Logger:  logg,
		DB:      dbClient,
		Sweeper: sweeper,
		Outbox:  outboxService,
	})
	if err != nil {
		return err
	}
	registry.Register(sweepJob, cfg.Cron.SweepInterval)

	expiringJob, err := cron.NewReservationExpiringJob(cron.ReservationExpiringJobParams{
		Logger:  logg,
		DB:      dbClient,
		Sweeper: sweeper,
		Outbox:  outboxService,
		Within:  cfg.Inventory.ExpiringSoonWithin,
	})
	if err != nil {
		return err
	}
	registry.Register(expiringJob, cfg.Cron.ExpiringSoonInterval)

	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:             logg,
		DB:                 dbClient,
		Repository:         outboxRepo,
		DLQ:                outbox.NewDLQRepository(dbClient.DB()),
		PublishedRetention: cfg.Cron.OutboxRetention,
		DLQRetention:       cfg.Cron.DLQRetention,
	})
	if err != nil {
		return err
	}
	registry.Register(retentionJob, 24*time.Hour)

	if redisClient == nil {
		logg.Warn(context.Background(), "redis not configured, low-stock notifications disabled")
		return nil
	}
	guard, err := idempotency.NewManager(redisClient, cfg.Inventory.LowStockNotifyCooldown)
	if err != nil {
		return err
	}
	lowStockJob, err := cron.NewLowStockJob(cron.LowStockJobParams{
		Logger:  logg,
		DB:      dbClient,
		Monitor: monitor,
		Outbox:  outboxService,
		Guard:   guard,
	})
	if err != nil {
		return err
	}
	registry.Register(lowStockJob, cfg.Cron.LowStockInterval)
	return nil
}
