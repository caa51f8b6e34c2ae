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

	"github.com/vaultkeys/vaultkeys-backend/internal/ops"
	"github.com/vaultkeys/vaultkeys-backend/pkg/config"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/instance"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/metrics"
	"github.com/vaultkeys/vaultkeys-backend/pkg/migrate"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox/registry"
	"github.com/vaultkeys/vaultkeys-backend/pkg/pubsub"
)

const serviceKind = "outbox-publisher"

func main() {
	bootCtx := context.Background()
	logg := logger.New(logger.Options{ServiceName: serviceKind})
	fatal := func(msg string, err error) {
		logg.Error(bootCtx, msg, err)
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil {
		logg.Warn(bootCtx, ".env file not found, relying on environment")
	}
	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load config", err)
	}
	cfg.Service.Kind = serviceKind
	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(bootCtx, cfg.DB, logg)
	if err != nil {
		fatal("failed to bootstrap database", err)
	}
	defer dbClient.Close()
	if err := migrate.MaybeRunDev(bootCtx, cfg, logg, dbClient); err != nil {
		fatal("failed to run dev migrations", err)
	}

	pubsubClient, err := pubsub.NewClient(bootCtx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		fatal("failed to bootstrap pubsub", err)
	}
	defer pubsubClient.Close()

	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		fatal("failed to build event registry", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		PubSub:        pubsubClient,
		Repository:    outbox.NewRepository(dbClient.DB()),
		Registry:      eventRegistry,
		DLQRepository: outbox.NewDLQRepository(dbClient.DB()),
		Metrics:       metrics.NewOutboxMetrics(promRegistry),
	})
	if err != nil {
		fatal("failed to create outbox publisher", err)
	}

	opsHandler, err := ops.NewRouter(ops.RouterParams{
		Env:      cfg.App.Env,
		Logger:   logg,
		Gatherer: promRegistry,
		Checks:   map[string]ops.Check{"database": dbClient.Ping, "pubsub": pubsubClient.Ping},
	})
	if err != nil {
		fatal("failed to build ops router", err)
	}
	opsServer := &http.Server{Addr: ":" + cfg.Outbox.OpsPort, Handler: opsHandler, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(bootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"topic":       cfg.PubSub.InventoryTopic,
		"instance":    instance.ID(),
	})
	logg.Info(ctx, "starting outbox publisher")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error {
		if err := opsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return opsServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "outbox publisher shut down")
}
