package migrate

import (
	"context"
	"fmt"

	"github.com/vaultkeys/vaultkeys-backend/pkg/config"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
)

// MaybeRunDev brings the schema up to date on dev boots with auto-migrate
// enabled. Postgres runs the embedded goose files; SQLite is built from the
// gorm models.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	if cfg.DB.IsSQLite() {
		logg.Info(ctx, "sqlite automigrate from models")
		if err := AutoMigrateModels(client); err != nil {
			return fmt.Errorf("sqlite automigrate: %w", err)
		}
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	steps, err := Run(ctx, sqlDB, Embedded(), CommandUp, 0)
	if err != nil {
		return err
	}
	logg.Info(logg.WithField(ctx, "applied", len(steps)), "embedded migrations applied")
	return nil
}

// AutoMigrateModels creates the schema straight from the gorm models.
func AutoMigrateModels(client *db.Client) error {
	return client.DB().AutoMigrate(
		&models.Product{},
		&models.StockItem{},
		&models.OutboxEvent{},
		&models.OutboxDLQ{},
	)
}
