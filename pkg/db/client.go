package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/config"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
)

// Client wraps the shared GORM connection.
type Client struct {
	conn *gorm.DB
}

// New opens the configured driver, applies pool limits, and logs through logg.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	dialector := sqlite.Open(cfg.DSN)
	if !cfg.IsSQLite() {
		dialector = postgres.New(postgres.Config{DSN: cfg.DSN, PreferSimpleProtocol: true})
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newQueryLogger(logg, cfg.SlowQuery),
		SkipDefaultTransaction: true,
		NowFunc:                UTCNow,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", dialector.Name(), err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}
	applyPoolSettings(sqlDB, cfg)

	if logg != nil {
		logg.Info(logg.WithField(ctx, "driver", dialector.Name()), "database connection established")
	}
	return &Client{conn: conn}, nil
}

// UTCNow is the clock every timestamp column is written with. Keeping all
// values in UTC lets SQLite compare stored timestamps as plain strings.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// NewFromConn wraps an already opened connection (tests, embedded setups).
func NewFromConn(conn *gorm.DB) *Client {
	return &Client{conn: conn}
}

func applyPoolSettings(sqlDB *sql.DB, cfg config.DBConfig) {
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.IsSQLite() {
		// single writer; extra connections only produce SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
}

// DB returns the underlying GORM connection.
func (c *Client) DB() *gorm.DB {
	return c.conn
}

// IsPostgres reports whether the connection talks to Postgres.
func (c *Client) IsPostgres() bool {
	return IsPostgres(c.conn)
}

// IsPostgres reports whether the handle (or transaction) uses the postgres dialect.
func IsPostgres(conn *gorm.DB) bool {
	return conn != nil && conn.Dialector != nil && conn.Dialector.Name() == "postgres"
}

// Ping verifies the datasource is reachable.
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close shuts down the pooled connections.
func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx executes fn inside a transaction, rolling back on error/panic.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return c.withTx(ctx, nil, fn)
}

// WithSerializableTx runs fn under SERIALIZABLE isolation on Postgres. SQLite
// transactions are already serial, so the default options are used there.
func (c *Client) WithSerializableTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if !c.IsPostgres() {
		return c.withTx(ctx, nil, fn)
	}
	return c.withTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
}

func (c *Client) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *gorm.DB) error) error {
	if opts == nil {
		return c.conn.WithContext(ctx).Transaction(fn)
	}
	return c.conn.WithContext(ctx).Transaction(fn, opts)
}
