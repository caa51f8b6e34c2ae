package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Inventory    InventoryConfig
	Cron         CronConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Inventory.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"VAULTKEYS_APP_ENV" required:"true"`
	Port         string `envconfig:"VAULTKEYS_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"VAULTKEYS_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"VAULTKEYS_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"VAULTKEYS_SERVICE_KIND" default:"cron-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"VAULTKEYS_DB_DSN"`
	Driver string `envconfig:"VAULTKEYS_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"VAULTKEYS_DB_HOST"`
	LegacyPort     int    `envconfig:"VAULTKEYS_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"VAULTKEYS_DB_USER"`
	LegacyPassword string `envconfig:"VAULTKEYS_DB_PASSWORD"`
	LegacyName     string `envconfig:"VAULTKEYS_DB_NAME"`
	LegacySSLMode  string `envconfig:"VAULTKEYS_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"VAULTKEYS_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"VAULTKEYS_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"VAULTKEYS_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"VAULTKEYS_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"VAULTKEYS_DB_SLOW_QUERY" default:"200ms"`
}

// IsSQLite reports whether the embedded SQLite driver is selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"VAULTKEYS_REDIS_URL"`
	Address      string        `envconfig:"VAULTKEYS_REDIS_ADDR"`
	Password     string        `envconfig:"VAULTKEYS_REDIS_PASSWORD"`
	DB           int           `envconfig:"VAULTKEYS_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"VAULTKEYS_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"VAULTKEYS_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"VAULTKEYS_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"VAULTKEYS_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"VAULTKEYS_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"VAULTKEYS_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"VAULTKEYS_AUTO_MIGRATE" default:"false"`
}

// InventoryConfig tunes the reservation engine.
type InventoryConfig struct {
	DefaultReservationTTL  time.Duration `envconfig:"VAULTKEYS_INVENTORY_RESERVATION_TTL" default:"15m"`
	DefaultLowStock        int           `envconfig:"VAULTKEYS_INVENTORY_LOW_STOCK_THRESHOLD" default:"5"`
	ExpiringSoonWithin     time.Duration `envconfig:"VAULTKEYS_INVENTORY_EXPIRING_SOON_WITHIN" default:"5m"`
	LockBackend            string        `envconfig:"VAULTKEYS_INVENTORY_LOCK_BACKEND" default:"local"`
	LockWaitTimeout        time.Duration `envconfig:"VAULTKEYS_INVENTORY_LOCK_WAIT_TIMEOUT" default:"5s"`
	LockTTL                time.Duration `envconfig:"VAULTKEYS_INVENTORY_LOCK_TTL" default:"30s"`
	MaxRetries             uint64        `envconfig:"VAULTKEYS_INVENTORY_MAX_RETRIES" default:"5"`
	RetryBaseBackoff       time.Duration `envconfig:"VAULTKEYS_INVENTORY_RETRY_BASE_BACKOFF" default:"25ms"`
	LowStockNotifyCooldown time.Duration `envconfig:"VAULTKEYS_INVENTORY_LOW_STOCK_NOTIFY_COOLDOWN" default:"6h"`
}

// UsesRedisLocks reports whether product locks are coordinated through redis.
func (i InventoryConfig) UsesRedisLocks() bool {
	return strings.EqualFold(strings.TrimSpace(i.LockBackend), LockBackendRedis)
}

func (i InventoryConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(i.LockBackend)) {
	case LockBackendLocal, LockBackendRedis:
	default:
		return fmt.Errorf("%s must be %q or %q", EnvInventoryLockBackend, LockBackendLocal, LockBackendRedis)
	}
	if i.DefaultLowStock < 0 {
		return fmt.Errorf("%s must be non-negative", EnvInventoryLowStock)
	}
	if i.DefaultReservationTTL <= 0 {
		return fmt.Errorf("%s must be positive", EnvInventoryReservationTTL)
	}
	return nil
}

// CronConfig holds per-job cadences for the cron worker.
type CronConfig struct {
	SweepInterval        time.Duration `envconfig:"VAULTKEYS_CRON_SWEEP_INTERVAL" default:"5m"`
	ExpiringSoonInterval time.Duration `envconfig:"VAULTKEYS_CRON_EXPIRING_SOON_INTERVAL" default:"2m"`
	LowStockInterval     time.Duration `envconfig:"VAULTKEYS_CRON_LOW_STOCK_INTERVAL" default:"15m"`
	LockTTL              time.Duration `envconfig:"VAULTKEYS_CRON_LOCK_TTL" default:"10m"`
	OpsPort              string        `envconfig:"VAULTKEYS_CRON_OPS_PORT" default:"9090"`
	OutboxRetention      time.Duration `envconfig:"VAULTKEYS_CRON_OUTBOX_RETENTION" default:"168h"`
	DLQRetention         time.Duration `envconfig:"VAULTKEYS_CRON_DLQ_RETENTION" default:"720h"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"VAULTKEYS_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	InventoryTopic        string `envconfig:"VAULTKEYS_PUBSUB_INVENTORY_TOPIC" default:"vk-inventory-events"`
	InventorySubscription string `envconfig:"VAULTKEYS_PUBSUB_INVENTORY_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int    `envconfig:"VAULTKEYS_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int    `envconfig:"VAULTKEYS_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int    `envconfig:"VAULTKEYS_OUTBOX_MAX_ATTEMPTS" default:"10"`
	OpsPort        string `envconfig:"VAULTKEYS_OUTBOX_OPS_PORT" default:"9091"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if useSQLite {
		db.Driver = DriverSQLite
		if db.DSN == "" {
			db.DSN = defaultSQLiteDSN
		}
		return nil
	}
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
