package config

// EnvPrefix is handed to envconfig; every field carries its full name explicitly.
const EnvPrefix = "VAULTKEYS"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	LockBackendLocal = "local"
	LockBackendRedis = "redis"

	defaultSQLiteDSN = "file:vaultkeys.db?_busy_timeout=5000&_foreign_keys=on"
)

const (
	EnvAppEnv   = "VAULTKEYS_APP_ENV"
	EnvPort     = "VAULTKEYS_APP_PORT"
	EnvLogLevel = "VAULTKEYS_LOG_LEVEL"

	EnvDBDSN    = "VAULTKEYS_DB_DSN"
	EnvDBDriver = "VAULTKEYS_DB_DRIVER"
	EnvDBHost   = "VAULTKEYS_DB_HOST"
	EnvDBUser   = "VAULTKEYS_DB_USER"
	EnvDBName   = "VAULTKEYS_DB_NAME"

	EnvRedisURL  = "VAULTKEYS_REDIS_URL"
	EnvUseSQLite = "VAULTKEYS_USE_SQLITE"

	EnvInventoryReservationTTL = "VAULTKEYS_INVENTORY_RESERVATION_TTL"
	EnvInventoryLowStock       = "VAULTKEYS_INVENTORY_LOW_STOCK_THRESHOLD"
	EnvInventoryLockBackend    = "VAULTKEYS_INVENTORY_LOCK_BACKEND"

	EnvCronSweepInterval = "VAULTKEYS_CRON_SWEEP_INTERVAL"

	EnvGCPProjectID         = "VAULTKEYS_GCP_PROJECT_ID"
	EnvPubSubInventoryTopic = "VAULTKEYS_PUBSUB_INVENTORY_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
