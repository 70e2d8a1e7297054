package config

const EnvPrefix = "MEDIASTORE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

const (
	EnvAppEnv           = "MEDIASTORE_APP_ENV"
	EnvPort             = "MEDIASTORE_APP_PORT"
	EnvDBDSN            = "MEDIASTORE_DB_DSN"
	EnvDBDriver         = "MEDIASTORE_DB_DRIVER"
	EnvDBHost           = "MEDIASTORE_DB_HOST"
	EnvDBUser           = "MEDIASTORE_DB_USER"
	EnvDBName           = "MEDIASTORE_DB_NAME"
	EnvRedisURL         = "MEDIASTORE_REDIS_URL"
	EnvRedisAddr        = "MEDIASTORE_REDIS_ADDR"
	EnvStorageRoot      = "MEDIASTORE_STORAGE_ROOT"
	EnvStagingDir       = "MEDIASTORE_STAGING_DIR"
	EnvDerivativeWidths = "MEDIASTORE_DERIVATIVE_WIDTHS"
	EnvDerivativeFormat = "MEDIASTORE_DERIVATIVE_FORMAT"
	EnvLockBackend      = "MEDIASTORE_LOCK_BACKEND"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
