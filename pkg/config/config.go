package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Storage      StorageConfig
	Media        MediaConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Media.validate(); err != nil {
		return nil, err
	}
	if cfg.Media.LockBackend == LockBackendRedis && !cfg.Redis.Enabled() {
		return nil, fmt.Errorf("%s=redis requires %s or %s", EnvLockBackend, EnvRedisURL, EnvRedisAddr)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MEDIASTORE_APP_ENV" required:"true"`
	Port         string `envconfig:"MEDIASTORE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"MEDIASTORE_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"MEDIASTORE_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"MEDIASTORE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"MEDIASTORE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"MEDIASTORE_DB_DSN"`
	Driver string `envconfig:"MEDIASTORE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MEDIASTORE_DB_HOST"`
	LegacyPort     int    `envconfig:"MEDIASTORE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MEDIASTORE_DB_USER"`
	LegacyPassword string `envconfig:"MEDIASTORE_DB_PASSWORD"`
	LegacyName     string `envconfig:"MEDIASTORE_DB_NAME"`
	LegacySSLMode  string `envconfig:"MEDIASTORE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MEDIASTORE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MEDIASTORE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MEDIASTORE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MEDIASTORE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the catalog runs on sqlite.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"MEDIASTORE_REDIS_URL"`
	Address      string        `envconfig:"MEDIASTORE_REDIS_ADDR"`
	Password     string        `envconfig:"MEDIASTORE_REDIS_PASSWORD"`
	DB           int           `envconfig:"MEDIASTORE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MEDIASTORE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MEDIASTORE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MEDIASTORE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MEDIASTORE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MEDIASTORE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type StorageConfig struct {
	Root       string `envconfig:"MEDIASTORE_STORAGE_ROOT" default:"./data/media"`
	StagingDir string `envconfig:"MEDIASTORE_STAGING_DIR" default:"./data/staging"`
}

// MediaConfig tunes ingestion, derivative generation and the path lock.
//
// LockBackend "memory" only excludes within one process. Running several api
// processes against the same storage root requires "redis".
type MediaConfig struct {
	MaxUploadMB      int           `envconfig:"MEDIASTORE_MAX_UPLOAD_MB" default:"200"`
	DerivativeWidths []int         `envconfig:"MEDIASTORE_DERIVATIVE_WIDTHS" default:"150,300,600,1024,1500,2048,2560"`
	DerivativeFormat string        `envconfig:"MEDIASTORE_DERIVATIVE_FORMAT" default:"jpeg"`
	ImageQuality     int           `envconfig:"MEDIASTORE_IMAGE_QUALITY" default:"82"`
	Workers          int           `envconfig:"MEDIASTORE_DERIVATIVE_WORKERS" default:"2"`
	QueueSize        int           `envconfig:"MEDIASTORE_DERIVATIVE_QUEUE_SIZE" default:"64"`
	RetryCeiling     int           `envconfig:"MEDIASTORE_RETRY_CEILING" default:"5"`
	RetryBaseDelay   time.Duration `envconfig:"MEDIASTORE_RETRY_BASE_DELAY" default:"100ms"`
	LockBackend      string        `envconfig:"MEDIASTORE_LOCK_BACKEND" default:"memory"`
	LockTTL          time.Duration `envconfig:"MEDIASTORE_LOCK_TTL" default:"2m"`
}

// MaxUploadBytes converts MaxUploadMB to bytes.
func (m MediaConfig) MaxUploadBytes() int64 {
	return int64(m.MaxUploadMB) * 1024 * 1024
}

// SortedWidths returns the configured ladder ascending without duplicates.
func (m MediaConfig) SortedWidths() []int {
	seen := make(map[int]struct{}, len(m.DerivativeWidths))
	out := make([]int, 0, len(m.DerivativeWidths))
	for _, w := range m.DerivativeWidths {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}

func (m *MediaConfig) validate() error {
	if len(m.DerivativeWidths) == 0 {
		return fmt.Errorf("%s must list at least one width", EnvDerivativeWidths)
	}
	for _, w := range m.DerivativeWidths {
		if w <= 0 {
			return fmt.Errorf("%s contains non-positive width %d", EnvDerivativeWidths, w)
		}
	}
	m.DerivativeFormat = strings.ToLower(strings.TrimSpace(m.DerivativeFormat))
	switch m.DerivativeFormat {
	case "jpeg", "png":
	default:
		return fmt.Errorf("%s must be jpeg or png, got %q", EnvDerivativeFormat, m.DerivativeFormat)
	}
	m.LockBackend = strings.ToLower(strings.TrimSpace(m.LockBackend))
	switch m.LockBackend {
	case LockBackendMemory, LockBackendRedis:
	default:
		return fmt.Errorf("%s must be memory or redis, got %q", EnvLockBackend, m.LockBackend)
	}
	return nil
}

type CronConfig struct {
	Interval     time.Duration `envconfig:"MEDIASTORE_CRON_INTERVAL" default:"15m"`
	StuckAfter   time.Duration `envconfig:"MEDIASTORE_CRON_STUCK_AFTER" default:"30m"`
	AuditEnabled bool          `envconfig:"MEDIASTORE_CRON_AUDIT_ENABLED" default:"true"`
	BatchSize    int           `envconfig:"MEDIASTORE_CRON_BATCH_SIZE" default:"100"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"MEDIASTORE_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required when %s=sqlite", EnvDBDSN, EnvDBDriver)
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
