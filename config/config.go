package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is read from the environment once at startup; see Load.
type Config struct {
	App           AppConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Ledger        LedgerConfig
	Scheduler     SchedulerConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
}

type AppConfig struct {
	Name        string
	Environment Environment
	Debug       bool
	Version     string

	// SchoolName is printed on receipts.
	SchoolName string

	// Timezone the school keeps its calendar in (default: Africa/Nairobi).
	// Day and month reports and term dates are evaluated in it.
	Timezone string
	Location *time.Location

	ShutdownTimeout time.Duration
}

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64

	EnableCORS     bool
	AllowedOrigins []string

	RateLimitPerMinute int           // per client IP, 0 disables
	RetryAfter         time.Duration // sent with 503 busy responses
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory driver keeps everything
	// in-process and is meant for development and demos.
	Driver string

	// URL wins over the individual settings below, e.g.
	// postgres://ledger@db:5432/fee_ledger?sslmode=require
	URL string

	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration

	AutoMigrate bool
}

type RedisConfig struct {
	// URL wins over Host/Port, e.g. redis://host:6379/0
	URL string

	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Disabled runs a single instance on in-process locks and limits
	// without a balance cache.
	Disabled bool
}

// LedgerConfig tunes the coordination of the payment path.
type LedgerConfig struct {
	// How long a writer waits for a student lock or the term barrier
	LockTimeout time.Duration

	// Lease on a Redis student lock; a crashed holder loses it after this
	LockTTL time.Duration

	// In-process retries of a busy write before the client sees 503
	BusyRetries int

	// How long projected balances may be served from cache
	BalanceCacheTTL time.Duration
}

type SchedulerConfig struct {
	Enabled bool

	// Cron expressions, evaluated in the school timezone
	ActivateTermCron    string
	RebuildBalancesCron string

	// Jobs hold a Redis lease for at most this long so one instance runs them
	GuardTTL time.Duration

	JobTimeout time.Duration
}

type AuthConfig struct {
	Header string

	// bcrypt hashes of accepted API keys
	APIKeyHashes []string
}

type ObservabilityConfig struct {
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text
}

// Load reads the environment, after a .env file in the working directory
// when there is one; real variables win over the file. Malformed values
// are reported together with validation failures.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := &envReader{}
	timezone := env.str("APP_TIMEZONE", "Africa/Nairobi")
	loc, _ := time.LoadLocation(timezone)
	appEnv := Environment(env.str("APP_ENV", string(EnvDevelopment)))

	cfg := &Config{
		App: AppConfig{
			Name:            env.str("APP_NAME", "school-fee-ledger"),
			Environment:     appEnv,
			Debug:           env.boolean("APP_DEBUG", false) || appEnv == EnvDevelopment,
			Version:         env.str("APP_VERSION", "0.1.0"),
			SchoolName:      env.str("SCHOOL_NAME", ""),
			Timezone:        timezone,
			Location:        loc,
			ShutdownTimeout: env.duration("APP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		HTTP: HTTPConfig{
			Host:               env.str("HTTP_HOST", "0.0.0.0"),
			Port:               env.integer("HTTP_PORT", 8080),
			ReadTimeout:        env.duration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       env.duration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:        env.duration("HTTP_IDLE_TIMEOUT", time.Minute),
			MaxBodyBytes:       int64(env.integer("HTTP_MAX_BODY_BYTES", 1<<20)),
			EnableCORS:         env.boolean("HTTP_ENABLE_CORS", false),
			AllowedOrigins:     env.list("HTTP_ALLOWED_ORIGINS"),
			RateLimitPerMinute: env.integer("HTTP_RATE_LIMIT_PER_MINUTE", 300),
			RetryAfter:         env.duration("HTTP_RETRY_AFTER", time.Second),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(env.str("STORAGE_DRIVER", DriverPostgres)),
			URL:             env.str("DATABASE_URL", ""),
			Host:            env.str("DB_HOST", ""),
			Port:            env.integer("DB_PORT", 5432),
			Name:            env.str("DB_NAME", "fee_ledger"),
			User:            env.str("DB_USER", "postgres"),
			Password:        env.str("DB_PASSWORD", ""),
			SSLMode:         env.str("DB_SSLMODE", "prefer"),
			MaxConns:        env.integer("DB_MAX_CONNS", 10),
			MinConns:        env.integer("DB_MIN_CONNS", 2),
			ConnMaxLifetime: env.duration("DB_CONN_MAX_LIFETIME", time.Hour),
			ConnMaxIdleTime: env.duration("DB_CONN_MAX_IDLE_TIME", 30*time.Minute),
			ConnectTimeout:  env.duration("DB_CONNECT_TIMEOUT", 10*time.Second),
			AutoMigrate:     env.boolean("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL:          env.str("REDIS_URL", ""),
			Host:         env.str("REDIS_HOST", "localhost"),
			Port:         env.integer("REDIS_PORT", 6379),
			Password:     env.str("REDIS_PASSWORD", ""),
			DB:           env.integer("REDIS_DB", 0),
			PoolSize:     env.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: env.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  env.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  env.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: env.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			Disabled:     env.boolean("REDIS_DISABLED", false),
		},
		Ledger: LedgerConfig{
			LockTimeout:     env.duration("LEDGER_LOCK_TIMEOUT", 5*time.Second),
			LockTTL:         env.duration("LEDGER_LOCK_TTL", 30*time.Second),
			BusyRetries:     env.integer("LEDGER_BUSY_RETRIES", 2),
			BalanceCacheTTL: env.duration("LEDGER_BALANCE_CACHE_TTL", 10*time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:             env.boolean("SCHEDULER_ENABLED", true),
			ActivateTermCron:    env.str("SCHEDULER_ACTIVATE_TERM_CRON", "5 0 * * *"),
			RebuildBalancesCron: env.str("SCHEDULER_REBUILD_BALANCES_CRON", "30 2 * * *"),
			GuardTTL:            env.duration("SCHEDULER_GUARD_TTL", 15*time.Minute),
			JobTimeout:          env.duration("SCHEDULER_JOB_TIMEOUT", 30*time.Minute),
		},
		Auth: AuthConfig{
			Header:       env.str("API_KEY_HEADER", "X-API-Key"),
			APIKeyHashes: env.list("API_KEY_HASHES"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  env.str("LOG_LEVEL", "info"),
			LogFormat: env.str("LOG_FORMAT", "json"),
		},
	}

	problems := append(env.problems, cfg.problems()...)
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return cfg, nil
}

// problems lists every inconsistency so they can be fixed in one go.
func (c *Config) problems() []string {
	var out []string
	add := func(format string, args ...any) { out = append(out, fmt.Sprintf(format, args...)) }

	if c.App.Location == nil {
		add("APP_TIMEZONE %q is not a known time zone", c.App.Timezone)
	}
	if !slices.Contains([]Environment{EnvDevelopment, EnvStaging, EnvProduction}, c.App.Environment) {
		add("APP_ENV %q must be development, staging or production", c.App.Environment)
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" && c.Database.Host == "" {
			add("DATABASE_URL or DB_HOST is required for the postgres driver")
		}
	case DriverMemory:
		if c.IsProduction() {
			add("STORAGE_DRIVER=memory is not allowed in production")
		}
	default:
		add("STORAGE_DRIVER must be %q or %q", DriverPostgres, DriverMemory)
	}
	if c.IsProduction() && len(c.Auth.APIKeyHashes) == 0 {
		add("API_KEY_HASHES is required in production")
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		add("HTTP_PORT must be 1-65535")
	}
	if c.HTTP.RateLimitPerMinute < 0 {
		add("HTTP_RATE_LIMIT_PER_MINUTE cannot be negative")
	}
	if c.Ledger.LockTimeout <= 0 {
		add("LEDGER_LOCK_TIMEOUT must be positive")
	}
	if c.Ledger.LockTTL < c.Ledger.LockTimeout {
		add("LEDGER_LOCK_TTL must not be shorter than LEDGER_LOCK_TIMEOUT")
	}
	if c.Ledger.BusyRetries < 0 {
		add("LEDGER_BUSY_RETRIES cannot be negative")
	}
	if c.Scheduler.Enabled && (c.Scheduler.ActivateTermCron == "" || c.Scheduler.RebuildBalancesCron == "") {
		add("scheduler cron expressions cannot be empty")
	}
	return out
}

func (c *Config) IsDevelopment() bool { return c.App.Environment == EnvDevelopment }

func (c *Config) IsProduction() bool { return c.App.Environment == EnvProduction }

// envReader reads typed variables. Unset and empty variables take the
// default; unparsable ones take it too but are remembered in problems.
type envReader struct {
	problems []string
}

func (r *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (r *envReader) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

func (r *envReader) integer(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not an integer", key, v))
		return def
	}
	return n
}

func (r *envReader) boolean(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not a boolean", key, v))
		return def
	}
	return b
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not a duration (e.g. 30s, 5m)", key, v))
		return def
	}
	return d
}

// list splits a comma separated value and drops blank items; nil when unset.
func (r *envReader) list(key string) []string {
	v, ok := r.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
