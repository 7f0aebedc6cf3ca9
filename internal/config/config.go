package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"

	"TicketMail/internal/errs"
)

const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"

	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

type Config struct {
	// ----------------------------
	// Store
	// ----------------------------
	StoreDriver      string `envconfig:"STORE_DRIVER" default:"memory"`
	DatabaseURL      string `envconfig:"DATABASE_URL" default:""`
	FirestoreProject string `envconfig:"FIRESTORE_PROJECT" default:""`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount    int           `envconfig:"WORKER_COUNT" default:"4"`
	RateLimit      int           `envconfig:"RATE_LIMIT" default:"10"`
	MaxAttempts    int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	StaleLockAfter time.Duration `envconfig:"STALE_LOCK_AFTER" default:"15m"`

	// ----------------------------
	// Sweep
	// ----------------------------
	SweepSchedule string `envconfig:"SWEEP_SCHEDULE" default:"@every 5m"`
	SweepBatch    int    `envconfig:"SWEEP_BATCH" default:"10"`
	SweepLimit    int    `envconfig:"SWEEP_LIMIT" default:"20"`

	// ----------------------------
	// Templates
	// ----------------------------
	TemplateCache        string        `envconfig:"TEMPLATE_CACHE" default:"memory"`
	RedisURL             string        `envconfig:"REDIS_URL" default:""`
	TemplateCacheTTL     time.Duration `envconfig:"TEMPLATE_CACHE_TTL" default:"10m"`
	TemplateFetchTimeout time.Duration `envconfig:"TEMPLATE_FETCH_TIMEOUT" default:"15s"`
	Timezone             string        `envconfig:"TIMEZONE" default:"Europe/Berlin"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Logging
	// ----------------------------
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errs.Wrap(err, "process env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errs.New("DATABASE_URL is required for the postgres store")
		}
	case DriverFirestore:
		if c.FirestoreProject == "" {
			return errs.New("FIRESTORE_PROJECT is required for the firestore store")
		}
	default:
		return errs.Newf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.TemplateCache {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if c.RedisURL == "" {
			return errs.New("REDIS_URL is required for the redis template cache")
		}
	default:
		return errs.Newf("unknown TEMPLATE_CACHE %q", c.TemplateCache)
	}

	if c.WorkerCount < 1 {
		return errs.New("WORKER_COUNT must be at least 1")
	}
	if c.RateLimit < 1 {
		return errs.New("RATE_LIMIT must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return errs.New("MAX_ATTEMPTS must be at least 1")
	}
	if c.SweepBatch < 1 || c.SweepLimit < 1 {
		return errs.New("SWEEP_BATCH and SWEEP_LIMIT must be at least 1")
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return errs.Wrapf(err, "invalid SWEEP_SCHEDULE %q", c.SweepSchedule)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errs.Wrapf(err, "invalid TIMEZONE %q", c.Timezone)
	}
	return nil
}
