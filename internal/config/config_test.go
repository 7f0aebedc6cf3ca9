package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "@every 5m", cfg.SweepSchedule)
	assert.Equal(t, 10, cfg.SweepBatch)
	assert.Equal(t, 20, cfg.SweepLimit)
	assert.Equal(t, 15*time.Minute, cfg.StaleLockAfter)
	assert.Equal(t, CacheMemory, cfg.TemplateCache)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, "8080", cfg.APIPort)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/ticketmail")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("STALE_LOCK_AFTER", "30m")
	t.Setenv("SWEEP_SCHEDULE", "*/5 * * * *")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.StaleLockAfter)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			StoreDriver:   DriverMemory,
			TemplateCache: CacheNone,
			WorkerCount:   1,
			RateLimit:     1,
			MaxAttempts:   5,
			SweepBatch:    10,
			SweepLimit:    20,
			SweepSchedule: "@every 5m",
			Timezone:      "UTC",
		}
	}
	c := valid()
	require.NoError(t, c.Validate())

	cases := map[string]func(*Config){
		"unknown driver":        func(c *Config) { c.StoreDriver = "mongo" },
		"postgres without url":  func(c *Config) { c.StoreDriver = DriverPostgres },
		"firestore w/o project": func(c *Config) { c.StoreDriver = DriverFirestore },
		"redis without url":     func(c *Config) { c.TemplateCache = CacheRedis },
		"unknown cache":         func(c *Config) { c.TemplateCache = "disk" },
		"no workers":            func(c *Config) { c.WorkerCount = 0 },
		"no attempts":           func(c *Config) { c.MaxAttempts = 0 },
		"bad schedule":          func(c *Config) { c.SweepSchedule = "sometimes" },
		"bad timezone":          func(c *Config) { c.Timezone = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
