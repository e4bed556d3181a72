package scheduler

import (
	"time"

	"github.com/smallbiznis/tenantbilling/internal/config"
)

// Config controls the daily sweep cadence, page sizes and timeouts.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	MaxWorkers        int
	DispatchBatchSize int
	LifecycleTimeout  time.Duration
	DispatchTimeout   time.Duration
	LockTTL           time.Duration
	InProcess         bool
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       24 * time.Hour,
		BatchSize:         100,
		MaxWorkers:        4,
		DispatchBatchSize: 200,
		LifecycleTimeout:  20 * time.Minute,
		DispatchTimeout:   5 * time.Minute,
		LockTTL:           30 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.InProcess = cfg.SchedulerInProcess
	return c
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaults.MaxWorkers
	}
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = defaults.DispatchBatchSize
	}
	if c.LifecycleTimeout <= 0 {
		c.LifecycleTimeout = defaults.LifecycleTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaults.DispatchTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
