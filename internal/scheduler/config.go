package scheduler

import (
	"time"

	"github.com/smallbiznis/cobro/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	MaxBatchesPerRun  int
	RecoveryThreshold time.Duration
	JobTimeout        time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		MaxBatchesPerRun:  20,
		RecoveryThreshold: 15 * time.Minute,
		JobTimeout:        45 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:       cfg.Scheduler.RunInterval,
		BatchSize:         cfg.Scheduler.BatchSize,
		RecoveryThreshold: cfg.Scheduler.RecoveryThreshold,
		EnabledJobs:       cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxBatchesPerRun <= 0 {
		c.MaxBatchesPerRun = defaults.MaxBatchesPerRun
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
