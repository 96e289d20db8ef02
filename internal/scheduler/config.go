package scheduler

import (
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
)

const (
	JobMonthlyGrant     = "monthly_grant"
	JobReconcile        = "reconcile"
	JobPurgeExpiredKeys = "purge_expired_keys"
)

// Config controls scheduler intervals and per-job timeouts.
type Config struct {
	RunInterval      time.Duration
	EnabledJobs      []string
	GrantTimeout     time.Duration
	ReconcileEvery   time.Duration
	ReconcileTimeout time.Duration
	PurgeEvery       time.Duration
	PurgeTimeout     time.Duration
	GrantBatchSize   int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		GrantTimeout:     30 * time.Minute,
		ReconcileEvery:   time.Hour,
		ReconcileTimeout: 5 * time.Minute,
		PurgeEvery:       24 * time.Hour,
		PurgeTimeout:     time.Minute,
		GrantBatchSize:   200,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.GrantTimeout <= 0 {
		c.GrantTimeout = defaults.GrantTimeout
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = defaults.ReconcileEvery
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = defaults.ReconcileTimeout
	}
	if c.PurgeEvery <= 0 {
		c.PurgeEvery = defaults.PurgeEvery
	}
	if c.PurgeTimeout <= 0 {
		c.PurgeTimeout = defaults.PurgeTimeout
	}
	if c.GrantBatchSize <= 0 {
		c.GrantBatchSize = defaults.GrantBatchSize
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:    cfg.Scheduler.Interval,
		EnabledJobs:    cfg.Scheduler.Jobs,
		GrantBatchSize: cfg.Grant.PageSize,
	}.withDefaults()
}
