package scheduler

import (
	"time"

	"github.com/voyagecrm/affiliate/internal/config"
)

// Config controls scheduler intervals, batch sizes and the recovery grace
// window.
type Config struct {
	RunInterval     time.Duration
	SweepBatchSize  int
	OutboxBatchSize int
	RecoveryGrace   time.Duration
	// EnabledJobs limits which jobs run; empty means all (monolith mode).
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		SweepBatchSize:  50,
		OutboxBatchSize: 100,
		RecoveryGrace:   24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = defaults.OutboxBatchSize
	}
	if c.RecoveryGrace <= 0 {
		c.RecoveryGrace = defaults.RecoveryGrace
	}
	return c
}

// ProvideConfig derives the scheduler config from the application config.
func ProvideConfig(cfg config.Config) Config {
	out := DefaultConfig()
	if cfg.RecoveryGraceHours > 0 {
		out.RecoveryGrace = time.Duration(cfg.RecoveryGraceHours) * time.Hour
	}
	return out
}
