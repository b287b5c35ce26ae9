package config

import (
	"fmt"
	"time"
)

// SchedulerConfig configures the cron scheduler loop.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"RATCHET_SCHEDULER_ENABLED"`
	PollInterval time.Duration `yaml:"poll_interval" env:"RATCHET_SCHEDULER_POLL_INTERVAL"`
}

func (c *SchedulerConfig) applyDefaults() {
	c.Enabled = true
	c.PollInterval = time.Second
}

// Validate checks scheduler bounds.
func (c *SchedulerConfig) Validate() error {
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("scheduler.poll_interval must be at least 100ms, got %s", c.PollInterval)
	}
	return nil
}
