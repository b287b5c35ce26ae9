package config

import (
	"fmt"
	"runtime"
	"time"
)

// ExecutionConfig configures the process-pool task executor.
type ExecutionConfig struct {
	MinWorkers      int           `yaml:"min_workers" env:"RATCHET_EXECUTION_MIN_WORKERS"`
	MaxWorkers      int           `yaml:"max_workers" env:"RATCHET_EXECUTION_MAX_WORKERS"`
	TaskTimeout     time.Duration `yaml:"task_timeout" env:"RATCHET_EXECUTION_TASK_TIMEOUT"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" env:"RATCHET_EXECUTION_ACQUIRE_TIMEOUT"`
	PingTimeout     time.Duration `yaml:"ping_timeout" env:"RATCHET_EXECUTION_PING_TIMEOUT"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"RATCHET_EXECUTION_PING_INTERVAL"`
	UnhealthyGrace  time.Duration `yaml:"unhealthy_grace" env:"RATCHET_EXECUTION_UNHEALTHY_GRACE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"RATCHET_EXECUTION_SHUTDOWN_TIMEOUT"`
}

func (c *ExecutionConfig) applyDefaults() {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = runtime.NumCPU()
	}
	if c.MinWorkers == 0 {
		c.MinWorkers = min(c.MaxWorkers, 1)
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 300 * time.Second
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.UnhealthyGrace == 0 {
		c.UnhealthyGrace = 10 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks pool bounds.
func (c *ExecutionConfig) Validate() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("execution.min_workers must be positive, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("execution.max_workers (%d) must be >= min_workers (%d)", c.MaxWorkers, c.MinWorkers)
	}
	return nil
}
