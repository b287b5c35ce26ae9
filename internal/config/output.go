package config

import (
	"fmt"
	"time"
)

// RetryConfig is the default retry policy applied to output destinations
// that do not carry their own.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"RATCHET_OUTPUT_RETRY_MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"RATCHET_OUTPUT_RETRY_INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"RATCHET_OUTPUT_RETRY_MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"RATCHET_OUTPUT_RETRY_MULTIPLIER"`
}

// OutputConfig configures the output-delivery pipeline.
type OutputConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"RATCHET_OUTPUT_DEFAULT_TIMEOUT"`
	DefaultRetry   RetryConfig   `yaml:"default_retry"`
}

func (c *OutputConfig) applyDefaults() {
	c.DefaultTimeout = 30 * time.Second
	c.DefaultRetry = RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
	}
}

// Validate checks output delivery bounds.
func (c *OutputConfig) Validate() error {
	if c.DefaultRetry.MaxAttempts < 1 {
		return fmt.Errorf("output.default_retry.max_attempts must be positive, got %d", c.DefaultRetry.MaxAttempts)
	}
	if c.DefaultRetry.Multiplier < 1 {
		return fmt.Errorf("output.default_retry.multiplier must be >= 1, got %g", c.DefaultRetry.Multiplier)
	}
	return nil
}
