// Package config loads Ratchet's configuration from an optional YAML file
// with RATCHET_<SECTION>_<KEY> environment overrides applied on top.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ratchetd/ratchet/internal/env"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Execution ExecutionConfig `yaml:"execution"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Output    OutputConfig    `yaml:"output"`
	MCP       MCPConfig       `yaml:"mcp"`
	Registry  RegistryConfig  `yaml:"registry"`
}

// Load builds the configuration: defaults first, then the YAML file at
// path (optional; empty path skips the file), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables win over file values.
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with every key at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.applyDefaults()
	cfg.Execution.applyDefaults()
	cfg.Scheduler.applyDefaults()
	cfg.Output.applyDefaults()
	cfg.MCP.applyDefaults()
	cfg.Registry.applyDefaults()
	return cfg
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.Server, &c.Execution, &c.Scheduler, &c.Output, &c.MCP, &c.Registry,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
