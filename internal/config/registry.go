package config

import (
	"fmt"
	"time"
)

// Registry source types.
const (
	SourceDirectory = "directory"
	SourceGit       = "git"
	SourceHTTP      = "http"
)

// RegistrySource names one place tasks are synced from.
type RegistrySource struct {
	Name            string        `yaml:"name"`
	Type            string        `yaml:"type"`
	URI             string        `yaml:"uri"`
	PollingInterval time.Duration `yaml:"polling_interval"`
}

// RegistryConfig configures task registry sources. Sources are file-only:
// the env loader has no list syntax for structured entries.
type RegistryConfig struct {
	Sources []RegistrySource `yaml:"sources"`
}

func (c *RegistryConfig) applyDefaults() {}

// Validate checks each source entry.
func (c *RegistryConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("registry.sources[%d].name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("registry.sources[%d]: duplicate source name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}

		switch s.Type {
		case SourceDirectory, SourceGit, SourceHTTP:
		default:
			return fmt.Errorf("registry.sources[%d].type must be directory, git, or http, got %q", i, s.Type)
		}
		if s.URI == "" {
			return fmt.Errorf("registry.sources[%d].uri is required", i)
		}
	}
	return nil
}
