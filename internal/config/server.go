package config

import (
	"fmt"
	"time"
)

// DatabaseConfig configures the repository connection pool.
type DatabaseConfig struct {
	URL               string        `yaml:"url" env:"RATCHET_DATABASE_URL"`
	MaxConnections    int           `yaml:"max_connections" env:"RATCHET_DATABASE_MAX_CONNECTIONS"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"RATCHET_DATABASE_CONNECTION_TIMEOUT"`
}

// ServerConfig configures the HTTP front door and the database.
type ServerConfig struct {
	BindAddress string         `yaml:"bind_address" env:"RATCHET_SERVER_BIND_ADDRESS"`
	Port        int            `yaml:"port" env:"RATCHET_SERVER_PORT"`
	EnableCORS  bool           `yaml:"enable_cors" env:"RATCHET_SERVER_ENABLE_CORS"`
	Database    DatabaseConfig `yaml:"database"`
}

func (c *ServerConfig) applyDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Database.URL == "" {
		c.Database.URL = "sqlite://ratchet.db"
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 10
	}
	if c.Database.ConnectionTimeout == 0 {
		c.Database.ConnectionTimeout = 30 * time.Second
	}
}

// Validate checks server configuration bounds.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Port)
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("server.database.max_connections must be positive, got %d", c.Database.MaxConnections)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}
