package config

import "fmt"

// MCP transports.
const (
	MCPTransportStdio = "stdio"
	MCPTransportSSE   = "sse"
)

// MCPConfig configures the Model Context Protocol server.
type MCPConfig struct {
	Enabled      bool   `yaml:"enabled" env:"RATCHET_MCP_ENABLED"`
	Transport    string `yaml:"transport" env:"RATCHET_MCP_TRANSPORT"`
	Host         string `yaml:"host" env:"RATCHET_MCP_HOST"`
	Port         int    `yaml:"port" env:"RATCHET_MCP_PORT"`
	MaxBatchSize int    `yaml:"max_batch_size" env:"RATCHET_MCP_MAX_BATCH_SIZE"`
	MaxParallel  int    `yaml:"max_parallel" env:"RATCHET_MCP_MAX_PARALLEL"`
}

func (c *MCPConfig) applyDefaults() {
	c.Transport = MCPTransportStdio
	c.Host = "127.0.0.1"
	c.Port = 8090
	c.MaxBatchSize = 100
	c.MaxParallel = 10
}

// Validate checks MCP configuration.
func (c *MCPConfig) Validate() error {
	switch c.Transport {
	case MCPTransportStdio, MCPTransportSSE:
	default:
		return fmt.Errorf("mcp.transport must be %q or %q, got %q", MCPTransportStdio, MCPTransportSSE, c.Transport)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("mcp.max_batch_size must be positive, got %d", c.MaxBatchSize)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("mcp.max_parallel must be positive, got %d", c.MaxParallel)
	}
	return nil
}
