package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrMCPServerNotFound is returned when a server ID is not configured.
var ErrMCPServerNotFound = errors.New("MCP server not found")

// MCPServerConfig defines the connection parameters for one MCP server.
type MCPServerConfig struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// CallTimeout overrides the runtime per_call_timeout for this server.
	CallTimeout Duration `yaml:"call_timeout,omitempty"`

	// MaxResultChars truncates rendered tool output before it is shown to
	// the LLM. The untruncated payload is retained in the trajectory.
	MaxResultChars int `yaml:"max_result_chars,omitempty"`
}

// DefaultMaxResultChars is the rendered-content truncation limit (4 KiB).
const DefaultMaxResultChars = 4096

// EffectiveCallTimeout resolves the per-call deadline for this server.
func (c *MCPServerConfig) EffectiveCallTimeout(fallback time.Duration) time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout.Std()
	}
	return fallback
}

// EffectiveMaxResultChars resolves the truncation limit for this server.
func (c *MCPServerConfig) EffectiveMaxResultChars() int {
	if c.MaxResultChars > 0 {
		return c.MaxResultChars
	}
	return DefaultMaxResultChars
}

// MCPServerRegistry stores MCP server configurations with thread-safe access.
type MCPServerRegistry struct {
	mu      sync.RWMutex
	servers map[string]MCPServerConfig
}

// NewMCPServerRegistry creates a registry from configured servers.
func NewMCPServerRegistry(servers map[string]MCPServerConfig) *MCPServerRegistry {
	if servers == nil {
		servers = make(map[string]MCPServerConfig)
	}
	return &MCPServerRegistry{servers: servers}
}

// Get retrieves a server configuration by ID.
func (r *MCPServerRegistry) Get(serverID string) (MCPServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	server, ok := r.servers[serverID]
	if !ok {
		return MCPServerConfig{}, fmt.Errorf("%w: %s", ErrMCPServerNotFound, serverID)
	}
	return server, nil
}

// Has checks whether a server is configured.
func (r *MCPServerRegistry) Has(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[serverID]
	return ok
}

// IDs returns all configured server IDs in sorted order.
func (r *MCPServerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
