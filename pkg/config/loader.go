package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected name of the main configuration document
// inside the config directory.
const ConfigFileName = "loom.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Catalog path resolves relative to the config directory.
	if cfg.CatalogPath != "" && !filepath.IsAbs(cfg.CatalogPath) {
		cfg.CatalogPath = filepath.Join(configDir, cfg.CatalogPath)
	}

	slog.Info("Configuration loaded",
		"path", path,
		"mcp_servers", len(cfg.MCPServers),
		"workers", cfg.Runtime.WorkerCount)
	return cfg, nil
}

// Parse unmarshals raw YAML, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyDefaults merges built-in defaults into unset fields.
func applyDefaults(cfg *Config) error {
	if cfg.Runtime == nil {
		cfg.Runtime = &RuntimeConfig{}
	}
	if err := mergo.Merge(cfg.Runtime, DefaultRuntimeConfig()); err != nil {
		return err
	}

	if cfg.Trajectory == nil {
		cfg.Trajectory = &TrajectoryConfig{}
	}
	if err := mergo.Merge(cfg.Trajectory, DefaultTrajectoryConfig()); err != nil {
		return err
	}

	if cfg.API == nil {
		cfg.API = &APIConfig{}
	}
	if err := mergo.Merge(cfg.API, DefaultAPIConfig()); err != nil {
		return err
	}

	if cfg.CatalogPath == "" {
		cfg.CatalogPath = "tools.yaml"
	}
	return nil
}

// validate enforces startup invariants so misconfiguration fails fast
// instead of surfacing mid-session.
func validate(cfg *Config) error {
	if cfg.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if cfg.LLM.APIKeyEnv == "" {
		return fmt.Errorf("llm.api_key_env is required")
	}

	if len(cfg.MCPServers) == 0 {
		return fmt.Errorf("at least one mcp_servers entry is required")
	}
	for id, server := range cfg.MCPServers {
		if server.URL == "" {
			return fmt.Errorf("mcp_servers.%s.url is required", id)
		}
		if !strings.HasPrefix(server.URL, "ws://") && !strings.HasPrefix(server.URL, "wss://") {
			return fmt.Errorf("mcp_servers.%s.url must be a ws:// or wss:// endpoint, got %q", id, server.URL)
		}
	}

	if cfg.Runtime.WorkerCount <= 0 {
		return fmt.Errorf("runtime.worker_count must be positive")
	}
	if cfg.Runtime.QueueSize <= 0 {
		return fmt.Errorf("runtime.queue_size must be positive")
	}
	if cfg.Runtime.LoopWindow <= 0 || cfg.Runtime.LoopThreshold <= 1 {
		return fmt.Errorf("runtime loop detection requires loop_window > 0 and loop_threshold > 1")
	}

	switch cfg.Trajectory.Grouping {
	case GroupDaily, GroupWeekly, GroupMonthly:
	default:
		return fmt.Errorf("trajectory.grouping must be daily, weekly, or monthly, got %q", cfg.Trajectory.Grouping)
	}
	return nil
}
