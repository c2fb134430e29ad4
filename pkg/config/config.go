// Package config loads and validates the loom.yaml configuration document.
// Configuration is read once at startup; reloads require a restart.
package config

import (
	"time"

	"github.com/weftworks/loom/pkg/llm"
)

// Config is the fully resolved process configuration.
type Config struct {
	// CatalogPath locates the tool catalog document, relative to the config
	// directory when not absolute.
	CatalogPath string `yaml:"catalog_path"`

	LLM        llm.Config                 `yaml:"llm"`
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
	Runtime    *RuntimeConfig             `yaml:"runtime"`
	Trajectory *TrajectoryConfig          `yaml:"trajectory"`
	API        *APIConfig                 `yaml:"api"`
}

// RuntimeConfig controls the session worker pool and per-session budgets.
type RuntimeConfig struct {
	// WorkerCount is the number of concurrent session workers.
	WorkerCount int `yaml:"worker_count"`

	// QueueSize bounds the task intake channel.
	QueueSize int `yaml:"queue_size"`

	// GracePeriod is how long running sessions may finish during shutdown
	// before their MCP calls are forcibly cancelled.
	GracePeriod Duration `yaml:"grace_period"`

	// PerCallTimeout is the default per-tool-call deadline.
	PerCallTimeout Duration `yaml:"per_call_timeout"`

	// AggregateCap bounds a whole parallel/sequential invocation block.
	AggregateCap Duration `yaml:"aggregate_cap"`

	// LoopWindow is the fingerprint ring size for loop detection.
	LoopWindow int `yaml:"loop_window"`

	// LoopThreshold is the repeat count that triggers loop_detected.
	LoopThreshold int `yaml:"loop_threshold"`
}

// TrajectoryGrouping selects the period granularity of trajectory files.
type TrajectoryGrouping string

// Trajectory file groupings.
const (
	GroupDaily   TrajectoryGrouping = "daily"
	GroupWeekly  TrajectoryGrouping = "weekly"
	GroupMonthly TrajectoryGrouping = "monthly"
)

// TrajectoryConfig controls trajectory persistence.
type TrajectoryConfig struct {
	// OutputDir is the root of the date-partitioned output tree.
	OutputDir string `yaml:"output_dir"`

	Grouping TrajectoryGrouping `yaml:"grouping"`

	// PostgresDSNEnv optionally names an env var holding a Postgres DSN.
	// When set, trajectory summaries are additionally indexed in Postgres.
	PostgresDSNEnv string `yaml:"postgres_dsn_env"`
}

// APIConfig controls the task intake HTTP server.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultRuntimeConfig returns the built-in runtime defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		WorkerCount:    4,
		QueueSize:      64,
		GracePeriod:    Duration(30 * time.Second),
		PerCallTimeout: Duration(60 * time.Second),
		AggregateCap:   Duration(2 * time.Minute),
		LoopWindow:     5,
		LoopThreshold:  3,
	}
}

// DefaultTrajectoryConfig returns the built-in trajectory defaults.
func DefaultTrajectoryConfig() *TrajectoryConfig {
	return &TrajectoryConfig{
		OutputDir: "./trajectories",
		Grouping:  GroupDaily,
	}
}

// DefaultAPIConfig returns the built-in API defaults.
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{Addr: ":8080"}
}
