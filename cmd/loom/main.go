// Loom orchestrator server: accepts tasks over HTTP, drives LLM sessions
// with real tool execution, and persists trajectories.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/weftworks/loom/pkg/api"
	"github.com/weftworks/loom/pkg/catalog"
	"github.com/weftworks/loom/pkg/config"
	"github.com/weftworks/loom/pkg/llm"
	"github.com/weftworks/loom/pkg/mcp"
	"github.com/weftworks/loom/pkg/runtime"
	"github.com/weftworks/loom/pkg/trajectory"
	"github.com/weftworks/loom/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads key envs.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting loom", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Tool catalog (immutable after startup; reloads require restart)
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		slog.Error("Failed to load tool catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}
	slog.Info("Tool catalog loaded", "path", cfg.CatalogPath, "servers", cat.Servers())

	// 3. LLM client
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "provider", cfg.LLM.Provider, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := llmClient.Close(); err != nil {
			slog.Error("Error closing LLM client", "error", err)
		}
	}()
	slog.Info("LLM client initialized", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	// 4. MCP pool with eager startup validation: every configured server
	// must connect once or the process exits, preventing silent broken configs.
	registry := config.NewMCPServerRegistry(cfg.MCPServers)
	pool := mcp.NewPool(registry, cfg.Runtime.PerCallTimeout.Std())
	pool.Start()
	defer pool.Close()

	validateCtx, validateCancel := context.WithTimeout(ctx, 30*time.Second)
	err = pool.WaitReady(validateCtx)
	validateCancel()
	if err != nil {
		slog.Error("MCP startup validation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("MCP servers validated", "count", len(registry.IDs()))

	// 5. Trajectory persistence
	writer := trajectory.NewWriter(cfg.Trajectory)
	var store *trajectory.Store
	if cfg.Trajectory.PostgresDSNEnv != "" {
		dsn := os.Getenv(cfg.Trajectory.PostgresDSNEnv)
		if dsn == "" {
			slog.Error("Postgres DSN env is configured but empty", "env", cfg.Trajectory.PostgresDSNEnv)
			os.Exit(1)
		}
		store, err = trajectory.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("Failed to initialize trajectory store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		slog.Info("Trajectory Postgres index enabled")
	}

	// 6. Runtime controller (before the HTTP server, so intake never races
	// an unstarted pool)
	controller := runtime.NewController(cfg.Runtime, llmClient, pool, cat, writer, store)
	controller.Start(ctx)

	// 7. HTTP intake server (non-blocking)
	server := api.NewServer(controller, pool)
	httpServer := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Loom started successfully", "workers", cfg.Runtime.WorkerCount)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop intake first so nothing new is accepted,
	// then let running sessions drain within the grace period.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	httpCancel()

	controller.Stop()

	slog.Info("Shutdown complete")
}
