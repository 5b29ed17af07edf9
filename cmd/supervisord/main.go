// Coinwarden — an autonomous cryptocurrency trading supervisor.
//
// Architecture:
//
//	main.go              — entry point: loads env + config, starts engine and API, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires every subsystem and hosts the scheduler
//	snapshot/engine.go   — periodic balance/price snapshots, baseline seeding, 24h deltas
//	rules/evaluator.go   — declarative rule evaluation over snapshots (exposure, price moves, indicators)
//	risk/gate.go         — fixed-order guardrails every intent must pass (cooldown, drawdown, baseline, …)
//	risk/controller.go   — kill-switch throttle: engages on breach, recovers after a grace window
//	pipeline/            — approval state machine, MFA gating, pre-flight checks, order placement
//	anomaly/anomaly.go   — portfolio-value anomaly detectors (single-step + z-score)
//	learning/learning.go — distills approval decisions into owner preferences
//	brokerage/client.go  — REST venue client with JWT auth, rate limiting, and retry
//	store/store.go       — Postgres persistence gateway with degraded mode and a reconnect watchdog
//	bus/bus.go           — in-process pub/sub feeding the SSE and WebSocket streams
//	api/server.go        — HTTP surface: portfolio, approvals, rules, kill switch, metrics, live streams
//
// The supervisor proposes trades; the owner disposes. Every trade either
// fits inside tight auto-execution bounds or waits for explicit approval,
// with an MFA code on anything notionally large.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coinwarden/internal/api"
	"coinwarden/internal/config"
	"coinwarden/internal/engine"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COINWARDEN_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	warnings := cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	for _, warning := range warnings {
		logger.Warn(warning)
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(eng, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(ctx)
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("coinwarden started",
		"port", cfg.Server.Port,
		"dry_run", cfg.DryRun,
		"light_mode", cfg.LightMode,
		"snapshot_interval", cfg.Snapshot.Interval,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("api server failed", "error", err)
			eng.Stop()
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	cancel()
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
