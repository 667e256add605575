// Shrike - Explainable scam detection for messages, calls, and payments.
// Copyright (c) 2025 opensource.trust
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-trust/shrike/internal/api"
	"github.com/opensource-trust/shrike/internal/bus"
	"github.com/opensource-trust/shrike/internal/cache"
	"github.com/opensource-trust/shrike/internal/detect"
	"github.com/opensource-trust/shrike/internal/domain"
	"github.com/opensource-trust/shrike/internal/feedback"
	"github.com/opensource-trust/shrike/internal/ml"
	"github.com/opensource-trust/shrike/internal/repository"
	"github.com/opensource-trust/shrike/internal/rules"
	"github.com/opensource-trust/shrike/internal/ruleset"
	"github.com/opensource-trust/shrike/internal/scoring"
	"github.com/opensource-trust/shrike/internal/velocity"
	"github.com/opensource-trust/shrike/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := domain.LoadConfig(os.Getenv("SHRIKE_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting shrike",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Ruleset store: restore persisted versions, seed from the rules
	// directory, then watch it for new documents
	compiler, err := rules.NewCompiler()
	if err != nil {
		slog.Error("failed to initialize rule compiler", "error", err)
		os.Exit(1)
	}

	store := ruleset.NewStore(compiler, repo, busImpl, logger)
	if err := store.LoadFromRepository(ctx); err != nil {
		slog.Error("failed to restore rulesets", "error", err)
		os.Exit(1)
	}

	if cfg.Engine.RulesDir != "" {
		if store.LatestVersion() == 0 {
			if err := store.PublishDir(ctx, cfg.Engine.RulesDir); err != nil {
				slog.Warn("failed to seed rulesets from directory",
					"dir", cfg.Engine.RulesDir,
					"error", err,
				)
			}
		}
		if err := store.Watch(cfg.Engine.RulesDir); err != nil {
			slog.Warn("failed to watch rules directory",
				"dir", cfg.Engine.RulesDir,
				"error", err,
			)
		}
	}
	defer store.Close()

	if store.LatestVersion() == 0 {
		slog.Warn("no ruleset published - publish one via POST /rulesets or the rules directory")
	} else {
		slog.Info("ruleset store initialized", "latest_version", store.LatestVersion())
	}

	// Detection pipeline
	velocitySvc := velocity.NewService(repo, cacheImpl)

	var provider ml.Provider
	if cfg.Engine.MLProviderURL != "" {
		timeout := time.Duration(cfg.Engine.MLTimeoutMs) * time.Millisecond
		provider = ml.NewHTTPProvider(cfg.Engine.MLProviderURL, timeout, logger)
		slog.Info("ml provider configured", "url", cfg.Engine.MLProviderURL)
	}

	engine := rules.NewEngine(cfg.Engine.MaxWorkers)
	aggregator := scoring.NewAggregator(logger)
	detector := detect.New(store, engine, aggregator, detect.Options{
		Velocity:           velocitySvc,
		Provider:           provider,
		VelocityWindowSecs: cfg.Engine.VelocityWindowSecs,
	}, logger)

	reconciler := feedback.NewReconciler(repo, logger)

	// Async worker
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("SHRIKE_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, cacheImpl, detector, store, logger)

		var tenantIDs []string
		if envTenants := os.Getenv("SHRIKE_TENANTS"); envTenants != "" {
			for _, id := range strings.Split(envTenants, ",") {
				if id = strings.TrimSpace(id); id != "" {
					tenantIDs = append(tenantIDs, id)
				}
			}
		}

		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// HTTP server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, detector, store, reconciler, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("shrike is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("shrike shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("SHRIKE_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  SHRIKE - Explainable Scam Detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /detect                    - Classify an event")
	fmt.Println("    GET  /events/{id}               - Get event by ID")
	fmt.Println("    GET  /events/{id}/verdicts      - Verdict history for an event")
	fmt.Println("    POST /events/{id}/reevaluate    - Re-run under the current ruleset")
	fmt.Println("    GET  /verdicts/{id}             - Get verdict by ID")
	fmt.Println("    GET  /rulesets                  - List published ruleset versions")
	fmt.Println("    POST /rulesets                  - Publish a new ruleset version")
	fmt.Println("    GET  /rulesets/current          - Active ruleset")
	fmt.Println("    POST /feedback                  - Record a ground-truth label")
	fmt.Println("    GET  /discrepancies             - Reconciliation records")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}
