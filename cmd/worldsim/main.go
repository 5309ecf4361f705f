// Command worldsim runs the karma-driven world event service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/karma-world/internal/api"
	"github.com/talgya/karma-world/internal/config"
	"github.com/talgya/karma-world/internal/content"
	"github.com/talgya/karma-world/internal/effects"
	"github.com/talgya/karma-world/internal/engine"
	"github.com/talgya/karma-world/internal/karma"
	"github.com/talgya/karma-world/internal/llm"
	"github.com/talgya/karma-world/internal/persistence"
	"github.com/talgya/karma-world/internal/regions"
	"github.com/talgya/karma-world/internal/telemetry"
	"github.com/talgya/karma-world/internal/trigger"
	"github.com/talgya/karma-world/internal/world"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worldsim exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "karma-world", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// ── World state ───────────────────────────────────────────────────
	agg := karma.NewAggregator(db, db, nil)
	cache := world.NewCache(agg, db, db, cfg.WorldCacheTTL, nil)
	if err := cache.Load(ctx); err != nil {
		return fmt.Errorf("load world state: %w", err)
	}
	if err := cache.FullSync(ctx); err != nil {
		slog.Warn("initial full sync failed", "error", err)
	}

	regs := regions.NewManager(db, db, cfg.Seed, cfg.RegionCount)
	created, err := regs.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize regions: %w", err)
	}
	ws := cache.Snapshot()
	slog.Info("world ready",
		"players", ws.TotalPlayers,
		"online", ws.OnlinePlayers,
		"collective_karma", fmt.Sprintf("%.0f", ws.CollectiveKarma),
		"trend", ws.KarmaTrend,
		"regions", cfg.RegionCount,
		"regions_created", created,
	)

	// ── Oracle ────────────────────────────────────────────────────────
	var oracle llm.Oracle
	if client := llm.NewClient(cfg.AnthropicKey, llm.ClientOptions{
		Timeout:   cfg.OracleTimeout,
		MaxPerMin: cfg.OracleMaxPerMin,
	}); client != nil {
		oracle = llm.NewHaikuOracle(client)
		slog.Info("oracle enabled (Haiku)")
	} else {
		oracle = llm.Unavailable()
		slog.Warn("ANTHROPIC_API_KEY not set, events use rule-based decisions and templates")
	}

	// ── Events ────────────────────────────────────────────────────────
	provider := content.NewProvider(oracle, nil, content.Options{
		Timeout:  cfg.OracleTimeout,
		CacheTTL: cfg.ContentCacheTTL,
		Seed:     cfg.Seed,
	})
	ledger := effects.NewLedger(db, nil)
	mgr := engine.NewManager(engine.ManagerDeps{
		Store:   db,
		World:   cache,
		Decider: trigger.NewDecider(oracle, cfg.OracleTimeout),
		Content: provider,
		Ledger:  ledger,
		Regions: regs,
	})
	sched := engine.NewScheduler(mgr, cache, ledger, provider.Cache(), engine.SchedulerConfig{
		CheckInterval: cfg.CheckInterval,
		SyncInterval:  cfg.SyncInterval,
		RunOnStart:    true,
	})

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.AdminKey == "" {
		slog.Warn("WORLDSIM_ADMIN_KEY not set, admin POST endpoints will be disabled")
	}
	srv := &api.Server{
		Svc: &engine.Service{
			Events:    mgr,
			Regions:   regs,
			Karma:     agg,
			World:     cache,
			Ledger:    ledger,
			Actions:   db,
			Conflicts: db,
		},
		Port:            cfg.APIPort,
		AdminKey:        cfg.AdminKey,
		ShutdownTimeout: cfg.ShutdownDeadline,
	}

	fmt.Printf("\nkarma-world is alive: %d players across %d regions.\n", ws.TotalPlayers, cfg.RegionCount)
	fmt.Printf("API: http://localhost:%d/api/v1/world\n", cfg.APIPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()

	// Final save on shutdown.
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	if serr := cache.FullSync(sctx); serr != nil {
		slog.Error("final sync failed", "error", serr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("worldsim stopped, world state saved")
	return nil
}
