package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockworks/internal/config"
	"stockworks/internal/db"
	"stockworks/internal/game"
	"stockworks/internal/store"
)

// The worker advances phases whose deadline passed while no API process held
// their timer. Postgres advisory locks keep it from racing the API.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		slog.Error("load rules", "path", cfg.RulesPath, "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{AppName: "stockworks-worker", MaxConns: 4, MinConns: 1})
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	pg := store.NewPostgres(pool, logger)
	sched, err := game.NewScheduler(pg, rules,
		game.WithLogger(logger),
		game.WithNotifier(game.NotifierFunc(func(gameID string, ev game.Event) {
			logger.Info("event", "game_id", gameID, "kind", ev.Kind, "turn", ev.Turn, "phase", ev.Phase)
		})),
	)
	if err != nil {
		logger.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}
	defer sched.Close()

	if cfg.RunOnce {
		n, err := sched.ExpireDue(ctx, time.Now())
		if err != nil {
			logger.Error("sweep failed", "advanced", n, "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed", "advanced", n)
		return
	}

	ticker := time.NewTicker(cfg.TickEvery)
	defer ticker.Stop()

	logger.Info("worker started", "tick_every", cfg.TickEvery.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case now := <-ticker.C:
			n, err := sched.ExpireDue(ctx, now)
			if err != nil {
				logger.Error("sweep failed", "advanced", n, "err", err)
				continue
			}
			if n > 0 {
				logger.Info("sweep complete", "advanced", n)
			}
		}
	}
}
