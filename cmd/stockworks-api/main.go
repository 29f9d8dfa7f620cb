package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockworks/internal/announce"
	"stockworks/internal/api"
	"stockworks/internal/config"
	"stockworks/internal/db"
	"stockworks/internal/game"
	"stockworks/internal/journal"
	"stockworks/internal/metrics"
	"stockworks/internal/realtime"
	"stockworks/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadAPIFromEnv()
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
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{AppName: "stockworks-api"})
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	pg := store.NewPostgres(pool, logger)
	if err := pg.Migrate(ctx); err != nil {
		logger.Error("migrate failed", "err", err)
		os.Exit(1)
	}
	cached := store.NewCached(pg, cfg.StateCacheTTL)

	m := metrics.New()
	hub := realtime.NewHub(logger, cfg.AllowedOrigins)
	notifiers := game.Notifiers{hub, m}
	if cfg.JournalPath != "" {
		j := journal.NewWriter(cfg.JournalPath, logger)
		defer j.Close()
		notifiers = append(notifiers, j)
	}
	if cfg.DiscordWebhook != "" {
		d, err := announce.NewDiscord(cfg.DiscordWebhook, logger)
		if err != nil {
			logger.Error("discord webhook", "err", err)
			os.Exit(1)
		}
		defer d.Close()
		notifiers = append(notifiers, d)
	}

	sched, err := game.NewScheduler(cached, rules,
		game.WithLogger(logger),
		game.WithNotifier(notifiers),
		game.WithObserver(m),
	)
	if err != nil {
		logger.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}
	defer sched.Close()

	n, err := sched.RecoverAll(ctx)
	if err != nil {
		logger.Warn("recover games", "games", n, "err", err)
	} else {
		logger.Info("recovered games", "games", n)
	}

	server := api.New(cfg, logger, sched, api.Deps{
		Stream:  hub,
		History: pg,
		Metrics: m.Handler(),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("stockworks api listening", "addr", cfg.Addr, "rules", cfg.RulesPath)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
