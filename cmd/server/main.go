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

	"github.com/dontdude/codeduel/internal/config"
	"github.com/dontdude/codeduel/internal/execution"
	"github.com/dontdude/codeduel/internal/httpapi"
	"github.com/dontdude/codeduel/internal/matchmaking"
	"github.com/dontdude/codeduel/internal/platform/logging"
	"github.com/dontdude/codeduel/internal/platform/queue"
	"github.com/dontdude/codeduel/internal/platform/store"
	"github.com/dontdude/codeduel/internal/platform/web"
	"github.com/dontdude/codeduel/internal/realtime"
	"github.com/dontdude/codeduel/internal/session"
)

func main() {
	// 1. Configuration and logger
	cfg, err := config.Load(os.Getenv("CODEDUEL_CONFIG"))
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Redis: queue store, broker streams and the realtime event bus
	rdb, err := queue.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Redis unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	matchStore := store.NewRedisStore(rdb, store.Options{
		Prefix:     cfg.Redis.KeyPrefix,
		PendingTTL: cfg.PendingTTL,
		MaxRetries: cfg.AcceptRetries,
	})
	jobs := queue.NewRedisStream(rdb, cfg.Redis.JobsStream, cfg.Redis.JobsGroup)
	results := queue.NewRedisStream(rdb, cfg.Redis.ResultsStream, cfg.Redis.ResultsGroup)

	// 3. Realtime hub, fanned out across replicas
	hub := realtime.NewHub(queue.NewEventBus(rdb, cfg.Redis.EventsChannel))
	go func() {
		if err := hub.Listen(ctx); err != nil {
			slog.Error("Failed to subscribe to realtime events", "error", err)
			os.Exit(1)
		}
	}()

	// 4. Session records
	db, err := session.Open(cfg.DB)
	if err != nil {
		slog.Error("Database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := session.Migrate(db); err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	repo := session.NewRepository(db)
	provisioner := session.NewProvisioner(repo, hub)

	// 5. Matchmaking
	registry := matchmaking.NewRegistry()
	matchmaker := matchmaking.NewMatchmaker(matchStore, registry, hub, cfg.MatchInterval)
	negotiator := matchmaking.NewNegotiator(matchStore, provisioner, hub)
	go matchmaker.Run(ctx)

	// 6. Execution pipeline: dispatch jobs, correlate results back to rooms
	dispatcher := execution.NewDispatcher(jobs)
	correlator := execution.NewCorrelator(results, hub, provisioner)
	go func() {
		if err := correlator.Run(ctx); err != nil {
			slog.Error("Correlator failed", "error", err)
			os.Exit(1)
		}
	}()
	go results.StartRecoveryRoutine(ctx, cfg.Redis.RecoveryInterval, cfg.Redis.RecoveryMaxAge)

	// 7. HTTP boundary
	limiter := web.NewRateLimiter(cfg.RunRate, cfg.RunBurst)
	go limiter.Cleanup(ctx)

	ws := realtime.NewServer(hub, matchmaker, negotiator, realtime.Options{
		StoreTimeout: cfg.StoreTimeout,
		AutoLeave:    cfg.AutoLeaveOnDisconnect,
	})
	handler := httpapi.New(httpapi.Deps{
		Sessions:   provisioner,
		Dispatcher: dispatcher,
		Realtime:   ws,
		RunLimiter: limiter,
		Checks: map[string]httpapi.HealthCheck{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"db":    repo.Ping,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("API Server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
}
