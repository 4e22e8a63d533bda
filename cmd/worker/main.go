package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/codeduel/internal/config"
	"github.com/dontdude/codeduel/internal/platform/docker"
	"github.com/dontdude/codeduel/internal/platform/logging"
	"github.com/dontdude/codeduel/internal/platform/queue"
	"github.com/dontdude/codeduel/internal/sandbox"
	"github.com/dontdude/codeduel/internal/worker"
)

func main() {
	// 1. Configuration and logger
	cfg, err := config.Load(os.Getenv("CODEDUEL_CONFIG"))
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat))
	slog.Info("Starting CodeDuel Worker...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Docker, fail fast when the daemon is unreachable
	dockerClient, err := docker.NewClient(ctx)
	if err != nil {
		slog.Error("Docker unavailable", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.EnsureImage(ctx, cfg.Sandbox.Image); err != nil {
		slog.Error("Sandbox image unavailable", "image", cfg.Sandbox.Image, "error", err)
		os.Exit(1)
	}

	// 3. Sandbox runner
	fixtures, err := sandbox.NewFixtureSource(cfg.Sandbox)
	if err != nil {
		slog.Error("Fixture source unavailable", "error", err)
		os.Exit(1)
	}
	runner := sandbox.NewRunner(dockerClient, fixtures, sandbox.Options{
		Image:       cfg.Sandbox.Image,
		Timeout:     cfg.Sandbox.Timeout,
		MemoryBytes: cfg.Sandbox.MemoryMB << 20,
		CodeDir:     cfg.Sandbox.CodeDir,
	})

	// 4. Broker
	rdb, err := queue.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Redis unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	jobs := queue.NewRedisStream(rdb, cfg.Redis.JobsStream, cfg.Redis.JobsGroup)
	results := queue.NewRedisStream(rdb, cfg.Redis.ResultsStream, cfg.Redis.ResultsGroup)

	msgs, err := jobs.Consume(ctx)
	if err != nil {
		slog.Error("Failed to consume jobs", "error", err)
		os.Exit(1)
	}
	go jobs.StartRecoveryRoutine(ctx, cfg.Redis.RecoveryInterval, cfg.Redis.RecoveryMaxAge)

	// 5. Worker pool. Jobs in flight run to their own timeout on shutdown.
	pool := worker.NewPool(cfg.WorkerConcurrency, worker.NewJobHandler(jobs, results, runner))
	pool.Start(context.WithoutCancel(ctx))

	pool.Feed(msgs)
	pool.Stop()
	slog.Info("Worker shut down")
}
