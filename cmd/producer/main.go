package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/dontdude/codeduel/internal/config"
	"github.com/dontdude/codeduel/internal/domain"
	"github.com/dontdude/codeduel/internal/execution"
	"github.com/dontdude/codeduel/internal/platform/logging"
	"github.com/dontdude/codeduel/internal/platform/queue"
)

const sampleCode = `function main(a, b) {
  return a + b;
}
`

func main() {
	sessionID := flag.String("session", "", "session id used as correlation key")
	challenge := flag.String("challenge", "", "challenge the code is tested against")
	language := flag.String("language", "node", "language of the submitted code")
	codeFile := flag.String("file", "", "file with the code to run (defaults to a sample)")
	flag.Parse()

	// 1. Configuration and logger
	cfg, err := config.Load(os.Getenv("CODEDUEL_CONFIG"))
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat))

	code := sampleCode
	if *codeFile != "" {
		b, err := os.ReadFile(*codeFile)
		if err != nil {
			slog.Error("Failed to read code file", "error", err)
			os.Exit(1)
		}
		code = string(b)
	}

	// 2. Broker (producer mode)
	ctx := context.Background()
	rdb, err := queue.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Redis unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// 3. Dispatch through the same path as the HTTP boundary
	dispatcher := execution.NewDispatcher(queue.NewRedisStream(rdb, cfg.Redis.JobsStream, cfg.Redis.JobsGroup))
	job := domain.ExecutionJob{
		SessionID:    *sessionID,
		Code:         code,
		Language:     *language,
		ChallengeRef: *challenge,
	}
	if err := dispatcher.Dispatch(ctx, job); err != nil {
		slog.Error("Failed to dispatch job", "error", err, "reason", domain.UserMessage(err))
		os.Exit(1)
	}
	slog.Info("Job dispatched", "sessionID", *sessionID, "challenge", *challenge)
}
