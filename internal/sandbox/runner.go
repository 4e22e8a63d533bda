package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dontdude/codeduel/internal/domain"
)

// Options configures a Runner.
type Options struct {
	Image       string
	Timeout     time.Duration
	MemoryBytes int64
	// CodeDir is the host directory temporary code files are written under.
	CodeDir string
}

// Runner executes submitted code against a challenge's fixture in a container.
type Runner struct {
	containers domain.ContainerRunner
	fixtures   FixtureSource
	opts       Options
}

func NewRunner(containers domain.ContainerRunner, fixtures FixtureSource, opts Options) *Runner {
	return &Runner{containers: containers, fixtures: fixtures, opts: opts}
}

// Execute runs job and returns its normalized result. The language is checked
// before anything touches the filesystem or launches a container. The
// temporary code file is removed on every path.
func (r *Runner) Execute(ctx context.Context, job domain.ExecutionJob) (domain.ExecutionResult, error) {
	lang, err := Lookup(job.Language)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	fixtureDir, err := r.fixtures.Resolve(ctx, job.ChallengeRef)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	if err := os.MkdirAll(r.opts.CodeDir, 0o755); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("%w: create code dir: %v", domain.ErrEnvironment, err)
	}
	tmpDir, err := os.MkdirTemp(r.opts.CodeDir, "job-")
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("%w: create temp dir: %v", domain.ErrEnvironment, err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			slog.Error("Failed to remove code file", "dir", tmpDir, "error", err)
		}
	}()

	fileName := "solution" + lang.Extension
	codePath, err := filepath.Abs(filepath.Join(tmpDir, fileName))
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("%w: %v", domain.ErrEnvironment, err)
	}
	if err := os.WriteFile(codePath, []byte(job.Code), 0o644); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("%w: write code file: %v", domain.ErrEnvironment, err)
	}

	spec := domain.ContainerSpec{
		Image: r.opts.Image,
		Cmd:   lang.Command(job.ChallengeRef),
		Env: []string{
			"FILENAME=" + fileName,
			"CHALLENGEID=" + job.ChallengeRef,
		},
		Binds: []string{
			fixtureDir + ":" + fixturesDir + ":ro",
			codePath + ":" + appDir + "/" + fileName + ":ro",
		},
		MemoryBytes: r.opts.MemoryBytes,
		Timeout:     r.opts.Timeout,
	}

	start := time.Now()
	out, err := r.containers.Run(ctx, spec)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	tests, err := lang.Parse(out)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	res := domain.ExecutionResult{CorrelationID: job.SessionID, Tests: tests}
	res.Success = res.AllPassed()
	slog.Info("Execution finished", "sessionID", job.SessionID, "tests", len(tests),
		"success", res.Success, "duration", time.Since(start))
	return res, nil
}
