package domain

import (
	"context"
	"time"
)

// Output is the fully captured result of a finished container.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int64
}

// ContainerSpec describes one isolated, time-bounded execution.
type ContainerSpec struct {
	Image string
	Cmd   []string
	Env   []string
	// Binds are host:container[:ro] mounts.
	Binds       []string
	WorkingDir  string
	MemoryBytes int64
	Timeout     time.Duration
}

// ContainerRunner defines the contract for executing code within an isolated container environment.
// Implementations handle the low-level container lifecycle management.
type ContainerRunner interface {
	// Run starts a fresh container for spec, waits for it to exit and returns its
	// complete stdout/stderr. It returns ErrSandboxTimeout when spec.Timeout elapses.
	Run(ctx context.Context, spec ContainerSpec) (Output, error)
}

// ExecutionJob is a code-run request. It only exists on the wire between
// dispatch and the sandbox runner; SessionID travels as the correlation key.
type ExecutionJob struct {
	SessionID    string `json:"-"`
	Code         string `json:"code"`
	Language     string `json:"language"`
	ChallengeRef string `json:"challengeRef"`
}

// TestResult is one normalized test case outcome.
type TestResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// ExecutionResult is what the sandbox sends back for a job.
type ExecutionResult struct {
	CorrelationID string       `json:"-"`
	Tests         []TestResult `json:"tests"`
	Success       bool         `json:"success"`
	Error         string       `json:"error,omitempty"`
}

// AllPassed reports whether there was at least one test and every test passed.
func (r ExecutionResult) AllPassed() bool {
	if len(r.Tests) == 0 {
		return false
	}
	for _, t := range r.Tests {
		if !t.Passed {
			return false
		}
	}
	return true
}
