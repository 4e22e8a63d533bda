package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dontdude/codeduel/internal/domain"
)

type jestReport struct {
	TestResults []struct {
		AssertionResults []struct {
			Title           string   `json:"title"`
			Status          string   `json:"status"`
			FailureMessages []string `json:"failureMessages"`
		} `json:"assertionResults"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"testResults"`
}

// parseJest reads the report printed by `jest --json`. Console output from the
// submitted code may surround it, so only the outermost braces are decoded.
// A report with no test files means no fixture matched the challenge. A suite
// that fails before any test runs, such as on a syntax error, is an
// environment failure carrying Jest's message.
func parseJest(out domain.Output) ([]domain.TestResult, error) {
	first := strings.Index(out.Stdout, "{")
	last := strings.LastIndex(out.Stdout, "}")
	if first < 0 || last < first {
		return nil, fmt.Errorf("%w: no test report in output (exit %d): %s",
			domain.ErrEnvironment, out.ExitCode, truncate(out.Stderr, 512))
	}

	var report jestReport
	if err := json.Unmarshal([]byte(out.Stdout[first:last+1]), &report); err != nil {
		return nil, fmt.Errorf("%w: decode test report: %v", domain.ErrEnvironment, err)
	}
	if len(report.TestResults) == 0 {
		return nil, domain.ErrFixtureNotFound
	}

	var tests []domain.TestResult
	for _, file := range report.TestResults {
		for _, a := range file.AssertionResults {
			tr := domain.TestResult{Name: a.Title, Passed: a.Status == "passed"}
			if len(a.FailureMessages) > 0 {
				tr.Message = a.FailureMessages[0]
			}
			tests = append(tests, tr)
		}
	}
	if len(tests) == 0 {
		for _, file := range report.TestResults {
			if file.Status == "failed" {
				return nil, fmt.Errorf("%w: test suite failed to run: %s",
					domain.ErrEnvironment, truncate(file.Message, 512))
			}
		}
		return nil, domain.ErrFixtureNotFound
	}
	return tests, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
