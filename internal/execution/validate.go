package execution

import (
	"strings"

	"github.com/dontdude/codeduel/internal/domain"
)

// Validate rejects jobs that must never reach a sandbox. Checks run in a fixed
// order so the first problem is the one reported.
func Validate(job domain.ExecutionJob) error {
	if job.SessionID == "" {
		return &domain.ValidationError{Field: "sessionId", Message: "Please provide the session the code belongs to."}
	}
	if job.Language == "" {
		return &domain.ValidationError{Field: "language", Message: "Please provide the language the code is written in."}
	}
	if strings.TrimSpace(job.Code) == "" {
		return &domain.ValidationError{Field: "code", Message: "Please provide the code to run test on."}
	}
	if !strings.Contains(job.Code, "function main") {
		return &domain.ValidationError{Field: "code", Message: `Code needs to contain the function "main" to be tested.`}
	}
	if job.ChallengeRef == "" {
		return &domain.ValidationError{Field: "challengeRef", Message: "Please provide the challenge the code belongs to."}
	}
	return nil
}
