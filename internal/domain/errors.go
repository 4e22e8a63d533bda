package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnsupportedLanguage  = errors.New("unsupported language")
	ErrFixtureNotFound      = errors.New("test fixture not found for challenge")
	ErrCoordinationConflict = errors.New("coordination conflict: retries exhausted")
	ErrSandboxTimeout       = errors.New("sandbox exceeded its time budget")
	ErrEnvironment          = errors.New("sandbox environment failure")
)

// ValidationError is a local, terminal error about the shape of a request.
// It never crosses the broker boundary.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a validation-class error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrUnsupportedLanguage)
}

// UserMessage maps err to the string shown to participants.
func UserMessage(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Message
	case errors.Is(err, ErrUnsupportedLanguage):
		return "Invalid or unsupported language requested."
	case errors.Is(err, ErrFixtureNotFound):
		return "Challenge does not exist."
	case errors.Is(err, ErrSandboxTimeout):
		return "Execution timed out."
	case errors.Is(err, ErrEnvironment):
		return "The test environment failed, please try again."
	default:
		return "Unexpected error occurred when running tests, please try again."
	}
}
