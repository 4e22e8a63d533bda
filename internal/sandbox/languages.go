package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dontdude/codeduel/internal/domain"
)

// Container paths the launcher image expects.
const (
	appDir      = "/app/src"
	fixturesDir = "/app/src/tests"
)

// Language describes how code in one language is laid out and tested.
type Language struct {
	Name      string
	Extension string
	// Command builds the test command for a challenge.
	Command func(challengeRef string) []string
	// Parse turns captured output into normalized test results.
	Parse func(out domain.Output) ([]domain.TestResult, error)
}

var node = Language{
	Name:      "node",
	Extension: ".js",
	Command: func(challengeRef string) []string {
		return []string{"npm", "test", "--", jestPathPattern(challengeRef), "--passWithNoTests", "--json"}
	},
	Parse: parseJest,
}

// jestPathPattern matches exactly <challengeRef>.test.js. Jest reads the path
// argument as an unanchored regexp, so a bare ref would also select other
// fixtures sharing its prefix.
func jestPathPattern(challengeRef string) string {
	return "/" + regexp.QuoteMeta(challengeRef) + `\.test\.js$`
}

var languages = map[string]Language{
	"node":       node,
	"javascript": node,
	"js":         node,
}

// Lookup resolves a language name case-insensitively.
func Lookup(name string) (Language, error) {
	lang, ok := languages[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedLanguage, name)
	}
	return lang, nil
}
