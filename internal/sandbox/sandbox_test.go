package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/dontdude/codeduel/internal/domain"
)

const passingReport = `> launcher@1.0.0 test
> jest "/challenge1\.test\.js$" --json
{"numTotalTests":1,"testResults":[{"assertionResults":[{"title":"main(2,3) returns 5","status":"passed","failureMessages":[]}]}]}
`

type fakeContainers struct {
	calls int
	spec  domain.ContainerSpec
	out   domain.Output
	err   error
	// seen records whether the bound code file existed during the run.
	seen bool
}

func (f *fakeContainers) Run(_ context.Context, spec domain.ContainerSpec) (domain.Output, error) {
	f.calls++
	f.spec = spec
	for _, b := range spec.Binds {
		host := strings.SplitN(b, ":", 2)[0]
		if strings.HasSuffix(host, ".js") {
			if _, err := os.Stat(host); err == nil {
				f.seen = true
			}
		}
	}
	return f.out, f.err
}

func newTestRunner(t *testing.T, fc *fakeContainers) (*Runner, string) {
	t.Helper()
	codeDir := t.TempDir()
	fixtures, err := NewDirFixtures(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewRunner(fc, fixtures, Options{
		Image:       "codeduel-launcher:node",
		Timeout:     15 * time.Second,
		MemoryBytes: 512 << 20,
		CodeDir:     codeDir,
	}), codeDir
}

func job() domain.ExecutionJob {
	return domain.ExecutionJob{
		SessionID:    "session-1",
		Code:         "function main(a,b){return a+b}",
		Language:     "node",
		ChallengeRef: "challenge1",
	}
}

func assertCodeDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("temporary code files left behind: %v", entries)
	}
}

func TestExecutePassingSubmission(t *testing.T) {
	fc := &fakeContainers{out: domain.Output{Stdout: passingReport}}
	r, codeDir := newTestRunner(t, fc)

	res, err := r.Execute(context.Background(), job())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || len(res.Tests) != 1 || !res.Tests[0].Passed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !fc.seen {
		t.Error("code file should exist while the container runs")
	}
	if fc.spec.Cmd[len(fc.spec.Cmd)-1] != "--json" || fc.spec.Cmd[3] != `/challenge1\.test\.js$` {
		t.Errorf("command: %v", fc.spec.Cmd)
	}
	if fc.spec.Timeout != 15*time.Second {
		t.Errorf("timeout: %v", fc.spec.Timeout)
	}
	for _, b := range fc.spec.Binds {
		if !strings.HasSuffix(b, ":ro") {
			t.Errorf("bind should be read-only: %s", b)
		}
	}
	assertCodeDirEmpty(t, codeDir)
}

func TestExecuteUnsupportedLanguageLaunchesNothing(t *testing.T) {
	fc := &fakeContainers{}
	r, codeDir := newTestRunner(t, fc)

	j := job()
	j.Language = "cobol"
	_, err := r.Execute(context.Background(), j)
	if !errors.Is(err, domain.ErrUnsupportedLanguage) || !domain.IsValidation(err) {
		t.Fatalf("expected unsupported language, got %v", err)
	}
	if fc.calls != 0 {
		t.Fatal("no container may be launched")
	}
	assertCodeDirEmpty(t, codeDir)
}

func TestExecuteTimeoutRemovesCodeFile(t *testing.T) {
	fc := &fakeContainers{err: domain.ErrSandboxTimeout}
	r, codeDir := newTestRunner(t, fc)

	_, err := r.Execute(context.Background(), job())
	if !errors.Is(err, domain.ErrSandboxTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if domain.UserMessage(err) != "Execution timed out." {
		t.Errorf("user message: %q", domain.UserMessage(err))
	}
	assertCodeDirEmpty(t, codeDir)
}

func TestExecuteParseFailureRemovesCodeFile(t *testing.T) {
	fc := &fakeContainers{out: domain.Output{Stdout: "segfault", ExitCode: 139}}
	r, codeDir := newTestRunner(t, fc)

	_, err := r.Execute(context.Background(), job())
	if !errors.Is(err, domain.ErrEnvironment) {
		t.Fatalf("expected environment error, got %v", err)
	}
	assertCodeDirEmpty(t, codeDir)
}

func TestParseJest(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		want    []domain.TestResult
		wantErr error
	}{
		{
			name: "mixed results with console noise",
			stdout: `hello from main
{"testResults":[{"assertionResults":[` +
				`{"title":"a","status":"passed","failureMessages":[]},` +
				`{"title":"b","status":"failed","failureMessages":["expected 5","second"]}]}]}`,
			want: []domain.TestResult{
				{Name: "a", Passed: true},
				{Name: "b", Passed: false, Message: "expected 5"},
			},
		},
		{
			name:    "no test files means no fixture",
			stdout:  `{"numTotalTests":0,"testResults":[]}`,
			wantErr: domain.ErrFixtureNotFound,
		},
		{
			name: "suite failed before any test ran",
			stdout: `{"testResults":[{"assertionResults":[],"status":"failed",` +
				`"message":"SyntaxError: Unexpected token"}]}`,
			wantErr: domain.ErrEnvironment,
		},
		{
			name:    "suite ran without any test",
			stdout:  `{"testResults":[{"assertionResults":[],"status":"passed","message":""}]}`,
			wantErr: domain.ErrFixtureNotFound,
		},
		{
			name:    "no report at all",
			stdout:  "npm ERR! missing script: test",
			wantErr: domain.ErrEnvironment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJest(domain.Output{Stdout: tt.stdout})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v", got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("test %d: got %+v want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseJestZeroTestsIsNotSuccess(t *testing.T) {
	_, err := parseJest(domain.Output{Stdout: `{"testResults":[]}`})
	if domain.UserMessage(err) != "Challenge does not exist." {
		t.Fatalf("user message: %q", domain.UserMessage(err))
	}
}

func TestExecuteFailedSuiteIsAnError(t *testing.T) {
	fc := &fakeContainers{out: domain.Output{
		Stdout:   `{"testResults":[{"assertionResults":[],"status":"failed","message":"SyntaxError: Unexpected token"}]}`,
		ExitCode: 1,
	}}
	r, codeDir := newTestRunner(t, fc)

	res, err := r.Execute(context.Background(), job())
	if !errors.Is(err, domain.ErrEnvironment) {
		t.Fatalf("expected environment error, got res=%+v err=%v", res, err)
	}
	if !strings.Contains(err.Error(), "SyntaxError") {
		t.Errorf("suite message lost: %v", err)
	}
	assertCodeDirEmpty(t, codeDir)
}

func TestJestPathPatternIsAnchored(t *testing.T) {
	tests := []struct {
		ref     string
		path    string
		matches bool
	}{
		{"queue1", "/app/src/tests/queue1.test.js", true},
		{"queue1", "/app/src/tests/queue10.test.js", false},
		{"queue1", "/app/src/tests/myqueue1.test.js", false},
		{"a.b", "/app/src/tests/a.b.test.js", true},
		{"a.b", "/app/src/tests/axb.test.js", false},
		{"c++(1)", "/app/src/tests/c++(1).test.js", true},
	}
	for _, tt := range tests {
		re := regexp.MustCompile(jestPathPattern(tt.ref))
		if got := re.MatchString(tt.path); got != tt.matches {
			t.Errorf("pattern for %q on %s: got %v want %v", tt.ref, tt.path, got, tt.matches)
		}
	}

	cmd := node.Command("queue1")
	if cmd[3] != jestPathPattern("queue1") {
		t.Errorf("command does not use the anchored pattern: %v", cmd)
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"node", "Node", "javascript"} {
		if _, err := Lookup(name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, err := Lookup("python"); !errors.Is(err, domain.ErrUnsupportedLanguage) {
		t.Errorf("python: %v", err)
	}
}

func TestDirFixturesRejectsTraversal(t *testing.T) {
	d, err := NewDirFixtures(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, ref := range []string{"", "..", "../etc", `a\b`} {
		if _, err := d.Resolve(context.Background(), ref); !errors.Is(err, domain.ErrFixtureNotFound) {
			t.Errorf("%q: %v", ref, err)
		}
	}
	dir, err := d.Resolve(context.Background(), "challenge1")
	if err != nil || !filepath.IsAbs(dir) {
		t.Fatalf("resolve: %q %v", dir, err)
	}
}
