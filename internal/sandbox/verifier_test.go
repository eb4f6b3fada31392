package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"patchline/internal/config"
	"patchline/internal/pipeline"
)

type runnerCall struct {
	Dir     string
	Command string
}

type runnerResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	block    bool
}

type mockRunner struct {
	calls   []runnerCall
	results []runnerResult
	idx     int
}

func (m *mockRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	m.calls = append(m.calls, runnerCall{Dir: dir, Command: command})
	if m.idx >= len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[m.idx]
	m.idx++
	if r.block {
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}
	return r.stdout, r.stderr, r.exitCode, r.err
}

func testPatch() *pipeline.Patch {
	return &pipeline.Patch{
		Changes: []pipeline.FileChange{{
			Path: "pool.go",
			Diff: "--- a/pool.go\n+++ b/pool.go\n@@ -1 +1 @@\n-old\n+new\n",
		}},
	}
}

func sandboxConfig() config.Sandbox {
	return config.Sandbox{Command: "go test ./...", Workdir: "/repo", Timeout: "5s"}
}

func TestVerifyPassingRun(t *testing.T) {
	runner := &mockRunner{results: []runnerResult{
		{},  // git worktree add
		{},  // git apply
		{stdout: "--- PASS: TestShutdown (0.01s)\n--- PASS: TestEnqueue (0.00s)\nok\n"},
	}}
	v := NewVerifier(runner, sandboxConfig())

	outcome, err := v.Verify(context.Background(), testPatch(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Passed {
		t.Fatalf("expected passing outcome, feedback: %s", outcome.Feedback)
	}
	if outcome.TestsPassed != 2 || outcome.TestsTotal != 2 {
		t.Errorf("expected 2/2 tests, got %d/%d", outcome.TestsPassed, outcome.TestsTotal)
	}
	if outcome.Iteration != 1 {
		t.Errorf("iteration = %d", outcome.Iteration)
	}

	// Worktree commands run in the configured checkout; the check command runs
	// in the worktree.
	if len(runner.calls) < 3 {
		t.Fatalf("expected at least 3 commands, got %d", len(runner.calls))
	}
	if runner.calls[0].Dir != "/repo" || !strings.Contains(runner.calls[0].Command, "git worktree add") {
		t.Errorf("unexpected first command: %+v", runner.calls[0])
	}
	if runner.calls[2].Command != "go test ./..." {
		t.Errorf("unexpected check command: %+v", runner.calls[2])
	}
	if runner.calls[2].Dir == "/repo" {
		t.Error("check command should run in the worktree, not the checkout")
	}
}

func TestVerifyFailingTests(t *testing.T) {
	runner := &mockRunner{results: []runnerResult{
		{},
		{},
		{stdout: "--- FAIL: TestShutdown (0.01s)\n    pool_test.go:44: map write after close\n--- PASS: TestEnqueue (0.00s)\nFAIL\n", exitCode: 1},
	}}
	v := NewVerifier(runner, sandboxConfig())

	outcome, err := v.Verify(context.Background(), testPatch(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Passed {
		t.Fatal("expected failed outcome")
	}
	if outcome.TestsPassed != 1 || outcome.TestsTotal != 2 {
		t.Errorf("expected 1/2 tests, got %d/%d", outcome.TestsPassed, outcome.TestsTotal)
	}
	if !strings.Contains(outcome.Feedback, "failed test: TestShutdown") {
		t.Errorf("feedback missing failed test name: %s", outcome.Feedback)
	}
	if !strings.Contains(outcome.Feedback, "map write after close") {
		t.Errorf("feedback missing output tail: %s", outcome.Feedback)
	}
}

func TestVerifyNonZeroExitWithoutMarkers(t *testing.T) {
	runner := &mockRunner{results: []runnerResult{
		{},
		{},
		{stderr: "build failed: undefined: drain", exitCode: 2},
	}}
	v := NewVerifier(runner, sandboxConfig())

	outcome, err := v.Verify(context.Background(), testPatch(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Passed {
		t.Fatal("expected failed outcome")
	}
	if outcome.TestsTotal != 0 {
		t.Errorf("expected no parsed tests, got %d", outcome.TestsTotal)
	}
	if !strings.Contains(outcome.Feedback, "exited non-zero") {
		t.Errorf("feedback = %s", outcome.Feedback)
	}
	if !strings.Contains(outcome.Feedback, "undefined: drain") {
		t.Errorf("feedback missing stderr: %s", outcome.Feedback)
	}
}

func TestVerifyPatchDoesNotApply(t *testing.T) {
	runner := &mockRunner{results: []runnerResult{
		{},
		{stderr: "error: patch failed: pool.go:1", exitCode: 1},
	}}
	v := NewVerifier(runner, sandboxConfig())

	outcome, err := v.Verify(context.Background(), testPatch(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Passed {
		t.Fatal("expected failed outcome")
	}
	if !strings.Contains(outcome.Feedback, "does not apply cleanly") {
		t.Errorf("feedback = %s", outcome.Feedback)
	}
	if !strings.Contains(outcome.Feedback, "patch failed: pool.go:1") {
		t.Errorf("feedback missing git apply stderr: %s", outcome.Feedback)
	}
	// The check command never runs for an unapplicable patch.
	for _, c := range runner.calls {
		if c.Command == "go test ./..." {
			t.Error("check command ran despite patch failure")
		}
	}
}

func TestVerifyCommandTimeout(t *testing.T) {
	cfg := sandboxConfig()
	cfg.Timeout = "30ms"
	runner := &mockRunner{results: []runnerResult{
		{},
		{},
		{block: true},
	}}
	v := NewVerifier(runner, cfg)

	start := time.Now()
	outcome, err := v.Verify(context.Background(), testPatch(), 1)
	if err != nil {
		t.Fatalf("timeout should be a failed outcome, got error: %v", err)
	}
	if outcome.Passed {
		t.Fatal("expected failed outcome")
	}
	if !strings.Contains(outcome.Feedback, "timed out") {
		t.Errorf("feedback = %s", outcome.Feedback)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("verify did not honor the timeout, took %s", elapsed)
	}
}

func TestVerifyWorktreeFailureIsError(t *testing.T) {
	runner := &mockRunner{results: []runnerResult{
		{stderr: "fatal: not a git repository", exitCode: 128},
	}}
	v := NewVerifier(runner, sandboxConfig())

	if _, err := v.Verify(context.Background(), testPatch(), 1); err == nil {
		t.Fatal("worktree failure should surface as an error")
	}
}

func TestVerifyNilPatch(t *testing.T) {
	v := NewVerifier(&mockRunner{}, sandboxConfig())
	if _, err := v.Verify(context.Background(), nil, 1); err == nil {
		t.Fatal("expected error for nil patch")
	}
}

func TestParseTestOutputCountsResults(t *testing.T) {
	out := parseTestOutput("--- PASS: TestA\n--- FAIL: TestB\n--- PASS: TestC\n", "", 1)
	if out.TestsTotal != 3 || out.TestsPassed != 2 {
		t.Errorf("expected 2/3, got %d/%d", out.TestsPassed, out.TestsTotal)
	}
	if out.Passed {
		t.Error("non-zero exit should fail regardless of markers")
	}
}
