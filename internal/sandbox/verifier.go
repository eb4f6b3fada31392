// Package sandbox verifies generated patches deterministically: apply the
// diff in a throwaway git worktree and run the configured check command.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"patchline/internal/config"
	"patchline/internal/pipeline"
)

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Verifier applies a patch in an isolated worktree and runs the configured
// command against it. A failing command is a failed outcome, not an error;
// errors are reserved for infrastructure problems.
type Verifier struct {
	cmd CommandRunner
	cfg config.Sandbox
}

// NewVerifier creates a Verifier. The sandbox config must carry a command
// and a workdir pointing at a git checkout.
func NewVerifier(cmd CommandRunner, cfg config.Sandbox) *Verifier {
	return &Verifier{cmd: cmd, cfg: cfg}
}

// Verify applies the patch and runs the check command.
func (v *Verifier) Verify(ctx context.Context, patch *pipeline.Patch, iteration int) (*pipeline.ValidationOutcome, error) {
	if patch == nil {
		return nil, fmt.Errorf("no patch to verify")
	}

	worktree, cleanup, err := v.addWorktree(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if feedback, ok := v.applyPatch(ctx, worktree, patch); !ok {
		return &pipeline.ValidationOutcome{
			Passed:    false,
			Feedback:  feedback,
			Iteration: iteration,
		}, nil
	}

	timeout := v.cfg.TimeoutDuration()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, runErr := v.cmd.Run(runCtx, worktree, v.cfg.Command)
	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return &pipeline.ValidationOutcome{
				Passed:    false,
				Feedback:  fmt.Sprintf("verification command timed out after %s", timeout),
				Iteration: iteration,
			}, nil
		}
		return nil, fmt.Errorf("run verification command: %w", runErr)
	}

	outcome := parseTestOutput(stdout, stderr, exitCode)
	outcome.Iteration = iteration
	return outcome, nil
}

// addWorktree creates a detached throwaway worktree off the sandbox checkout.
func (v *Verifier) addWorktree(ctx context.Context) (string, func(), error) {
	dir, err := os.MkdirTemp("", "patchline-verify-")
	if err != nil {
		return "", nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	worktree := filepath.Join(dir, "worktree")

	_, stderr, code, err := v.cmd.Run(ctx, v.cfg.Workdir,
		fmt.Sprintf("git worktree add --detach %q", worktree))
	if err != nil || code != 0 {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("add worktree: %s", firstLine(stderr))
	}

	cleanup := func() {
		cleanCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _, _, _ = v.cmd.Run(cleanCtx, v.cfg.Workdir,
			fmt.Sprintf("git worktree remove --force %q", worktree))
		os.RemoveAll(dir)
	}
	return worktree, cleanup, nil
}

// applyPatch stages the unified diff in a temp file and applies it. A
// rejected patch is verification feedback for the next generation iteration.
func (v *Verifier) applyPatch(ctx context.Context, worktree string, patch *pipeline.Patch) (string, bool) {
	diffFile, err := os.CreateTemp("", "patchline-*.diff")
	if err != nil {
		return fmt.Sprintf("could not stage diff: %v", err), false
	}
	diffPath := diffFile.Name()
	defer os.Remove(diffPath)

	_, writeErr := diffFile.WriteString(patch.UnifiedDiff())
	closeErr := diffFile.Close()
	if writeErr != nil || closeErr != nil {
		return fmt.Sprintf("could not stage diff: %v", writeErr), false
	}

	_, stderr, code, err := v.cmd.Run(ctx, worktree,
		fmt.Sprintf("git apply --whitespace=nowarn %q", diffPath))
	if err != nil || code != 0 {
		return fmt.Sprintf("patch does not apply cleanly: %s", firstLines(stderr, 10)), false
	}
	return "", true
}

var (
	testPassRe = regexp.MustCompile(`(?m)^--- PASS: (\S+)`)
	testFailRe = regexp.MustCompile(`(?m)^--- FAIL: (\S+)`)
)

// parseTestOutput extracts per-test results from go test style output,
// falling back to the exit code when no test markers are present.
func parseTestOutput(stdout, stderr string, exitCode int) *pipeline.ValidationOutcome {
	combined := stdout + "\n" + stderr
	outcome := &pipeline.ValidationOutcome{Passed: exitCode == 0}

	for _, m := range testPassRe.FindAllStringSubmatch(combined, -1) {
		outcome.Results = append(outcome.Results, pipeline.TestResult{Name: m[1], Passed: true})
		outcome.TestsPassed++
		outcome.TestsTotal++
	}
	for _, m := range testFailRe.FindAllStringSubmatch(combined, -1) {
		outcome.Results = append(outcome.Results, pipeline.TestResult{Name: m[1], Passed: false})
		outcome.TestsTotal++
	}

	if !outcome.Passed {
		outcome.Feedback = failureFeedback(combined, outcome)
	}
	return outcome
}

// failureFeedback builds actionable feedback from failing output: the failed
// test names plus the tail of the command output.
func failureFeedback(combined string, outcome *pipeline.ValidationOutcome) string {
	var sb strings.Builder
	failed := 0
	for _, r := range outcome.Results {
		if !r.Passed {
			fmt.Fprintf(&sb, "failed test: %s\n", r.Name)
			failed++
		}
	}
	if failed == 0 {
		sb.WriteString("verification command exited non-zero\n")
	}
	sb.WriteString("\ncommand output (tail):\n")
	sb.WriteString(lastLines(combined, 40))
	return sb.String()
}

func firstLine(s string) string {
	return firstLines(s, 1)
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
