// Package github fetches work items and publishes patches through the gh CLI.
package github

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"patchline/internal/pipeline"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	RunGit(dir string, args ...string) (string, error)
}

// ExecRunner runs gh and git commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RunGit implements GitRunner using exec.Command.
func (r *ExecRunner) RunGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides GitHub operations.
type Client struct {
	cmd CmdRunner
	git GitRunner
}

// NewClient creates a GitHub client. If cmd also implements GitRunner,
// it will be used for git operations (e.g., PushBranch).
func NewClient(cmd CmdRunner) *Client {
	c := &Client{cmd: cmd}
	if git, ok := cmd.(GitRunner); ok {
		c.git = git
	}
	return c
}

// Issue is the gh JSON shape shared by issues and pull requests.
type Issue struct {
	Number   int       `json:"number"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	State    string    `json:"state"`
	Labels   []Label   `json:"labels"`
	Comments []Comment `json:"comments"`
}

// Label represents a GitHub label.
type Label struct {
	Name string `json:"name"`
}

// Comment represents one discussion comment.
type Comment struct {
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	Body string `json:"body"`
}

// ValidateNumber checks that an issue or PR number is positive.
func ValidateNumber(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid number %d: must be positive", n)
	}
	return nil
}

// GetIssue fetches a GitHub issue by repo and number.
func (c *Client) GetIssue(repo string, number int) (*Issue, error) {
	if err := ValidateNumber(number); err != nil {
		return nil, err
	}

	out, err := c.cmd.Run("issue", "view", fmt.Sprintf("%d", number),
		"-R", repo, "--json", "number,title,body,state,labels,comments")
	if err != nil {
		return nil, fmt.Errorf("get issue %s#%d: %w", repo, number, err)
	}

	var issue Issue
	if err := json.Unmarshal([]byte(out), &issue); err != nil {
		return nil, fmt.Errorf("parse issue JSON: %w", err)
	}
	return &issue, nil
}

// GetPullRequest fetches a pull request and its diff by repo and number.
func (c *Client) GetPullRequest(repo string, number int) (*Issue, string, error) {
	if err := ValidateNumber(number); err != nil {
		return nil, "", err
	}

	out, err := c.cmd.Run("pr", "view", fmt.Sprintf("%d", number),
		"-R", repo, "--json", "number,title,body,state,labels,comments")
	if err != nil {
		return nil, "", fmt.Errorf("get pr %s#%d: %w", repo, number, err)
	}

	var pr Issue
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return nil, "", fmt.Errorf("parse pr JSON: %w", err)
	}

	diff, err := c.cmd.Run("pr", "diff", fmt.Sprintf("%d", number), "-R", repo)
	if err != nil {
		return nil, "", fmt.Errorf("get pr diff %s#%d: %w", repo, number, err)
	}
	return &pr, diff, nil
}

// FetchWorkItem pulls a work item from GitHub into the pipeline's input shape.
func (c *Client) FetchWorkItem(owner, name string, kind pipeline.Kind, number int) (*pipeline.WorkItem, error) {
	repo := owner + "/" + name

	var issue *Issue
	var diff string
	var err error
	switch kind {
	case pipeline.KindPullRequest:
		issue, diff, err = c.GetPullRequest(repo, number)
	default:
		issue, err = c.GetIssue(repo, number)
	}
	if err != nil {
		return nil, err
	}

	item := &pipeline.WorkItem{
		RepoOwner: owner,
		RepoName:  name,
		Kind:      kind,
		Number:    issue.Number,
		Title:     issue.Title,
		Body:      issue.Body,
		Diff:      diff,
	}
	for _, l := range issue.Labels {
		item.Labels = append(item.Labels, l.Name)
	}
	for _, cm := range issue.Comments {
		item.Comments = append(item.Comments, fmt.Sprintf("%s: %s", cm.Author.Login, cm.Body))
	}
	return item, nil
}

// PRCreateOpts holds options for creating a PR.
type PRCreateOpts struct {
	Repo   string
	Title  string
	Body   string
	Branch string
	Base   string
}

// PRCreateResult holds the result of creating a PR.
type PRCreateResult struct {
	URL string
}

// CreatePR creates a pull request.
func (c *Client) CreatePR(opts PRCreateOpts) (*PRCreateResult, error) {
	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body, "--head", opts.Branch}
	if opts.Repo != "" {
		args = append(args, "-R", opts.Repo)
	}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}

	out, err := c.cmd.Run(args...)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return &PRCreateResult{URL: out}, nil
}

// PushBranch pushes a branch to the remote.
func (c *Client) PushBranch(dir string, branch string) error {
	if c.git == nil {
		return fmt.Errorf("git runner not configured")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	_, err := c.git.RunGit(dir, "push", "-u", "origin", branch)
	if err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// PublishPatch applies a patch on a fresh branch in the given checkout,
// commits, pushes, and opens a pull request referencing the work item.
func (c *Client) PublishPatch(dir string, result *pipeline.Result) (*PRCreateResult, error) {
	if c.git == nil {
		return nil, fmt.Errorf("git runner not configured")
	}
	if result == nil || result.Patch == nil {
		return nil, fmt.Errorf("no patch to publish")
	}

	branch := fmt.Sprintf("patchline/%s-%d", result.Kind, result.Number)
	if _, err := c.git.RunGit(dir, "checkout", "-b", branch); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}

	diffFile, err := os.CreateTemp("", "patchline-*.diff")
	if err != nil {
		return nil, fmt.Errorf("stage diff: %w", err)
	}
	defer os.Remove(diffFile.Name())
	if _, err := diffFile.WriteString(result.Patch.UnifiedDiff()); err != nil {
		diffFile.Close()
		return nil, fmt.Errorf("stage diff: %w", err)
	}
	diffFile.Close()

	if _, err := c.git.RunGit(dir, "apply", "--whitespace=nowarn", diffFile.Name()); err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	if _, err := c.git.RunGit(dir, "add", "-A"); err != nil {
		return nil, fmt.Errorf("stage changes: %w", err)
	}
	msg := fmt.Sprintf("Fix #%d\n\n%s", result.Number, result.Patch.Explanation)
	if _, err := c.git.RunGit(dir, "commit", "-m", msg); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if err := c.PushBranch(dir, branch); err != nil {
		return nil, err
	}

	return c.CreatePR(PRCreateOpts{
		Repo:   result.Repo,
		Title:  fmt.Sprintf("Fix #%d: %s", result.Number, firstSentence(result.RootCause)),
		Body:   fmt.Sprintf("Closes #%d\n\n%s", result.Number, result.Patch.Explanation),
		Branch: branch,
	})
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, ".\n"); idx > 0 {
		return s[:idx]
	}
	if len(s) > 80 {
		return s[:80]
	}
	return s
}
