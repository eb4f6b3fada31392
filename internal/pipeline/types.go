package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies what sort of work item a run analyzes.
type Kind string

const (
	KindIssue       Kind = "issue"
	KindPullRequest Kind = "pull_request"
)

// Stage is one of the five fixed pipeline stages, in execution order.
type Stage string

const (
	StageReconnaissance Stage = "reconnaissance"
	StagePlanning       Stage = "planning"
	StageDesign         Stage = "design"
	StageGeneration     Stage = "generation"
	StageVerification   Stage = "verification"
)

// StageOrder is the fixed, total ordering of stages. No stage may run
// before its predecessor's result is done.
var StageOrder = []Stage{
	StageReconnaissance,
	StagePlanning,
	StageDesign,
	StageGeneration,
	StageVerification,
}

// Status is the lifecycle status of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal one.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// WorkItem is the unit under analysis: a GitHub issue or pull request plus
// its extracted context. Immutable once a run starts.
type WorkItem struct {
	RepoOwner string   `json:"repo_owner"`
	RepoName  string   `json:"repo_name"`
	Kind      Kind     `json:"kind"`
	Number    int      `json:"number"`
	Title     string   `json:"title,omitempty"`
	Body      string   `json:"body,omitempty"`
	Comments  []string `json:"comments,omitempty"`
	Diff      string   `json:"diff,omitempty"`
	Labels    []string `json:"labels,omitempty"`
}

// Repo returns the owner/name form of the repository.
func (w *WorkItem) Repo() string {
	return w.RepoOwner + "/" + w.RepoName
}

// Validate checks the identifying fields required before a run may be created.
func (w *WorkItem) Validate() error {
	var missing []string
	if w.RepoOwner == "" {
		missing = append(missing, "repo_owner")
	}
	if w.RepoName == "" {
		missing = append(missing, "repo_name")
	}
	if w.Number <= 0 {
		missing = append(missing, "number")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidWorkItem, strings.Join(missing, ", "))
	}
	if w.Kind != KindIssue && w.Kind != KindPullRequest {
		return fmt.Errorf("%w: kind must be %q or %q, got %q", ErrInvalidWorkItem, KindIssue, KindPullRequest, w.Kind)
	}
	return nil
}

// StageStatus is the status of a single stage result.
type StageStatus string

const (
	StageRunning StageStatus = "running"
	StageDone    StageStatus = "done"
	StageError   StageStatus = "error"
)

// StageResult is the output of one stage. Append-only within a run; never
// mutated after being marked done or error.
type StageResult struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	Payload    Payload     `json:"payload,omitempty"`
	Err        *StageErr   `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Payload is the stage-specific structured output, one shape per stage.
type Payload interface {
	Kind() Stage
	Validate() error
}

// ReconReport is the reconnaissance stage payload: repository and issue
// intelligence gathered before any analysis.
type ReconReport struct {
	Summary        string   `json:"summary"`
	IssueDigest    string   `json:"issue_digest,omitempty"`
	RepoStructure  []string `json:"repo_structure,omitempty"`
	RelatedIssues  []int    `json:"related_issues,omitempty"`
	RelatedPRs     []int    `json:"related_prs,omitempty"`
	RecentCommits  string   `json:"recent_commits,omitempty"`
	ReviewComments string   `json:"review_comments,omitempty"`
}

func (r *ReconReport) Kind() Stage { return StageReconnaissance }

func (r *ReconReport) Validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return fmt.Errorf("reconnaissance summary is empty")
	}
	return nil
}

// TechnicalClues are signals extracted from the work item text during planning.
type TechnicalClues struct {
	ErrorMessages      []string `json:"error_messages,omitempty"`
	MentionedFiles     []string `json:"mentioned_files,omitempty"`
	MentionedFunctions []string `json:"mentioned_functions,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	StackTrace         string   `json:"stack_trace,omitempty"`
}

// Issue classifications produced by the planning stage.
const (
	IssueTypeBug         = "bug"
	IssueTypeFeature     = "feature_request"
	IssueTypePerformance = "performance"
	IssueTypeRefactor    = "refactor"
	IssueTypeDocs        = "documentation"
	IssueTypeTestFailure = "test_failure"
	IssueTypeDeprecation = "deprecation"
)

// TriageReport is the planning stage payload: classification plus the
// behavioural analysis later stages plan against.
type TriageReport struct {
	Summary             string         `json:"summary"`
	IssueType           string         `json:"issue_type"`
	Severity            string         `json:"severity,omitempty"`
	Priority            string         `json:"priority,omitempty"`
	ExpectedBehavior    string         `json:"expected_behavior,omitempty"`
	ActualBehavior      string         `json:"actual_behavior,omitempty"`
	ReproductionSteps   []string       `json:"reproduction_steps,omitempty"`
	Clues               TechnicalClues `json:"technical_clues,omitempty"`
	SuspectedComponents []string       `json:"suspected_components,omitempty"`
	UserError           bool           `json:"user_error,omitempty"`
	Advice              string         `json:"advice,omitempty"`
	Confidence          float64        `json:"confidence"`
}

func (t *TriageReport) Kind() Stage { return StagePlanning }

func (t *TriageReport) Validate() error {
	if strings.TrimSpace(t.Summary) == "" {
		return fmt.Errorf("triage summary is empty")
	}
	if t.IssueType == "" {
		return fmt.Errorf("issue_type is empty")
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", t.Confidence)
	}
	return nil
}

// FileTarget is a codebase location identified during design.
type FileTarget struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PlanStep is a single step in the design stage's implementation plan.
type PlanStep struct {
	Number      int      `json:"number"`
	Action      string   `json:"action"` // CREATE, MODIFY, DELETE, TEST
	Description string   `json:"description"`
	TargetFiles []string `json:"target_files,omitempty"`
	Rationale   string   `json:"rationale,omitempty"`
}

// DesignPlan is the design stage payload: file-level edit intents.
type DesignPlan struct {
	Summary            string       `json:"summary"`
	Targets            []FileTarget `json:"targets,omitempty"`
	Steps              []PlanStep   `json:"steps"`
	AffectedTests      []string     `json:"affected_tests,omitempty"`
	CrossModuleImpacts []string     `json:"cross_module_impacts,omitempty"`
	Complexity         string       `json:"complexity,omitempty"`
	Confidence         float64      `json:"confidence"`
}

func (d *DesignPlan) Kind() Stage { return StageDesign }

func (d *DesignPlan) Validate() error {
	if strings.TrimSpace(d.Summary) == "" {
		return fmt.Errorf("plan summary is empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	return nil
}

// FileChange is a single file-scoped change within a patch.
type FileChange struct {
	Path        string `json:"path"`
	Diff        string `json:"diff"`
	Description string `json:"description,omitempty"`
}

// Patch is the generation stage payload: a structured code change. Immutable
// once produced; each repair iteration produces a new Patch.
type Patch struct {
	Changes      []FileChange `json:"changes"`
	Explanation  string       `json:"explanation,omitempty"`
	NewFiles     []string     `json:"new_files,omitempty"`
	DeletedFiles []string     `json:"deleted_files,omitempty"`
	CombinedDiff string       `json:"combined_diff,omitempty"`
	Iteration    int          `json:"iteration"`
	Confidence   float64      `json:"confidence"`
}

func (p *Patch) Kind() Stage { return StageGeneration }

func (p *Patch) Validate() error {
	if len(p.Changes) == 0 {
		return fmt.Errorf("patch has no file changes")
	}
	for i, c := range p.Changes {
		if c.Path == "" {
			return fmt.Errorf("change %d has no file path", i)
		}
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", p.Confidence)
	}
	return nil
}

// AffectedFiles returns the sorted set of file paths the patch touches.
func (p *Patch) AffectedFiles() []string {
	seen := make(map[string]bool)
	var files []string
	for _, c := range p.Changes {
		if !seen[c.Path] {
			files = append(files, c.Path)
			seen[c.Path] = true
		}
	}
	sort.Strings(files)
	return files
}

// UnifiedDiff returns the combined diff, assembling it from the per-file
// hunks when the model did not supply one.
func (p *Patch) UnifiedDiff() string {
	if p.CombinedDiff != "" {
		return p.CombinedDiff
	}
	var parts []string
	for _, c := range p.Changes {
		if c.Diff != "" {
			parts = append(parts, c.Diff)
		}
	}
	return strings.Join(parts, "\n")
}

// TestResult is the result of one test executed during verification.
type TestResult struct {
	Name    string  `json:"name"`
	Passed  bool    `json:"passed"`
	Error   string  `json:"error,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
}

// ValidationOutcome is the verification stage payload: the result of applying
// a patch and running checks against it.
type ValidationOutcome struct {
	Passed             bool         `json:"passed"`
	TestsPassed        int          `json:"tests_passed"`
	TestsTotal         int          `json:"tests_total"`
	Results            []TestResult `json:"results,omitempty"`
	RegressionDetected bool         `json:"regression_detected,omitempty"`
	Feedback           string       `json:"feedback,omitempty"`
	Iteration          int          `json:"iteration"`
	Exhausted          bool         `json:"exhausted,omitempty"`
}

func (v *ValidationOutcome) Kind() Stage { return StageVerification }

func (v *ValidationOutcome) Validate() error {
	if v.TestsPassed > v.TestsTotal {
		return fmt.Errorf("tests_passed %d exceeds tests_total %d", v.TestsPassed, v.TestsTotal)
	}
	if !v.Passed && strings.TrimSpace(v.Feedback) == "" {
		return fmt.Errorf("failed validation carries no feedback")
	}
	return nil
}

// Event is a single pipeline notification delivered to subscribers.
// Name is one of the five stage names plus "start", "complete" and "error".
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"data,omitempty"`
}

// Result is the aggregated terminal artifact carried by the complete event.
type Result struct {
	RunID            string             `json:"run_id"`
	Repo             string             `json:"repo"`
	Kind             Kind               `json:"kind"`
	Number           int                `json:"number"`
	RootCause        string             `json:"root_cause,omitempty"`
	PlanSummary      string             `json:"plan_summary,omitempty"`
	Patch            *Patch             `json:"patch,omitempty"`
	Validation       *ValidationOutcome `json:"validation,omitempty"`
	AffectedFiles    []string           `json:"affected_files,omitempty"`
	Confidence       float64            `json:"confidence"`
	RepairIterations int                `json:"repair_iterations"`
	UserError        bool               `json:"user_error,omitempty"`
	Advice           string             `json:"advice,omitempty"`
	Duration         string             `json:"duration,omitempty"`
}
