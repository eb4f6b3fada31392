package pipeline

import (
	"sync"
	"time"
)

// Run is one execution of the pipeline over a single work item. Stage
// progression is owned exclusively by the orchestrator; everything else reads
// through Snapshot.
type Run struct {
	ID   string
	Item WorkItem

	mu               sync.Mutex
	status           Status
	stage            Stage
	acc              Accumulator
	repairIterations int
	startedAt        time.Time
	finishedAt       time.Time
	errMessage       string
	result           *Result
	cancelled        bool
	closed           bool

	// terminal guards the one-terminal-event guarantee.
	terminal sync.Once
}

// newRun creates a pending run. Only the registry constructs runs.
func newRun(id string, item WorkItem) *Run {
	return &Run{
		ID:     id,
		Item:   item,
		status: StatusPending,
	}
}

// RunSnapshot is a consistent, read-only copy of a run's state.
type RunSnapshot struct {
	ID               string        `json:"id"`
	Item             WorkItem      `json:"work_item"`
	Status           Status        `json:"status"`
	Stage            Stage         `json:"stage,omitempty"`
	Results          []StageResult `json:"results,omitempty"`
	RepairIterations int           `json:"repair_iterations"`
	StartedAt        time.Time     `json:"started_at,omitempty"`
	FinishedAt       time.Time     `json:"finished_at,omitempty"`
	Error            string        `json:"error,omitempty"`
	Result           *Result       `json:"result,omitempty"`
	Closed           bool          `json:"closed,omitempty"`
}

// Snapshot returns a copy of the run's current state.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunSnapshot{
		ID:               r.ID,
		Item:             r.Item,
		Status:           r.status,
		Stage:            r.stage,
		Results:          r.acc.Results(),
		RepairIterations: r.repairIterations,
		StartedAt:        r.startedAt,
		FinishedAt:       r.finishedAt,
		Error:            r.errMessage,
		Result:           r.result,
		Closed:           r.closed,
	}
}

// Status returns the current lifecycle status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Cancel requests cancellation. It takes effect at the next stage boundary;
// an in-flight external call completes or times out and its result is
// discarded. Returns false if the run is already terminal.
func (r *Run) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.cancelled = true
	return true
}

func (r *Run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Run) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusRunning
	r.startedAt = time.Now().UTC()
}

func (r *Run) enterStage(stage Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage = stage
}

// appendResult records a completed stage result and returns the accumulator
// snapshot that includes it.
func (r *Run) appendResult(res StageResult) Accumulator {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acc = r.acc.Append(res)
	return r.acc
}

func (r *Run) context() Accumulator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acc
}

func (r *Run) setRepairIterations(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repairIterations = n
}

func (r *Run) finish(status Status, errMessage string, result *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.errMessage = errMessage
	r.result = result
	r.finishedAt = time.Now().UTC()
}

// close marks a terminal run evictable.
func (r *Run) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// evictable reports whether the run is closed and has been terminal for at
// least retention.
func (r *Run) evictable(retention time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed || r.finishedAt.IsZero() {
		return false
	}
	return time.Since(r.finishedAt) >= retention
}
