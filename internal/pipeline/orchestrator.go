package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"patchline/internal/metrics"
)

// Publisher fans pipeline events out to subscribers. Publishing must never
// block stage execution.
type Publisher interface {
	Publish(runID string, ev Event)
	CloseRun(runID string)
}

// Archiver persists a terminal run record.
type Archiver interface {
	ArchiveRun(snap *RunSnapshot) error
}

// Opts configures an Orchestrator.
type Opts struct {
	MaxRepairIterations int
	RunTimeout          time.Duration
	Archivers           []Archiver
}

// Orchestrator sequences the five stages, owns each run's lifecycle, drives
// the repair loop, and emits the event stream.
type Orchestrator struct {
	registry      *Registry
	exec          Executor
	events        Publisher
	archivers     []Archiver
	maxIterations int
	runTimeout    time.Duration
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(registry *Registry, exec Executor, events Publisher, opts Opts) *Orchestrator {
	maxIter := opts.MaxRepairIterations
	if maxIter <= 0 {
		maxIter = 3
	}
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Orchestrator{
		registry:      registry,
		exec:          exec,
		events:        events,
		archivers:     opts.Archivers,
		maxIterations: maxIter,
		runTimeout:    timeout,
	}
}

// StartRun validates the work item, registers a run, and starts driving it
// in its own goroutine. Returns the run identifier immediately.
func (o *Orchestrator) StartRun(item WorkItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}
	run, err := o.registry.Create(item)
	if err != nil {
		return "", err
	}
	metrics.RunsStarted.Inc()
	go o.drive(run)
	return run.ID, nil
}

// Cancel requests cancellation of a run. Effective at the next stage
// boundary.
func (o *Orchestrator) Cancel(runID string) error {
	run, err := o.registry.Get(runID)
	if err != nil {
		return err
	}
	if !run.Cancel() {
		return fmt.Errorf("run %s is already terminal", runID)
	}
	return nil
}

// drive executes the full pipeline for one run. Exactly one terminal event
// (complete or error) is emitted, guarded by the run's terminal once.
func (o *Orchestrator) drive(run *Run) {
	run.start()
	log.Printf("run %s: started (%s %s#%d)", run.ID, run.Item.Kind, run.Item.Repo(), run.Item.Number)

	o.publish(run, Event{Name: "start", Payload: map[string]any{
		"run_id": run.ID,
		"repo":   run.Item.Repo(),
		"kind":   run.Item.Kind,
		"number": run.Item.Number,
	}})

	// Watchdog: the stream must terminate even if a stage misbehaves past
	// its own deadline. Fires a synthetic error and closes the run.
	watchdog := time.AfterFunc(o.runTimeout, func() {
		o.terminate(run, StatusFailed, fmt.Sprintf("run exceeded maximum duration %s", o.runTimeout), nil)
	})
	defer watchdog.Stop()

	ctx := context.Background()

	// Stages before the repair loop are never retried automatically.
	for _, st := range []Stage{StageReconnaissance, StagePlanning, StageDesign} {
		if o.stopped(run) {
			return
		}
		run.enterStage(st)
		o.publish(run, stageRunningEvent(st, 0))

		req := ExecRequest{Stage: st, Context: run.context()}
		if st == StageReconnaissance {
			// Only reconnaissance sees the raw work item; later stages work
			// from prior stage payloads.
			item := run.Item
			req.Item = &item
		}
		res := o.exec.Execute(ctx, req)

		if o.stopped(run) {
			// Cancellation or watchdog fired mid-call; the result is
			// discarded and no further stages run.
			return
		}
		if res.Status == StageError {
			o.observe(run, res)
			o.terminate(run, StatusFailed, res.Err.Message, nil)
			return
		}
		o.observe(run, res)

		// Planning may determine the issue is a user error, not a code
		// defect: stop with advice, no patch needed.
		if st == StagePlanning {
			if triage, ok := res.Payload.(*TriageReport); ok && triage.UserError {
				o.terminate(run, StatusSucceeded, "", o.buildResult(run))
				return
			}
		}
	}

	if o.stopped(run) {
		return
	}

	// Generation⇄verification under the repair controller.
	rc := &RepairController{
		exec:          o.exec,
		maxIterations: o.maxIterations,
		announce: func(stage Stage, iteration int) {
			run.enterStage(stage)
			run.setRepairIterations(iteration)
			o.publish(run, stageRunningEvent(stage, iteration))
		},
		observe: func(res StageResult) Accumulator {
			return o.observe(run, res)
		},
		cancelled: func() bool { return o.stopped(run) },
	}
	rr := rc.Run(ctx, run.context())
	metrics.RepairIterations.Observe(float64(rr.Iterations))

	switch {
	case rr.Cancelled:
		// terminate was already reached via cancellation path in stopped().
		return
	case rr.Err != nil:
		o.terminate(run, StatusFailed, rr.Err.Message, nil)
	case rr.Exhausted:
		result := o.buildResult(run)
		o.terminateExhausted(run, rr, result)
	default:
		o.terminate(run, StatusSucceeded, "", o.buildResult(run))
	}
}

// stopped reports whether the run can no longer make progress, emitting the
// cancellation terminal event on first sight of a cancelled run.
func (o *Orchestrator) stopped(run *Run) bool {
	if run.Status().Terminal() {
		return true
	}
	if run.isCancelled() {
		o.terminate(run, StatusCancelled, "run cancelled", nil)
		return true
	}
	return false
}

// observe appends a completed stage result and emits its event.
func (o *Orchestrator) observe(run *Run, res StageResult) Accumulator {
	acc := run.appendResult(res)
	if res.Status == StageError {
		metrics.StageErrors.WithLabelValues(string(res.Stage), string(res.Err.Kind)).Inc()
		o.publish(run, Event{Name: string(res.Stage), Payload: map[string]any{
			"status":  "error",
			"kind":    res.Err.Kind,
			"message": res.Err.Message,
		}})
		return acc
	}
	o.publish(run, Event{Name: string(res.Stage), Payload: map[string]any{
		"status":  "done",
		"payload": res.Payload,
	}})
	return acc
}

// terminate finishes the run exactly once: sets terminal state, emits the
// terminal event, closes the event stream, and archives the record.
func (o *Orchestrator) terminate(run *Run, status Status, errMessage string, result *Result) {
	run.terminal.Do(func() {
		run.finish(status, errMessage, result)
		switch status {
		case StatusSucceeded:
			o.publish(run, Event{Name: "complete", Payload: result})
		default:
			o.publish(run, Event{Name: "error", Payload: map[string]any{"message": errMessage}})
		}
		o.finalize(run, status)
	})
}

// terminateExhausted handles the repair-exhausted business outcome: the run
// fails, but the best-effort patch is kept on the run record for manual
// review.
func (o *Orchestrator) terminateExhausted(run *Run, rr RepairResult, result *Result) {
	run.terminal.Do(func() {
		msg := fmt.Sprintf("repair loop exhausted after %d iterations without passing verification", rr.Iterations)
		run.finish(StatusFailed, msg, result)
		o.publish(run, Event{Name: "error", Payload: map[string]any{
			"message": msg,
			"kind":    ErrRepairExhausted,
		}})
		o.finalize(run, StatusFailed)
	})
}

func (o *Orchestrator) finalize(run *Run, status Status) {
	o.events.CloseRun(run.ID)
	metrics.RunsCompleted.WithLabelValues(string(status)).Inc()

	snap := run.Snapshot()
	for _, a := range o.archivers {
		if err := a.ArchiveRun(&snap); err != nil {
			log.Printf("run %s: archive: %v", run.ID, err)
		}
	}
	run.close()
	log.Printf("run %s: %s", run.ID, status)
}

// buildResult aggregates the terminal artifact from the run's accumulated
// stage results.
func (o *Orchestrator) buildResult(run *Run) *Result {
	snap := run.Snapshot()
	acc := run.context()

	result := &Result{
		RunID:            run.ID,
		Repo:             run.Item.Repo(),
		Kind:             run.Item.Kind,
		Number:           run.Item.Number,
		RepairIterations: snap.RepairIterations,
	}
	if !snap.StartedAt.IsZero() {
		result.Duration = time.Since(snap.StartedAt).Round(time.Millisecond).String()
	}

	if triage := acc.Triage(); triage != nil {
		result.RootCause = triage.Summary
		result.Confidence = triage.Confidence
		result.UserError = triage.UserError
		result.Advice = triage.Advice
	}
	if design := acc.Design(); design != nil {
		result.PlanSummary = design.Summary
	}
	if patch, ok := acc.Payload(StageGeneration).(*Patch); ok {
		result.Patch = patch
		result.AffectedFiles = patch.AffectedFiles()
		result.Confidence = patch.Confidence
	}
	if outcome, ok := acc.Payload(StageVerification).(*ValidationOutcome); ok {
		result.Validation = outcome
	}
	return result
}

func (o *Orchestrator) publish(run *Run, ev Event) {
	o.events.Publish(run.ID, ev)
}

// stageRunningEvent builds the running notification for a stage.
func stageRunningEvent(stage Stage, iteration int) Event {
	msg := map[Stage]string{
		StageReconnaissance: "gathering repository and issue intelligence",
		StagePlanning:       "classifying the work item and analyzing behavior",
		StageDesign:         "planning the implementation",
		StageGeneration:     "generating patch",
		StageVerification:   "verifying patch",
	}[stage]
	payload := map[string]any{
		"status":  "running",
		"message": msg,
	}
	if iteration > 0 {
		payload["iteration"] = iteration
	}
	return Event{Name: string(stage), Payload: payload}
}
