package pipeline

import (
	"context"
)

// ExecRequest is the input to a single stage execution.
type ExecRequest struct {
	Stage   Stage
	Context Accumulator

	// Item is set only for reconnaissance; every later stage builds its
	// input from prior stage payloads to bound prompt growth.
	Item *WorkItem

	// Feedback carries validator failure feedback into a generation retry.
	// This is the only channel by which verification influences generation.
	Feedback  string
	Iteration int

	// Patch is the generation output under verification.
	Patch *Patch
}

// Executor runs one pipeline stage. Implementations are stateless and
// reentrant; failures are returned as StageResult{Status: StageError},
// never as panics.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) StageResult
}

// RepairController governs the generation⇄verification cycle: it re-invokes
// generation with validator feedback until verification passes or the
// iteration cap is reached.
type RepairController struct {
	exec          Executor
	maxIterations int

	// announce is called before each stage invocation (for progress events).
	announce func(stage Stage, iteration int)
	// observe is called with each completed stage result and returns the
	// accumulator including it.
	observe func(res StageResult) Accumulator
	// cancelled is polled at stage boundaries.
	cancelled func() bool
}

// RepairResult is the outcome of a repair loop run. When verification never
// passed, Patch and Validation still carry the last attempt for manual
// review.
type RepairResult struct {
	Patch       *Patch
	Validation  *ValidationOutcome
	Iterations  int
	Exhausted   bool
	Cancelled   bool
	Err         *StageErr
	FailedStage Stage
}

// Run executes the bounded repair loop starting from the accumulated
// planning context.
func (c *RepairController) Run(ctx context.Context, acc Accumulator) RepairResult {
	res := RepairResult{}
	var feedback string

	for iter := 1; iter <= c.maxIterations; iter++ {
		res.Iterations = iter

		if c.isCancelled() {
			res.Cancelled = true
			return res
		}

		c.say(StageGeneration, iter)
		genRes := c.exec.Execute(ctx, ExecRequest{
			Stage:     StageGeneration,
			Context:   acc,
			Feedback:  feedback,
			Iteration: iter,
		})
		if genRes.Status == StageError {
			c.record(acc, genRes)
			res.Err = genRes.Err
			res.FailedStage = StageGeneration
			return res
		}
		patch := genRes.Payload.(*Patch)
		patch.Iteration = iter
		acc = c.record(acc, genRes)
		res.Patch = patch

		if c.isCancelled() {
			res.Cancelled = true
			return res
		}

		c.say(StageVerification, iter)
		verRes := c.exec.Execute(ctx, ExecRequest{
			Stage:     StageVerification,
			Context:   acc,
			Patch:     patch,
			Iteration: iter,
		})
		if verRes.Status == StageError {
			c.record(acc, verRes)
			res.Err = verRes.Err
			res.FailedStage = StageVerification
			return res
		}
		outcome := verRes.Payload.(*ValidationOutcome)
		outcome.Iteration = iter
		res.Validation = outcome

		if outcome.Passed {
			c.record(acc, verRes)
			return res
		}

		// Two consecutive byte-identical failure feedbacks mean no further
		// iteration will help; stop early regardless of remaining budget.
		converged := iter > 1 && outcome.Feedback == feedback
		if converged || iter == c.maxIterations {
			outcome.Exhausted = true
			c.record(acc, verRes)
			res.Exhausted = true
			return res
		}

		acc = c.record(acc, verRes)
		feedback = outcome.Feedback
	}

	res.Exhausted = true
	return res
}

func (c *RepairController) say(stage Stage, iteration int) {
	if c.announce != nil {
		c.announce(stage, iteration)
	}
}

func (c *RepairController) record(acc Accumulator, res StageResult) Accumulator {
	if c.observe != nil {
		return c.observe(res)
	}
	return acc.Append(res)
}

func (c *RepairController) isCancelled() bool {
	return c.cancelled != nil && c.cancelled()
}
