// Package stage executes individual pipeline stages against the model
// backend and, for verification, an optional command sandbox.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"patchline/internal/config"
	"patchline/internal/llm"
	"patchline/internal/metrics"
	"patchline/internal/pipeline"
	"patchline/internal/prompt"
)

const systemPrompt = `You are one agent in an automated code-repair pipeline. You always answer
with exactly one JSON object matching the schema in the instructions, with no
prose, no markdown fences, and no commentary outside the object.`

// Verifier checks a generated patch deterministically, outside the model.
// When configured, it replaces model-based review for the verification stage.
type Verifier interface {
	Verify(ctx context.Context, patch *pipeline.Patch, iteration int) (*pipeline.ValidationOutcome, error)
}

// Executor runs single stages: render prompt, invoke the model, decode and
// validate the stage payload. It is stateless across calls and safe for
// concurrent use.
type Executor struct {
	llm       llm.Client
	cfg       *config.Patchline
	verifier  Verifier
	promptDir string
}

// NewExecutor creates a stage executor.
func NewExecutor(client llm.Client, cfg *config.Patchline) *Executor {
	return &Executor{
		llm:       client,
		cfg:       cfg,
		promptDir: cfg.PromptDir,
	}
}

// SetVerifier installs a sandbox verifier for the verification stage.
func (e *Executor) SetVerifier(v Verifier) {
	e.verifier = v
}

// Execute runs one stage to completion within the stage's configured
// deadline. All failures come back as StageResult{Status: StageError}.
func (e *Executor) Execute(ctx context.Context, req pipeline.ExecRequest) pipeline.StageResult {
	start := time.Now().UTC()
	res := pipeline.StageResult{Stage: req.Stage, StartedAt: start}

	stageCfg := e.cfg.Stages[string(req.Stage)]
	deadline := stageCfg.TimeoutDuration(5 * time.Minute)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	payload, stageErr := e.run(ctx, req, &stageCfg)

	res.FinishedAt = time.Now().UTC()
	metrics.StageDuration.WithLabelValues(string(req.Stage)).Observe(res.FinishedAt.Sub(start).Seconds())

	if stageErr != nil {
		res.Status = pipeline.StageError
		res.Err = stageErr
		return res
	}
	res.Status = pipeline.StageDone
	res.Payload = payload
	return res
}

func (e *Executor) run(ctx context.Context, req pipeline.ExecRequest, stageCfg *config.Stage) (pipeline.Payload, *pipeline.StageErr) {
	if req.Stage == pipeline.StageVerification && e.verifier != nil {
		return e.verifySandboxed(ctx, req)
	}
	return e.invokeModel(ctx, req, stageCfg)
}

// verifySandboxed applies the patch and runs the configured command instead
// of asking the model for review.
func (e *Executor) verifySandboxed(ctx context.Context, req pipeline.ExecRequest) (pipeline.Payload, *pipeline.StageErr) {
	outcome, err := e.verifier.Verify(ctx, req.Patch, req.Iteration)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, pipeline.NewStageErr(req.Stage, pipeline.ErrUpstreamTimeout, "sandbox verification timed out")
		}
		return nil, pipeline.NewStageErr(req.Stage, pipeline.ErrUpstreamError, "sandbox verification: %v", err)
	}
	return outcome, nil
}

// invokeModel renders the stage prompt, calls the model, and decodes the
// payload. A response that violates the stage schema earns exactly one
// corrective re-prompt before the stage fails.
func (e *Executor) invokeModel(ctx context.Context, req pipeline.ExecRequest, stageCfg *config.Stage) (pipeline.Payload, *pipeline.StageErr) {
	rendered, err := e.renderPrompt(req)
	if err != nil {
		return nil, pipeline.NewStageErr(req.Stage, pipeline.ErrUpstreamError, "render prompt: %v", err)
	}

	llmReq := llm.Request{
		System:      systemPrompt,
		Prompt:      rendered,
		Model:       stageCfg.Model,
		MaxTokens:   stageCfg.MaxTokens,
		Temperature: stageCfg.Temperature,
	}

	// One corrective re-prompt, total, for any schema-level failure.
	var lastProblem string
	for attempt := 0; attempt < 2; attempt++ {
		call := llmReq
		if attempt > 0 {
			log.Printf("stage %s: schema violation, re-prompting once: %s", req.Stage, lastProblem)
			call = withCorrection(llmReq, lastProblem)
		}

		raw, invokeErr := e.llm.Invoke(ctx, call)
		if invokeErr != nil {
			if kindErr := classifyInvokeErr(ctx, req.Stage, invokeErr); kindErr != nil {
				return nil, kindErr
			}
			lastProblem = "your response contained no JSON object"
			continue
		}

		payload, decodeErr := decodePayload(req.Stage, raw)
		if decodeErr == nil {
			return payload, nil
		}
		lastProblem = decodeErr.Error()
	}

	return nil, pipeline.NewStageErr(req.Stage, pipeline.ErrSchemaViolation,
		"response failed schema validation after corrective re-prompt: %s", lastProblem)
}

// withCorrection appends the schema problem to the prompt for the re-prompt.
func withCorrection(base llm.Request, problem string) llm.Request {
	base.Prompt = base.Prompt + fmt.Sprintf(`

## Correction
Your previous response did not conform to the required schema: %s.
Respond again with exactly one valid JSON object matching the schema above.`, problem)
	return base
}

// classifyInvokeErr maps transport-level failures onto stage error kinds.
// Returns nil for schema-level failures, which the caller retries.
func classifyInvokeErr(ctx context.Context, stage pipeline.Stage, err error) *pipeline.StageErr {
	switch {
	case errors.Is(err, llm.ErrTimeout), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return pipeline.NewStageErr(stage, pipeline.ErrUpstreamTimeout, "model request timed out")
	case errors.Is(err, llm.ErrNoJSON):
		return nil
	default:
		return pipeline.NewStageErr(stage, pipeline.ErrUpstreamError, "model request failed: %v", err)
	}
}

// decodePayload unmarshals and validates the stage-specific payload shape.
func decodePayload(stage pipeline.Stage, raw json.RawMessage) (pipeline.Payload, error) {
	payload, err := pipeline.DecodePayload(stage, raw)
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%s payload: %w", stage, err)
	}
	return payload, nil
}

// renderPrompt builds the variable set for a stage and renders its template.
func (e *Executor) renderPrompt(req pipeline.ExecRequest) (string, error) {
	vars, err := e.stageVars(req)
	if err != nil {
		return "", err
	}
	tmpl, err := prompt.LoadTemplate(string(req.Stage)+".md", e.promptDir)
	if err != nil {
		return "", err
	}
	return prompt.Render(tmpl, vars)
}

func (e *Executor) stageVars(req pipeline.ExecRequest) (prompt.Vars, error) {
	vars := prompt.Vars{}

	switch req.Stage {
	case pipeline.StageReconnaissance:
		// The only stage that sees the raw work item.
		if req.Item != nil {
			vars["repo"] = req.Item.Repo()
			vars["kind"] = string(req.Item.Kind)
			vars["number"] = strconv.Itoa(req.Item.Number)
			vars["title"] = req.Item.Title
			vars["body"] = req.Item.Body
			vars["comments"] = strings.Join(req.Item.Comments, "\n---\n")
			vars["diff"] = req.Item.Diff
			vars["labels"] = strings.Join(req.Item.Labels, ", ")
		}
	case pipeline.StagePlanning:
		recon, err := marshalVar(req.Context.Recon())
		if err != nil {
			return nil, err
		}
		vars["recon"] = recon
	case pipeline.StageDesign:
		triage, err := marshalVar(req.Context.Triage())
		if err != nil {
			return nil, err
		}
		recon, err := marshalVar(req.Context.Recon())
		if err != nil {
			return nil, err
		}
		vars["triage"] = triage
		vars["recon"] = recon
	case pipeline.StageGeneration:
		triage, err := marshalVar(req.Context.Triage())
		if err != nil {
			return nil, err
		}
		plan, err := marshalVar(req.Context.Design())
		if err != nil {
			return nil, err
		}
		vars["triage"] = triage
		vars["plan"] = plan
		vars["feedback"] = req.Feedback
		vars["iteration"] = strconv.Itoa(req.Iteration)
	case pipeline.StageVerification:
		triage, err := marshalVar(req.Context.Triage())
		if err != nil {
			return nil, err
		}
		plan, err := marshalVar(req.Context.Design())
		if err != nil {
			return nil, err
		}
		patch, err := marshalVar(req.Patch)
		if err != nil {
			return nil, err
		}
		vars["triage"] = triage
		vars["plan"] = plan
		vars["patch"] = patch
		vars["iteration"] = strconv.Itoa(req.Iteration)
	}
	return vars, nil
}

// marshalVar renders a prior stage payload as indented JSON for prompt
// inclusion. Nil payloads render empty so {{#if}} blocks drop them.
func marshalVar(v any) (string, error) {
	switch p := v.(type) {
	case nil:
		return "", nil
	case *pipeline.ReconReport:
		if p == nil {
			return "", nil
		}
	case *pipeline.TriageReport:
		if p == nil {
			return "", nil
		}
	case *pipeline.DesignPlan:
		if p == nil {
			return "", nil
		}
	case *pipeline.Patch:
		if p == nil {
			return "", nil
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal prompt context: %w", err)
	}
	return string(data), nil
}
