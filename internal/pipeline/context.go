package pipeline

// Accumulator threads the outputs of completed stages into the inputs of
// later ones. Values are immutable: Append returns a new Accumulator backed
// by a fresh slice, so snapshots handed to a stage never observe later
// appends and concurrent runs cannot share state through it.
type Accumulator struct {
	results []StageResult
}

// Append returns a new Accumulator with the result added.
func (a Accumulator) Append(r StageResult) Accumulator {
	results := make([]StageResult, len(a.results), len(a.results)+1)
	copy(results, a.results)
	return Accumulator{results: append(results, r)}
}

// Results returns the accumulated stage results in completion order.
func (a Accumulator) Results() []StageResult {
	out := make([]StageResult, len(a.results))
	copy(out, a.results)
	return out
}

// Len returns the number of accumulated results.
func (a Accumulator) Len() int { return len(a.results) }

// Payload returns the done payload for a stage, or nil if the stage has not
// completed successfully.
func (a Accumulator) Payload(stage Stage) Payload {
	for i := len(a.results) - 1; i >= 0; i-- {
		r := a.results[i]
		if r.Stage == stage && r.Status == StageDone {
			return r.Payload
		}
	}
	return nil
}

// Recon returns the reconnaissance payload, if present.
func (a Accumulator) Recon() *ReconReport {
	if p, ok := a.Payload(StageReconnaissance).(*ReconReport); ok {
		return p
	}
	return nil
}

// Triage returns the planning payload, if present.
func (a Accumulator) Triage() *TriageReport {
	if p, ok := a.Payload(StagePlanning).(*TriageReport); ok {
		return p
	}
	return nil
}

// Design returns the design payload, if present.
func (a Accumulator) Design() *DesignPlan {
	if p, ok := a.Payload(StageDesign).(*DesignPlan); ok {
		return p
	}
	return nil
}
