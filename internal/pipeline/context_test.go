package pipeline

import "testing"

func TestAccumulatorAppendIsImmutable(t *testing.T) {
	var base Accumulator
	one := base.Append(doneResult(StageReconnaissance, payloadFor(StageReconnaissance)))
	two := one.Append(doneResult(StagePlanning, payloadFor(StagePlanning)))

	if base.Len() != 0 {
		t.Errorf("base mutated, len %d", base.Len())
	}
	if one.Len() != 1 {
		t.Errorf("expected len 1, got %d", one.Len())
	}
	if two.Len() != 2 {
		t.Errorf("expected len 2, got %d", two.Len())
	}

	// A sibling append off the same snapshot must not disturb it.
	alt := one.Append(doneResult(StageDesign, payloadFor(StageDesign)))
	if one.Len() != 1 || alt.Len() != 2 {
		t.Error("sibling append disturbed the shared snapshot")
	}
}

func TestAccumulatorPayloadSkipsErrors(t *testing.T) {
	var acc Accumulator
	acc = acc.Append(errorResult(StagePlanning, ErrUpstreamError, "model unavailable"))
	if acc.Triage() != nil {
		t.Error("errored stage should not expose a payload")
	}

	acc = acc.Append(doneResult(StagePlanning, payloadFor(StagePlanning)))
	if acc.Triage() == nil {
		t.Error("done stage payload missing")
	}
}

func TestAccumulatorPayloadReturnsLatest(t *testing.T) {
	first := &Patch{Changes: []FileChange{{Path: "a.go"}}, Iteration: 1}
	second := &Patch{Changes: []FileChange{{Path: "b.go"}}, Iteration: 2}

	var acc Accumulator
	acc = acc.Append(doneResult(StageGeneration, first))
	acc = acc.Append(doneResult(StageGeneration, second))

	got, ok := acc.Payload(StageGeneration).(*Patch)
	if !ok || got.Iteration != 2 {
		t.Fatalf("expected latest patch, got %+v", got)
	}
}

func TestAccumulatorTypedGetters(t *testing.T) {
	var acc Accumulator
	acc = acc.Append(doneResult(StageReconnaissance, payloadFor(StageReconnaissance)))
	acc = acc.Append(doneResult(StagePlanning, payloadFor(StagePlanning)))
	acc = acc.Append(doneResult(StageDesign, payloadFor(StageDesign)))

	if acc.Recon() == nil {
		t.Error("recon payload missing")
	}
	if acc.Triage() == nil {
		t.Error("triage payload missing")
	}
	if acc.Design() == nil {
		t.Error("design payload missing")
	}
}
