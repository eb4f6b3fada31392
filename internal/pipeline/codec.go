package pipeline

import (
	"encoding/json"
	"fmt"
)

// DecodePayload unmarshals raw JSON into the payload shape for a stage.
func DecodePayload(stage Stage, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch stage {
	case StageReconnaissance:
		payload = &ReconReport{}
	case StagePlanning:
		payload = &TriageReport{}
	case StageDesign:
		payload = &DesignPlan{}
	case StageGeneration:
		payload = &Patch{}
	case StageVerification:
		payload = &ValidationOutcome{}
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", stage, err)
	}
	return payload, nil
}
