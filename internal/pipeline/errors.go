package pipeline

import (
	"errors"
	"fmt"
)

// Caller-facing errors returned before a run is created or when looking one up.
var (
	ErrInvalidWorkItem = errors.New("invalid work item")
	ErrTooManyRuns     = errors.New("too many concurrent runs")
	ErrNotFound        = errors.New("run not found")
)

// ErrKind classifies a stage-level failure.
type ErrKind string

const (
	ErrSchemaViolation ErrKind = "schema_violation"
	ErrUpstreamTimeout ErrKind = "upstream_timeout"
	ErrUpstreamError   ErrKind = "upstream_error"
	ErrRepairExhausted ErrKind = "repair_exhausted"
	ErrCancelled       ErrKind = "cancelled"
)

// StageErr is a stage-local failure. It is caught at the stage executor
// boundary and converted into a StageResult, never thrown past the
// orchestrator.
type StageErr struct {
	Stage   Stage   `json:"stage"`
	Kind    ErrKind `json:"kind"`
	Message string  `json:"message"`
}

func (e *StageErr) Error() string {
	return fmt.Sprintf("stage %s: %s: %s", e.Stage, e.Kind, e.Message)
}

// NewStageErr builds a StageErr with a formatted message.
func NewStageErr(stage Stage, kind ErrKind, format string, args ...interface{}) *StageErr {
	return &StageErr{Stage: stage, Kind: kind, Message: fmt.Sprintf(format, args...)}
}
