package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// knownStages is the set of valid stage names for per-stage overrides.
var knownStages = map[string]bool{
	"reconnaissance": true,
	"planning":       true,
	"design":         true,
	"generation":     true,
	"verification":   true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	p := cfg.Patchline

	if p.Model == "" {
		errs = append(errs, ValidationError{Field: "patchline.model", Message: "is required"})
	}
	if p.Server.Port <= 0 || p.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "patchline.server.port",
			Message: fmt.Sprintf("must be in 1..65535, got %d", p.Server.Port),
		})
	}
	if p.Runs.MaxRepairIterations < 1 {
		errs = append(errs, ValidationError{
			Field:   "patchline.runs.max_repair_iterations",
			Message: "must be at least 1",
		})
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"patchline.runs.run_timeout", p.Runs.RunTimeout},
		{"patchline.runs.retention", p.Runs.Retention},
		{"patchline.runs.sweep_interval", p.Runs.SweepInterval},
		{"patchline.sandbox.timeout", p.Sandbox.Timeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			errs = append(errs, ValidationError{
				Field:   field.name,
				Message: fmt.Sprintf("invalid duration %q", field.value),
			})
		}
	}

	for name, s := range p.Stages {
		if !knownStages[name] {
			errs = append(errs, ValidationError{
				Field:   "patchline.stages",
				Message: fmt.Sprintf("unknown stage %q", name),
			})
			continue
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("patchline.stages.%s.timeout", name),
					Message: fmt.Sprintf("invalid duration %q", s.Timeout),
				})
			}
		}
		if s.Temperature < 0 || s.Temperature > 1 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("patchline.stages.%s.temperature", name),
				Message: fmt.Sprintf("must be in [0,1], got %v", s.Temperature),
			})
		}
	}

	if p.Sandbox.Command == "" && p.Sandbox.Workdir != "" {
		errs = append(errs, ValidationError{
			Field:   "patchline.sandbox.workdir",
			Message: "set without a sandbox command",
		})
	}

	return errs
}
