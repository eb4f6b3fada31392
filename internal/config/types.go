package config

import "time"

// Config is the top-level configuration structure parsed from patchline YAML.
type Config struct {
	Patchline Patchline `yaml:"patchline"`
}

// Patchline defines the full service configuration: model defaults, server
// settings, run limits, per-stage overrides, and the verification sandbox.
type Patchline struct {
	Model       string           `yaml:"model"`
	MaxTokens   int              `yaml:"max_tokens"`
	Temperature float64          `yaml:"temperature"`
	APIKeyEnv   string           `yaml:"api_key_env"`
	DataDir     string           `yaml:"data_dir"`
	PromptDir   string           `yaml:"prompt_dir"`
	Server      Server           `yaml:"server"`
	Runs        Runs             `yaml:"runs"`
	Stages      map[string]Stage `yaml:"stages"`
	Sandbox     Sandbox          `yaml:"sandbox"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Port             int `yaml:"port"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// Runs bounds run admission and lifetime.
type Runs struct {
	MaxConcurrent       int    `yaml:"max_concurrent"`
	MaxRepairIterations int    `yaml:"max_repair_iterations"`
	RunTimeout          string `yaml:"run_timeout"`
	Retention           string `yaml:"retention"`
	SweepInterval       string `yaml:"sweep_interval"`
}

// Stage overrides model parameters and the deadline for one pipeline stage.
type Stage struct {
	Model       string  `yaml:"model"`
	Timeout     string  `yaml:"timeout"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// Sandbox configures command-based patch verification. When Command is empty
// the verification stage falls back to model review.
type Sandbox struct {
	Command string `yaml:"command"`
	Workdir string `yaml:"workdir"`
	Timeout string `yaml:"timeout"`
}

// Duration parses a config duration string, returning fallback when the
// field is empty or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// RunTimeout returns the parsed overall run deadline.
func (r *Runs) RunTimeoutDuration() time.Duration {
	return Duration(r.RunTimeout, 30*time.Minute)
}

// RetentionDuration returns how long terminal runs stay queryable.
func (r *Runs) RetentionDuration() time.Duration {
	return Duration(r.Retention, time.Hour)
}

// SweepIntervalDuration returns how often terminal runs are swept.
func (r *Runs) SweepIntervalDuration() time.Duration {
	return Duration(r.SweepInterval, 5*time.Minute)
}

// TimeoutDuration returns the stage deadline, defaulting to fallback.
func (s *Stage) TimeoutDuration(fallback time.Duration) time.Duration {
	return Duration(s.Timeout, fallback)
}

// TimeoutDuration returns the sandbox command deadline.
func (s *Sandbox) TimeoutDuration() time.Duration {
	return Duration(s.Timeout, 10*time.Minute)
}
