package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it fills in defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./patchline.yaml, ~/.patchline/config.yaml. When
// none exists, a default configuration is returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"patchline.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".patchline", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

// stageNames are the five pipeline stages, in order, for config keying.
var stageNames = []string{"reconnaissance", "planning", "design", "generation", "verification"}

// applyDefaults fills in unset values so callers never see zero config.
func applyDefaults(cfg *Config) {
	p := &cfg.Patchline

	if p.Model == "" {
		p.Model = "claude-sonnet-4-5"
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 8192
	}
	if p.APIKeyEnv == "" {
		p.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if p.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			p.DataDir = filepath.Join(home, ".patchline")
		} else {
			p.DataDir = ".patchline"
		}
	}

	if p.Server.Port <= 0 {
		p.Server.Port = 8080
	}
	if p.Server.SubscriberBuffer <= 0 {
		p.Server.SubscriberBuffer = 64
	}

	if p.Runs.MaxConcurrent <= 0 {
		p.Runs.MaxConcurrent = 8
	}
	if p.Runs.MaxRepairIterations <= 0 {
		p.Runs.MaxRepairIterations = 3
	}
	if p.Runs.RunTimeout == "" {
		p.Runs.RunTimeout = "30m"
	}
	if p.Runs.Retention == "" {
		p.Runs.Retention = "1h"
	}
	if p.Runs.SweepInterval == "" {
		p.Runs.SweepInterval = "5m"
	}

	if p.Stages == nil {
		p.Stages = make(map[string]Stage)
	}
	for _, name := range stageNames {
		s := p.Stages[name]
		if s.Model == "" {
			s.Model = p.Model
		}
		if s.MaxTokens <= 0 {
			s.MaxTokens = p.MaxTokens
		}
		if s.Temperature == 0 {
			s.Temperature = p.Temperature
		}
		if s.Timeout == "" {
			s.Timeout = "5m"
		}
		p.Stages[name] = s
	}
}
