package cli

import (
	"fmt"
	"os"

	"patchline/internal/config"
	"patchline/internal/db"
	"patchline/internal/events"
	"patchline/internal/github"
	"patchline/internal/llm"
	"patchline/internal/pipeline"
	"patchline/internal/sandbox"
	"patchline/internal/stage"
	"patchline/internal/store"
)

// services bundles everything a command needs to run the pipeline.
type services struct {
	cfg       *config.Config
	registry  *pipeline.Registry
	broker    *events.Broker
	orch      *pipeline.Orchestrator
	gh        *github.Client
	database  *db.DB
	artifacts *store.Store
}

// buildServices wires the pipeline from config: model client, stage executor,
// sandbox verifier, event broker, archivers, orchestrator.
func buildServices(cfg *config.Config) (*services, error) {
	p := &cfg.Patchline

	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", errs[0].Error())
	}

	apiKey := os.Getenv(p.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("model API key not set: export %s", p.APIKeyEnv)
	}
	client := llm.NewAnthropicClient(apiKey, p.Model)

	exec := stage.NewExecutor(client, p)
	if p.Sandbox.Command != "" {
		exec.SetVerifier(sandbox.NewVerifier(&sandbox.ExecRunner{}, p.Sandbox))
	}

	dbPath, err := db.DefaultDBPath(p.DataDir)
	if err != nil {
		return nil, fmt.Errorf("db path: %w", err)
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	artifacts, err := store.DefaultStore(p.DataDir)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	registry := pipeline.NewRegistry(p.Runs.MaxConcurrent)
	broker := events.NewBroker(p.Server.SubscriberBuffer)

	orch := pipeline.NewOrchestrator(registry, exec, broker, pipeline.Opts{
		MaxRepairIterations: p.Runs.MaxRepairIterations,
		RunTimeout:          p.Runs.RunTimeoutDuration(),
		Archivers:           []pipeline.Archiver{database, artifacts},
	})

	return &services{
		cfg:       cfg,
		registry:  registry,
		broker:    broker,
		orch:      orch,
		gh:        github.NewClient(&github.ExecRunner{}),
		database:  database,
		artifacts: artifacts,
	}, nil
}

func (s *services) close() {
	if s.database != nil {
		s.database.Close()
	}
}
