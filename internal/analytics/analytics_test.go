package analytics

import (
	"path/filepath"
	"testing"
	"time"

	"patchline/internal/db"
	"patchline/internal/pipeline"
)

func seededDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	base := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	stage := func(st pipeline.Stage, status pipeline.StageStatus, secs int, stageErr *pipeline.StageErr) pipeline.StageResult {
		return pipeline.StageResult{
			Stage: st, Status: status, Err: stageErr,
			StartedAt: base, FinishedAt: base.Add(time.Duration(secs) * time.Second),
		}
	}

	snaps := []*pipeline.RunSnapshot{
		{
			ID:   "run-clean",
			Item: pipeline.WorkItem{RepoOwner: "acme", RepoName: "widgets", Kind: pipeline.KindIssue, Number: 1},
			Status: pipeline.StatusSucceeded, RepairIterations: 1,
			StartedAt: base, FinishedAt: base.Add(5 * time.Minute),
			Results: []pipeline.StageResult{
				stage(pipeline.StageGeneration, pipeline.StageDone, 30, nil),
				stage(pipeline.StageVerification, pipeline.StageDone, 60, nil),
			},
		},
		{
			ID:   "run-repaired",
			Item: pipeline.WorkItem{RepoOwner: "acme", RepoName: "widgets", Kind: pipeline.KindIssue, Number: 2},
			Status: pipeline.StatusSucceeded, RepairIterations: 2,
			StartedAt: base, FinishedAt: base.Add(10 * time.Minute),
			Results: []pipeline.StageResult{
				stage(pipeline.StageGeneration, pipeline.StageDone, 40, nil),
				stage(pipeline.StageGeneration, pipeline.StageDone, 50, nil),
				stage(pipeline.StageVerification, pipeline.StageDone, 90, nil),
			},
		},
		{
			ID:   "run-failed",
			Item: pipeline.WorkItem{RepoOwner: "acme", RepoName: "widgets", Kind: pipeline.KindIssue, Number: 3},
			Status: pipeline.StatusFailed, RepairIterations: 3,
			StartedAt: base, FinishedAt: base.Add(20 * time.Minute),
			Results: []pipeline.StageResult{
				stage(pipeline.StagePlanning, pipeline.StageError, 10,
					pipeline.NewStageErr(pipeline.StagePlanning, pipeline.ErrUpstreamTimeout, "model request timed out")),
			},
		},
		{
			ID:   "run-cancelled",
			Item: pipeline.WorkItem{RepoOwner: "acme", RepoName: "widgets", Kind: pipeline.KindIssue, Number: 4},
			Status: pipeline.StatusCancelled, RepairIterations: 0,
			StartedAt: base, FinishedAt: base.Add(time.Minute),
		},
	}
	for _, snap := range snaps {
		if err := database.ArchiveRun(snap); err != nil {
			t.Fatalf("archive %s: %v", snap.ID, err)
		}
	}
	return database
}

func TestQueryOutcomes(t *testing.T) {
	database := seededDB(t)

	got, err := QueryOutcomes(database, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Total != 4 || got.Succeeded != 2 || got.Failed != 1 || got.Cancelled != 1 {
		t.Errorf("unexpected summary %+v", got)
	}
	// One of four runs succeeded on the first pass.
	if got.FirstPass != 25.0 {
		t.Errorf("first pass = %v", got.FirstPass)
	}
	if got.Repaired != 25.0 {
		t.Errorf("repaired = %v", got.Repaired)
	}
}

func TestQueryRepairDistribution(t *testing.T) {
	database := seededDB(t)

	got, err := QueryRepairDistribution(database, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// Cancelled runs are excluded.
	if got.Total != 3 {
		t.Fatalf("total = %d", got.Total)
	}
	if got.One == 0 || got.Two == 0 || got.ThreePlus == 0 {
		t.Errorf("distribution has empty buckets: %+v", got)
	}
}

func TestQueryStageDurations(t *testing.T) {
	database := seededDB(t)

	got, err := QueryStageDurations(database, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	byStage := make(map[string]StageDuration)
	for _, d := range got {
		byStage[d.Stage] = d
	}
	gen, ok := byStage["generation"]
	if !ok {
		t.Fatal("generation durations missing")
	}
	if gen.Count != 3 {
		t.Errorf("generation samples = %d", gen.Count)
	}
	if gen.Avg != 40.0 {
		t.Errorf("generation avg = %v", gen.Avg)
	}
	if gen.P50 != 40.0 {
		t.Errorf("generation p50 = %v", gen.P50)
	}
}

func TestQueryStageFailures(t *testing.T) {
	database := seededDB(t)

	got, err := QueryStageFailures(database, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	for _, f := range got {
		if f.Stage == "planning" {
			if f.FailRate != 100.0 {
				t.Errorf("planning fail rate = %v", f.FailRate)
			}
			if f.CommonKinds != "upstream_timeout" {
				t.Errorf("planning common kinds = %q", f.CommonKinds)
			}
			return
		}
	}
	t.Fatal("planning failures missing from results")
}

func TestQueryThroughput(t *testing.T) {
	database := seededDB(t)

	got, err := QueryThroughput(database, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 period, got %d", len(got))
	}
	p := got[0]
	if p.Total != 4 || p.Succeeded != 2 || p.Failed != 1 || p.Cancelled != 1 {
		t.Errorf("unexpected period %+v", p)
	}
	if p.AvgDuration <= 0 {
		t.Errorf("avg duration = %v", p.AvgDuration)
	}
}

func TestSinceFilters(t *testing.T) {
	database := seededDB(t)

	got, err := QueryOutcomes(database, "2099-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Total != 0 {
		t.Errorf("future since should match nothing, got %d", got.Total)
	}
}
