// Package store lays run artifacts out on disk for inspection: the run
// record, per-stage payloads, and the final patch as a plain diff.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"patchline/internal/pipeline"
)

// Store manages run artifacts on disk.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at <dataDir>/runs, creating the directory if
// needed.
func DefaultStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".patchline")
	}
	dir := filepath.Join(dataDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

// ArchiveRun writes the full run record plus convenience artifacts: one JSON
// file per completed stage and the final patch as patch.diff. It implements
// the orchestrator's archiver hook.
func (s *Store) ArchiveRun(snap *pipeline.RunSnapshot) error {
	dir := s.runDir(snap.ID)
	if err := os.MkdirAll(filepath.Join(dir, "stages"), 0o755); err != nil {
		return fmt.Errorf("mkdir stages: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, "run.json"), snap); err != nil {
		return fmt.Errorf("write run.json: %w", err)
	}

	for i, res := range snap.Results {
		if res.Payload == nil {
			continue
		}
		name := fmt.Sprintf("%02d-%s.json", i, res.Stage)
		if err := writeJSON(filepath.Join(dir, "stages", name), res.Payload); err != nil {
			return fmt.Errorf("write stage artifact %s: %w", name, err)
		}
	}

	if snap.Result != nil && snap.Result.Patch != nil {
		diff := snap.Result.Patch.UnifiedDiff()
		if diff != "" {
			if err := WriteAtomic(filepath.Join(dir, "patch.diff"), []byte(diff+"\n")); err != nil {
				return fmt.Errorf("write patch.diff: %w", err)
			}
		}
	}
	return nil
}

// Get reads an archived run record. Returns os.ErrNotExist when absent.
func (s *Store) Get(runID string) (*pipeline.RunSnapshot, error) {
	var snap runSnapshotFile
	if err := readJSON(filepath.Join(s.runDir(runID), "run.json"), &snap); err != nil {
		return nil, err
	}
	return snap.toSnapshot(), nil
}

// List returns the identifiers of all archived runs, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read store dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// runSnapshotFile mirrors RunSnapshot with raw stage payloads, so the typed
// payload shapes can be restored per stage after decoding.
type runSnapshotFile struct {
	ID               string            `json:"id"`
	Item             pipeline.WorkItem `json:"work_item"`
	Status           pipeline.Status   `json:"status"`
	Stage            pipeline.Stage    `json:"stage,omitempty"`
	Results          []stageResultFile `json:"results,omitempty"`
	RepairIterations int               `json:"repair_iterations"`
	StartedAt        time.Time         `json:"started_at,omitempty"`
	FinishedAt       time.Time         `json:"finished_at,omitempty"`
	Error            string            `json:"error,omitempty"`
	Result           *pipeline.Result  `json:"result,omitempty"`
}

type stageResultFile struct {
	Stage      pipeline.Stage       `json:"stage"`
	Status     pipeline.StageStatus `json:"status"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
	Err        *pipeline.StageErr   `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

func (f *runSnapshotFile) toSnapshot() *pipeline.RunSnapshot {
	snap := &pipeline.RunSnapshot{
		ID:               f.ID,
		Item:             f.Item,
		Status:           f.Status,
		Stage:            f.Stage,
		RepairIterations: f.RepairIterations,
		StartedAt:        f.StartedAt,
		FinishedAt:       f.FinishedAt,
		Error:            f.Error,
		Result:           f.Result,
	}
	for _, r := range f.Results {
		res := pipeline.StageResult{
			Stage:      r.Stage,
			Status:     r.Status,
			Err:        r.Err,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		}
		if len(r.Payload) > 0 {
			if payload, err := pipeline.DecodePayload(r.Stage, r.Payload); err == nil {
				res.Payload = payload
			}
		}
		snap.Results = append(snap.Results, res)
	}
	return snap
}

// PatchPath returns the path of the archived patch diff for a run.
func (s *Store) PatchPath(runID string) string {
	return filepath.Join(s.runDir(runID), "patch.diff")
}

// Delete removes all artifacts for a run.
func (s *Store) Delete(runID string) error {
	return os.RemoveAll(s.runDir(runID))
}

// WriteAtomic replaces the file at path in one step: data is staged in a
// hidden sibling file and renamed over the destination, so readers never
// observe a partial write.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	staging := filepath.Join(dir, "."+filepath.Base(path)+".partial")
	if err := os.WriteFile(staging, data, 0o644); err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	if err := os.Rename(staging, path); err != nil {
		os.Remove(staging)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return WriteAtomic(path, append(data, '\n'))
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
