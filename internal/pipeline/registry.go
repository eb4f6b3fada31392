package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the process-wide map of run identifier to run state. It is the
// only shared resource mutated by more than one task; all mutation goes
// through Create/Get/Delete.
type Registry struct {
	mu         sync.RWMutex
	runs       map[string]*Run
	maxRunning int
}

// NewRegistry creates a Registry that admits at most maxRunning concurrently
// active (pending or running) runs. Zero or negative means unlimited.
func NewRegistry(maxRunning int) *Registry {
	return &Registry{
		runs:       make(map[string]*Run),
		maxRunning: maxRunning,
	}
}

// Create registers a new pending run for the work item and returns it.
// Fails with ErrTooManyRuns when the active-run cap is reached.
func (g *Registry) Create(item WorkItem) (*Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxRunning > 0 {
		active := 0
		for _, r := range g.runs {
			if !r.Status().Terminal() {
				active++
			}
		}
		if active >= g.maxRunning {
			return nil, fmt.Errorf("%w: %d active", ErrTooManyRuns, active)
		}
	}

	run := newRun(uuid.NewString(), item)
	g.runs[run.ID] = run
	return run, nil
}

// Get returns the run with the given identifier.
func (g *Registry) Get(id string) (*Run, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	run, ok := g.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, nil
}

// Delete removes a run from the registry.
func (g *Registry) Delete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, id)
}

// List returns snapshots of all registered runs, newest first.
func (g *Registry) List() []RunSnapshot {
	g.mu.RLock()
	runs := make([]*Run, 0, len(g.runs))
	for _, r := range g.runs {
		runs = append(runs, r)
	}
	g.mu.RUnlock()

	snaps := make([]RunSnapshot, 0, len(runs))
	for _, r := range runs {
		snaps = append(snaps, r.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartedAt.After(snaps[j].StartedAt)
	})
	return snaps
}

// Sweep evicts closed runs that have been terminal for at least retention,
// returning the identifiers removed.
func (g *Registry) Sweep(retention time.Duration) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed []string
	for id, r := range g.runs {
		if r.evictable(retention) {
			delete(g.runs, id)
			removed = append(removed, id)
		}
	}
	return removed
}
