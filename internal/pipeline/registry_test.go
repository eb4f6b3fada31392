package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestRegistryCreateAndGet(t *testing.T) {
	reg := NewRegistry(0)

	run, err := reg.Create(testItem())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.ID == "" {
		t.Fatal("run has no identifier")
	}
	if run.Status() != StatusPending {
		t.Errorf("expected pending, got %s", run.Status())
	}

	got, err := reg.Get(run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != run {
		t.Error("get returned a different run")
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry(0)
	_, err := reg.Get("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryCapCountsOnlyActiveRuns(t *testing.T) {
	reg := NewRegistry(2)

	a, err := reg.Create(testItem())
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := reg.Create(testItem()); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if _, err := reg.Create(testItem()); !errors.Is(err, ErrTooManyRuns) {
		t.Fatalf("expected ErrTooManyRuns, got %v", err)
	}

	// A terminal run frees its slot without being deleted.
	a.finish(StatusFailed, "boom", nil)
	if _, err := reg.Create(testItem()); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestRegistryListNewestFirst(t *testing.T) {
	reg := NewRegistry(0)

	first, _ := reg.Create(testItem())
	first.start()
	time.Sleep(2 * time.Millisecond)
	second, _ := reg.Create(testItem())
	second.start()

	snaps := reg.List()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(snaps))
	}
	if snaps[0].ID != second.ID {
		t.Errorf("expected newest run first, got %s", snaps[0].ID)
	}
}

func TestRegistrySweepEvictsClosedRuns(t *testing.T) {
	reg := NewRegistry(0)

	done, _ := reg.Create(testItem())
	done.finish(StatusSucceeded, "", nil)
	done.close()

	open, _ := reg.Create(testItem())
	open.start()

	removed := reg.Sweep(0)
	if len(removed) != 1 || removed[0] != done.ID {
		t.Fatalf("expected [%s] removed, got %v", done.ID, removed)
	}
	if _, err := reg.Get(done.ID); !errors.Is(err, ErrNotFound) {
		t.Error("swept run should be gone")
	}
	if _, err := reg.Get(open.ID); err != nil {
		t.Error("active run should survive the sweep")
	}
}

func TestRegistrySweepHonorsRetention(t *testing.T) {
	reg := NewRegistry(0)

	run, _ := reg.Create(testItem())
	run.finish(StatusSucceeded, "", nil)
	run.close()

	if removed := reg.Sweep(time.Hour); len(removed) != 0 {
		t.Fatalf("run inside retention window was evicted: %v", removed)
	}
}
