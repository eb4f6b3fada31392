package events

import (
	"testing"
	"time"

	"patchline/internal/pipeline"
)

func drain(ch <-chan pipeline.Event) []pipeline.Event {
	var out []pipeline.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			return out
		}
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(8)

	ch1, cancel1 := b.Subscribe("run-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("run-1")
	defer cancel2()

	b.Publish("run-1", pipeline.Event{Name: "start"})
	b.Publish("run-1", pipeline.Event{Name: "planning"})
	b.CloseRun("run-1")

	for i, ch := range []<-chan pipeline.Event{ch1, ch2} {
		evs := drain(ch)
		if len(evs) != 2 {
			t.Fatalf("subscriber %d: expected 2 events, got %d", i, len(evs))
		}
		if evs[0].Name != "start" || evs[1].Name != "planning" {
			t.Errorf("subscriber %d: unexpected order %v", i, evs)
		}
	}
}

func TestBrokerIsolatesRuns(t *testing.T) {
	b := NewBroker(8)

	ch, cancel := b.Subscribe("run-a")
	defer cancel()

	b.Publish("run-b", pipeline.Event{Name: "start"})
	b.CloseRun("run-a")

	if evs := drain(ch); len(evs) != 0 {
		t.Fatalf("subscriber received foreign events: %v", evs)
	}
}

func TestBrokerSubscribeBeforeFirstPublish(t *testing.T) {
	b := NewBroker(8)

	ch, cancel := b.Subscribe("run-early")
	defer cancel()

	b.Publish("run-early", pipeline.Event{Name: "start"})
	b.CloseRun("run-early")

	evs := drain(ch)
	if len(evs) != 1 || evs[0].Name != "start" {
		t.Fatalf("expected the start event, got %v", evs)
	}
}

func TestBrokerLateSubscriberSeesEndOfStream(t *testing.T) {
	b := NewBroker(8)

	b.Publish("run-1", pipeline.Event{Name: "start"})
	b.CloseRun("run-1")

	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("late subscriber should see a closed channel, not events")
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber channel never closed")
	}
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	b := NewBroker(2)

	slow, cancelSlow := b.Subscribe("run-1")
	defer cancelSlow()
	fast, cancelFast := b.Subscribe("run-1")
	defer cancelFast()

	// Overflow the slow subscriber's buffer without reading.
	for i := 0; i < 4; i++ {
		b.Publish("run-1", pipeline.Event{Name: "generation"})
		// Keep the fast subscriber drained.
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved")
		}
	}

	evs := drain(slow)
	if len(evs) >= 4 {
		t.Fatalf("slow subscriber should have been dropped, got %d events", len(evs))
	}

	// The fast subscriber keeps receiving.
	b.Publish("run-1", pipeline.Event{Name: "verification"})
	select {
	case ev := <-fast:
		if ev.Name != "verification" {
			t.Errorf("unexpected event %q", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("fast subscriber stopped receiving")
	}
}

func TestBrokerCancelDetaches(t *testing.T) {
	b := NewBroker(8)

	ch, cancel := b.Subscribe("run-1")
	cancel()
	cancel() // safe to call twice

	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscriber channel should be closed")
	}

	// Publishing after cancel must not panic or deliver.
	b.Publish("run-1", pipeline.Event{Name: "start"})
}

func TestBrokerForget(t *testing.T) {
	b := NewBroker(8)

	ch, cancel := b.Subscribe("run-1")
	defer cancel()
	b.Forget("run-1")

	if _, ok := <-ch; ok {
		t.Fatal("forget should close remaining subscriber channels")
	}

	// A new subscription after Forget starts a fresh topic.
	fresh, cancelFresh := b.Subscribe("run-1")
	defer cancelFresh()
	b.Publish("run-1", pipeline.Event{Name: "start"})
	select {
	case ev := <-fresh:
		if ev.Name != "start" {
			t.Errorf("unexpected event %q", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("fresh subscriber received nothing")
	}
}
