// Package events fans pipeline notifications out to per-run subscribers.
package events

import (
	"log"
	"sync"

	"patchline/internal/metrics"
	"patchline/internal/pipeline"
)

// Broker routes events by run identifier. Each subscriber gets a bounded
// buffered channel; a subscriber that cannot keep up is dropped rather than
// ever blocking the publishing run.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]*topic
	bufSize int
}

type topic struct {
	subs   map[int]chan pipeline.Event
	nextID int
	closed bool
}

// NewBroker creates a Broker whose subscriber channels buffer bufSize events.
func NewBroker(bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broker{
		topics:  make(map[string]*topic),
		bufSize: bufSize,
	}
}

// Subscribe attaches a new subscriber to a run's event stream. Events
// published before the subscription are not replayed. The returned channel is
// closed when the run terminates or the subscriber is dropped; the cancel
// function detaches the subscriber and is safe to call more than once.
func (b *Broker) Subscribe(runID string) (<-chan pipeline.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan pipeline.Event, b.bufSize)

	t, ok := b.topics[runID]
	if ok && t.closed {
		// Run already terminated: a closed channel lets the subscriber
		// observe immediate end-of-stream.
		close(ch)
		return ch, func() {}
	}
	if !ok {
		t = &topic{subs: make(map[int]chan pipeline.Event)}
		b.topics[runID] = t
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(cur)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the run. Never blocks:
// a subscriber whose buffer is full is disconnected.
func (b *Broker) Publish(runID string, ev pipeline.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan pipeline.Event)}
		b.topics[runID] = t
	}
	if t.closed {
		return
	}

	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			delete(t.subs, id)
			close(ch)
			metrics.SubscribersDropped.Inc()
			log.Printf("events: dropped slow subscriber on run %s", runID)
		}
	}
}

// CloseRun ends a run's stream: every subscriber channel is closed after the
// events already buffered, and later Subscribe calls see end-of-stream.
func (b *Broker) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		b.topics[runID] = &topic{subs: make(map[int]chan pipeline.Event), closed: true}
		return
	}
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// Forget drops all bookkeeping for a run. Called when the registry evicts it.
func (b *Broker) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[runID]; ok && !t.closed {
		for id, ch := range t.subs {
			delete(t.subs, id)
			close(ch)
		}
	}
	delete(b.topics, runID)
}
