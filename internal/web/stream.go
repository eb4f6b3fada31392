package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"patchline/internal/pipeline"
)

// handleStreamEvents serves a Server-Sent Events stream of a run's pipeline
// events. Subscribers attaching mid-run receive events from that point on;
// there is no replay. The stream always ends after the terminal event.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before inspecting status so a terminal transition between
	// the two cannot lose the terminal event.
	ch, cancel := s.broker.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A run that already terminated streams a single synthetic terminal
	// event so late subscribers still observe the outcome.
	if snap := run.Snapshot(); snap.Status.Terminal() {
		writeSSE(w, terminalEvent(&snap))
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

// writeSSE encodes one event in SSE framing.
func writeSSE(w http.ResponseWriter, ev pipeline.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		log.Printf("web: marshal event %q: %v", ev.Name, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
}

// terminalEvent reconstructs the terminal notification from a snapshot.
func terminalEvent(snap *pipeline.RunSnapshot) pipeline.Event {
	if snap.Status == pipeline.StatusSucceeded {
		return pipeline.Event{Name: "complete", Payload: snap.Result}
	}
	return pipeline.Event{Name: "error", Payload: map[string]any{"message": snap.Error}}
}
