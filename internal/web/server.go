// Package web exposes the run API: submission, inspection, cancellation, and
// the per-run SSE event stream.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"patchline/internal/events"
	"patchline/internal/github"
	"patchline/internal/pipeline"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	orch     *pipeline.Orchestrator
	registry *pipeline.Registry
	broker   *events.Broker
	gh       *github.Client

	port          int
	retention     time.Duration
	sweepInterval time.Duration
}

// Opts configures a Server.
type Opts struct {
	Port          int
	Retention     time.Duration
	SweepInterval time.Duration
}

// NewServer creates a Server.
func NewServer(orch *pipeline.Orchestrator, registry *pipeline.Registry, broker *events.Broker, gh *github.Client, opts Opts) *Server {
	port := opts.Port
	if port <= 0 {
		port = 8080
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	return &Server{
		orch:          orch,
		registry:      registry,
		broker:        broker,
		gh:            gh,
		port:          port,
		retention:     retention,
		sweepInterval: sweep,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleStreamEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Start runs the HTTP server until ctx is cancelled, sweeping expired runs
// in the background.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("web: listening on :%d", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// sweepLoop evicts terminal runs past retention and drops their event topics.
func (s *Server) sweepLoop(ctx context.Context) {
	tick := time.NewTicker(s.sweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			removed := s.registry.Sweep(s.retention)
			for _, id := range removed {
				s.broker.Forget(id)
			}
			if len(removed) > 0 {
				log.Printf("web: swept %d expired runs", len(removed))
			}
		}
	}
}
