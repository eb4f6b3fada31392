package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"patchline/internal/metrics"
	"patchline/internal/pipeline"
)

// CreateRunRequest is the POST /api/runs body. Title and body may be
// supplied inline; when absent, the work item is fetched from GitHub.
type CreateRunRequest struct {
	RepoOwner string   `json:"repo_owner"`
	RepoName  string   `json:"repo_name"`
	Kind      string   `json:"kind"`
	Number    int      `json:"number"`
	Title     string   `json:"title,omitempty"`
	Body      string   `json:"body,omitempty"`
	Comments  []string `json:"comments,omitempty"`
	Diff      string   `json:"diff,omitempty"`
	Labels    []string `json:"labels,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleCreateRun admits a new run and returns 202 with its identifier.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RunsRejected.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	kind := pipeline.Kind(req.Kind)
	if kind == "" {
		kind = pipeline.KindIssue
	}

	item := pipeline.WorkItem{
		RepoOwner: req.RepoOwner,
		RepoName:  req.RepoName,
		Kind:      kind,
		Number:    req.Number,
		Title:     req.Title,
		Body:      req.Body,
		Comments:  req.Comments,
		Diff:      req.Diff,
		Labels:    req.Labels,
	}
	if err := item.Validate(); err != nil {
		metrics.RunsRejected.WithLabelValues("invalid_work_item").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Pull the item text from GitHub unless the caller supplied it inline.
	if item.Title == "" && item.Body == "" && s.gh != nil {
		fetched, err := s.gh.FetchWorkItem(item.RepoOwner, item.RepoName, item.Kind, item.Number)
		if err != nil {
			metrics.RunsRejected.WithLabelValues("fetch_failed").Inc()
			writeError(w, http.StatusBadGateway, "fetch work item: "+err.Error())
			return
		}
		item = *fetched
	}

	runID, err := s.orch.StartRun(item)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrTooManyRuns):
			metrics.RunsRejected.WithLabelValues("too_many_runs").Inc()
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, pipeline.ErrInvalidWorkItem):
			metrics.RunsRejected.WithLabelValues("invalid_work_item").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleListRuns returns snapshots of all registered runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.registry.List()})
}

// handleGetRun returns one run's snapshot.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

// handleCancelRun requests cancellation; 409 when the run is already terminal.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.orch.Cancel(id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}
