package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"patchline/internal/events"
	"patchline/internal/pipeline"
)

type stubExecutor struct {
	fn func(req pipeline.ExecRequest) pipeline.StageResult
}

func (s *stubExecutor) Execute(ctx context.Context, req pipeline.ExecRequest) pipeline.StageResult {
	return s.fn(req)
}

func passingResult(req pipeline.ExecRequest) pipeline.StageResult {
	now := time.Now().UTC()
	res := pipeline.StageResult{Stage: req.Stage, Status: pipeline.StageDone, StartedAt: now, FinishedAt: now}
	switch req.Stage {
	case pipeline.StageReconnaissance:
		res.Payload = &pipeline.ReconReport{Summary: "single package service"}
	case pipeline.StagePlanning:
		res.Payload = &pipeline.TriageReport{Summary: "off-by-one in pager", IssueType: pipeline.IssueTypeBug, Confidence: 0.9}
	case pipeline.StageDesign:
		res.Payload = &pipeline.DesignPlan{Summary: "fix bounds check", Steps: []pipeline.PlanStep{{Number: 1, Action: "MODIFY", Description: "adjust limit"}}}
	case pipeline.StageGeneration:
		res.Payload = &pipeline.Patch{Changes: []pipeline.FileChange{{Path: "pager.go", Diff: "--- a/pager.go\n"}}, Confidence: 0.8}
	case pipeline.StageVerification:
		res.Payload = &pipeline.ValidationOutcome{Passed: true, TestsPassed: 1, TestsTotal: 1}
	}
	return res
}

type testEnv struct {
	registry *pipeline.Registry
	server   *httptest.Server
}

func newTestEnv(t *testing.T, maxRunning int, fn func(req pipeline.ExecRequest) pipeline.StageResult) *testEnv {
	t.Helper()
	registry := pipeline.NewRegistry(maxRunning)
	broker := events.NewBroker(64)
	orch := pipeline.NewOrchestrator(registry, &stubExecutor{fn: fn}, broker, pipeline.Opts{})
	srv := NewServer(orch, registry, broker, nil, Opts{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{registry: registry, server: ts}
}

func createRunBody() []byte {
	body, _ := json.Marshal(CreateRunRequest{
		RepoOwner: "acme", RepoName: "widgets", Kind: "issue", Number: 42,
		Title: "pager breaks on last page", Body: "returns an empty page",
	})
	return body
}

func postRun(t *testing.T, env *testEnv) string {
	t.Helper()
	resp, err := http.Post(env.server.URL+"/api/runs", "application/json", bytes.NewReader(createRunBody()))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["run_id"] == "" {
		t.Fatal("no run_id in response")
	}
	return out["run_id"]
}

func awaitTerminal(t *testing.T, env *testEnv, id string) pipeline.RunSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := env.registry.Get(id)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		snap := run.Snapshot()
		if snap.Closed {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("run never terminated")
	return pipeline.RunSnapshot{}
}

func TestCreateRunAccepted(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	id := postRun(t, env)
	snap := awaitTerminal(t, env, id)
	if snap.Status != pipeline.StatusSucceeded {
		t.Errorf("expected succeeded, got %s", snap.Status)
	}
}

func TestCreateRunBadJSON(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	resp, err := http.Post(env.server.URL+"/api/runs", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateRunInvalidItem(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	body, _ := json.Marshal(CreateRunRequest{RepoOwner: "acme", Kind: "issue"})
	resp, err := http.Post(env.server.URL+"/api/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateRunBackpressure(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, 1, func(req pipeline.ExecRequest) pipeline.StageResult {
		<-release
		return passingResult(req)
	})
	defer close(release)

	postRun(t, env)

	resp, err := http.Post(env.server.URL+"/api/runs", "application/json", bytes.NewReader(createRunBody()))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	id := postRun(t, env)
	awaitTerminal(t, env, id)

	resp, err := http.Get(env.server.URL + "/api/runs/" + id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap pipeline.RunSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ID != id || snap.Item.Number != 42 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestGetRunNotFound(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	resp, err := http.Get(env.server.URL + "/api/runs/absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	id := postRun(t, env)
	awaitTerminal(t, env, id)

	resp, err := http.Get(env.server.URL + "/api/runs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Runs []pipeline.RunSnapshot `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Runs) != 1 || out.Runs[0].ID != id {
		t.Errorf("unexpected list %+v", out.Runs)
	}
}

func TestCancelRun(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once bool
	env := newTestEnv(t, 0, func(req pipeline.ExecRequest) pipeline.StageResult {
		if !once {
			once = true
			close(entered)
			<-release
		}
		return passingResult(req)
	})
	id := postRun(t, env)
	<-entered

	resp, err := http.Post(env.server.URL+"/api/runs/"+id+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	close(release)

	snap := awaitTerminal(t, env, id)
	if snap.Status != pipeline.StatusCancelled {
		t.Errorf("expected cancelled, got %s", snap.Status)
	}
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	id := postRun(t, env)
	awaitTerminal(t, env, id)

	resp, err := http.Post(env.server.URL+"/api/runs/"+id+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	resp, err := http.Post(env.server.URL+"/api/runs/absent/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	scanner := bufio.NewScanner(resp.Body)
	found := false
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "patchline_") {
			found = true
			break
		}
	}
	if !found {
		t.Error("no patchline metrics exposed")
	}
}

// readSSE collects event names from an SSE stream until the stream ends or a
// terminal event arrives.
func readSSE(t *testing.T, url string) []string {
	t.Helper()
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "event: ") {
			continue
		}
		name := strings.TrimPrefix(line, "event: ")
		names = append(names, name)
		if name == "complete" || name == "error" {
			break
		}
	}
	return names
}

func TestStreamEventsMidRun(t *testing.T) {
	gate := make(chan struct{})
	var gated bool
	env := newTestEnv(t, 0, func(req pipeline.ExecRequest) pipeline.StageResult {
		if !gated {
			gated = true
			<-gate
		}
		return passingResult(req)
	})
	id := postRun(t, env)

	done := make(chan []string, 1)
	go func() {
		done <- readSSE(t, env.server.URL+"/api/runs/"+id+"/events")
	}()

	// Give the subscriber a moment to attach, then let the pipeline proceed.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	select {
	case names := <-done:
		if len(names) == 0 || names[len(names)-1] != "complete" {
			t.Fatalf("stream should end with complete, got %v", names)
		}
		joined := strings.Join(names, " ")
		for _, stage := range []string{"planning", "design", "generation", "verification"} {
			if !strings.Contains(joined, stage) {
				t.Errorf("stream missing %s events: %v", stage, names)
			}
		}
	case <-time.After(10 * time.Second):
		t.Fatal("stream never completed")
	}
}

func TestStreamEventsAfterTerminal(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	id := postRun(t, env)
	awaitTerminal(t, env, id)

	names := readSSE(t, env.server.URL+"/api/runs/"+id+"/events")
	if len(names) != 1 || names[0] != "complete" {
		t.Fatalf("late subscriber should get a single synthetic terminal event, got %v", names)
	}
}

func TestStreamEventsUnknownRun(t *testing.T) {
	env := newTestEnv(t, 0, passingResult)
	resp, err := http.Get(env.server.URL + "/api/runs/absent/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

