package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/waypoint/internal/audit"
	"github.com/fentz26/waypoint/internal/engine"
	"github.com/fentz26/waypoint/internal/models"
	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/fentz26/waypoint/internal/store"
)

// gatedOracles plans a -> b and blocks the first execution of a until the gate opens.
type gatedOracles struct {
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedOracles() *gatedOracles {
	return &gatedOracles{started: make(chan struct{}), gate: make(chan struct{})}
}

func (g *gatedOracles) oracles() engine.Oracles {
	return engine.Oracles{
		Planner: oracle.PlannerFunc(func(ctx context.Context, goal, prior string) ([]oracle.RawStep, error) {
			return []oracle.RawStep{
				{Name: "a", Instruction: "first"},
				{Name: "b", Instruction: "second", DependsOn: []string{"a"}},
			}, nil
		}),
		Executor: oracle.ExecutorFunc(func(ctx context.Context, instruction, acc string) (oracle.ExecResult, error) {
			if instruction == "first" {
				g.once.Do(func() {
					close(g.started)
					<-g.gate
				})
			}
			return oracle.ExecResult{Success: true, Text: instruction + " done"}, nil
		}),
	}
}

func newTestServer(t *testing.T, g *gatedOracles) (*Server, *Service, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng := engine.New(g.oracles(), st, engine.WithRecorder(audit.NewDecisionWriter(st)))
	service := NewService(eng, st, models.DefaultGoalConfig(), WithLockTTL(time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		service.Shutdown(ctx)
	})
	return NewServer(service, st, "127.0.0.1:0", WithVersion("test")), service, st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func waitRun(t *testing.T, service *Service, runID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := service.Wait(ctx, runID); err != nil {
		t.Fatalf("run %s did not finish: %v", runID, err)
	}
}

func getRun(t *testing.T, h http.Handler, runID string) RunResponse {
	t.Helper()
	w := do(t, h, http.MethodGet, "/runs/"+runID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET run: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp RunResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode run: %v", err)
	}
	return resp
}

func stepByName(t *testing.T, p *models.Plan, name string) *models.Step {
	t.Helper()
	if p == nil {
		t.Fatalf("Expected a plan, got nil")
	}
	for _, s := range p.Steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("Step %q not found in plan", name)
	return nil
}

func TestHealthEndpoint_OK(t *testing.T) {
	s, _, _ := newTestServer(t, newGatedOracles())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version != "test" {
		t.Errorf("Expected version 'test', got '%s'", health.Version)
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t, newGatedOracles())

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s, _, st := newTestServer(t, newGatedOracles())

	// Close the store to simulate DB error
	st.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestStartRun_Completes(t *testing.T) {
	g := newGatedOracles()
	close(g.gate)
	s, service, _ := newTestServer(t, g)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/runs", `{"goal":"ship it","max_parallel":2,"step_timeout":"5s"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var started StartRunResponse
	if err := json.NewDecoder(w.Body).Decode(&started); err != nil || started.RunID == "" {
		t.Fatalf("Expected run id, got %+v, %v", started, err)
	}
	waitRun(t, service, started.RunID)

	run := getRun(t, h, started.RunID)
	if run.Status != models.RunCompleted {
		t.Errorf("Expected completed run, got %s (%s)", run.Status, run.ErrorMessage)
	}
	if run.Active {
		t.Error("Expected finished run to be inactive")
	}
	if run.Goal.Config.MaxParallel != 2 || run.Goal.Config.StepTimeout != 5*time.Second {
		t.Errorf("Expected request limits to be applied, got %+v", run.Goal.Config)
	}
	if run.Goal.Config.MaxIterations != models.DefaultGoalConfig().MaxIterations {
		t.Errorf("Expected default max_iterations, got %d", run.Goal.Config.MaxIterations)
	}

	w = do(t, h, http.MethodGet, "/runs?status=completed", "")
	var runs []models.RunSummary
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatalf("Failed to decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != started.RunID {
		t.Errorf("Expected the completed run listed, got %+v", runs)
	}

	w = do(t, h, http.MethodGet, "/runs/"+started.RunID+"/decisions", "")
	var decisions []models.Decision
	if err := json.NewDecoder(w.Body).Decode(&decisions); err != nil {
		t.Fatalf("Failed to decode decisions: %v", err)
	}
	if len(decisions) == 0 || decisions[0].Action != audit.ActionPlanCreate {
		t.Errorf("Expected decisions starting with plan.create, got %+v", decisions)
	}
}

func TestStartRun_BadRequest(t *testing.T) {
	s, _, _ := newTestServer(t, newGatedOracles())
	h := s.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"empty goal", `{"goal":"   "}`},
		{"negative parallelism", `{"goal":"x","max_parallel":-1}`},
		{"bad timeout", `{"goal":"x","step_timeout":"soon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/runs", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	if w := do(t, h, http.MethodGet, "/runs?status=paused", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown status filter, got %d", w.Code)
	}
}

func TestRunNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, newGatedOracles())
	h := s.Handler()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/runs/missing"},
		{http.MethodPost, "/runs/missing/resume"},
		{http.MethodPost, "/runs/missing/cancel"},
	} {
		if w := do(t, h, tc.method, tc.path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, w.Code)
		}
	}
}

func TestCancelThenResume(t *testing.T) {
	g := newGatedOracles()
	s, service, _ := newTestServer(t, g)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/runs", `{"goal":"two steps"}`)
	var started StartRunResponse
	json.NewDecoder(w.Body).Decode(&started)
	<-g.started

	if run := getRun(t, h, started.RunID); !run.Active {
		t.Error("Expected run to be active while a step is executing")
	}
	if w := do(t, h, http.MethodPost, "/runs/"+started.RunID+"/resume", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 resuming an active run, got %d", w.Code)
	}

	if w := do(t, h, http.MethodPost, "/runs/"+started.RunID+"/cancel", ""); w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	close(g.gate)
	waitRun(t, service, started.RunID)

	run := getRun(t, h, started.RunID)
	if run.Status != models.RunRunning {
		t.Fatalf("Expected cancelled run to stay resumable, got %s", run.Status)
	}
	stepA, stepB := stepByName(t, run.Plan, "a"), stepByName(t, run.Plan, "b")
	if run.Results[stepA.ID] != "first done" || stepB.Status != models.StepPending {
		t.Errorf("Expected a done and b pending, got %+v and b %s", run.Results, stepB.Status)
	}
	if w := do(t, h, http.MethodPost, "/runs/"+started.RunID+"/cancel", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 cancelling an inactive run, got %d", w.Code)
	}

	if w := do(t, h, http.MethodPost, "/runs/"+started.RunID+"/resume", ""); w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 on resume, got %d: %s", w.Code, w.Body.String())
	}
	waitRun(t, service, started.RunID)

	run = getRun(t, h, started.RunID)
	if run.Status != models.RunCompleted {
		t.Fatalf("Expected resumed run to complete, got %s (%s)", run.Status, run.ErrorMessage)
	}
	if w := do(t, h, http.MethodPost, "/runs/"+started.RunID+"/resume", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 resuming a finished run, got %d", w.Code)
	}
}

func TestResume_LockedElsewhere(t *testing.T) {
	g := newGatedOracles()
	close(g.gate)
	_, service, st := newTestServer(t, g)
	ctx := context.Background()

	state := models.NewRunState("run-1", models.Goal{Text: "g", Config: models.DefaultGoalConfig()})
	state.Status = models.RunRunning
	if err := service.checkpoints.Save(ctx, state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := st.AcquireRunLock(ctx, "run-1", "other-process", time.Minute); err != nil {
		t.Fatalf("AcquireRunLock failed: %v", err)
	}

	if err := service.ResumeRun(ctx, "run-1"); err != ErrRunActive {
		t.Errorf("Expected ErrRunActive, got %v", err)
	}
}

func TestStartRun_CallerRunID(t *testing.T) {
	g := newGatedOracles()
	close(g.gate)
	s, service, _ := newTestServer(t, g)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/runs", `{"goal":"named","run_id":"nightly"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var started StartRunResponse
	json.NewDecoder(w.Body).Decode(&started)
	if started.RunID != "nightly" {
		t.Errorf("Expected run id nightly, got %q", started.RunID)
	}
	waitRun(t, service, "nightly")

	if run := getRun(t, h, "nightly"); run.Status != models.RunCompleted {
		t.Errorf("Expected completed run, got %s", run.Status)
	}
}

func TestDeleteRun(t *testing.T) {
	g := newGatedOracles()
	close(g.gate)
	s, service, st := newTestServer(t, g)
	h := s.Handler()
	ctx := context.Background()

	if w := do(t, h, http.MethodDelete, "/runs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 deleting a missing run, got %d", w.Code)
	}

	state := models.NewRunState("run-1", models.Goal{Text: "g", Config: models.DefaultGoalConfig()})
	state.Status = models.RunRunning
	if err := service.checkpoints.Save(ctx, state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	lock, err := st.AcquireRunLock(ctx, "run-1", "other-process", time.Minute)
	if err != nil {
		t.Fatalf("AcquireRunLock failed: %v", err)
	}
	if w := do(t, h, http.MethodDelete, "/runs/run-1", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 deleting a locked run, got %d", w.Code)
	}

	if err := st.ReleaseRunLock(ctx, lock.ID); err != nil {
		t.Fatalf("ReleaseRunLock failed: %v", err)
	}
	if w := do(t, h, http.MethodDelete, "/runs/run-1", ""); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodGet, "/runs/run-1", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected deleted run to be gone, got %d", w.Code)
	}
}

func TestShutdownRejectsNewRuns(t *testing.T) {
	g := newGatedOracles()
	close(g.gate)
	_, service, _ := newTestServer(t, g)

	if err := service.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := service.StartRun(context.Background(), "", "late", models.GoalConfig{}); err != ErrShuttingDown {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
}

func TestWriteError(t *testing.T) {
	s, _, _ := newTestServer(t, newGatedOracles())

	w := httptest.NewRecorder()
	s.writeError(w, ErrRunFinished)
	if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), "already finished") {
		t.Errorf("Expected 409 with message, got %d %q", w.Code, w.Body.String())
	}
}
