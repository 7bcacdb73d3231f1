package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fentz26/waypoint/internal/models"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server provides the HTTP API for Waypoint.
type Server struct {
	service *Service
	db      HealthChecker
	addr    string
	version string
	logger  *slog.Logger
	server  *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithVersion sets the version reported by /health.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, db HealthChecker, addr string, opts ...ServerOption) *Server {
	s := &Server{
		service: service,
		db:      db,
		addr:    addr,
		version: "dev",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("POST /runs", s.startRun)
	mux.HandleFunc("GET /runs", s.listRuns)
	mux.HandleFunc("GET /runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /runs/{id}", s.deleteRun)
	mux.HandleFunc("POST /runs/{id}/resume", s.resumeRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("GET /runs/{id}/decisions", s.listDecisions)

	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves the API on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting waypoint daemon", "addr", ln.Addr().String(), "version", s.version)
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// --- Run Handlers ---

// StartRunRequest is the body of POST /runs. Zero limits take the daemon defaults.
type StartRunRequest struct {
	Goal            string `json:"goal"`
	RunID           string `json:"run_id,omitempty"`
	MaxIterations   int    `json:"max_iterations,omitempty"`
	MaxParallel     int    `json:"max_parallel,omitempty"`
	StepTimeout     string `json:"step_timeout,omitempty"`
	MaxStepAttempts int    `json:"max_step_attempts,omitempty"`
}

// StartRunResponse is the body returned by POST /runs.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	cfg := models.GoalConfig{
		MaxIterations:   req.MaxIterations,
		MaxParallel:     req.MaxParallel,
		MaxStepAttempts: req.MaxStepAttempts,
	}
	if req.StepTimeout != "" {
		d, err := time.ParseDuration(req.StepTimeout)
		if err != nil {
			http.Error(w, "invalid step_timeout: "+err.Error(), http.StatusBadRequest)
			return
		}
		cfg.StepTimeout = d
	}

	runID, err := s.service.StartRun(r.Context(), req.RunID, req.Goal, cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartRunResponse{RunID: runID})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.ListRuns(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []models.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// RunResponse is the body of GET /runs/{id}.
type RunResponse struct {
	*models.RunState
	Active bool `json:"active"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	state, err := s.service.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{RunState: state, Active: s.service.IsActive(runID)})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRun(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.service.ResumeRun(r.Context(), runID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartRunResponse{RunID: runID})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CancelRun(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.service.Decisions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if decisions == nil {
		decisions = []models.Decision{}
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrRunActive), errors.Is(err, ErrRunNotActive), errors.Is(err, ErrRunFinished):
		status = http.StatusConflict
	case errors.Is(err, ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrShuttingDown):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
