// Package controlplane provides the HTTP API and service layer for driving
// goal runs in the background.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/waypoint/internal/checkpoint"
	"github.com/fentz26/waypoint/internal/engine"
	"github.com/fentz26/waypoint/internal/models"
	"github.com/fentz26/waypoint/internal/store"
	"github.com/google/uuid"
)

// DefaultLockTTL is how long a run lock survives without renewal.
const DefaultLockTTL = 30 * time.Second

// Runner drives a goal run to a terminal state.
type Runner interface {
	StartGoal(ctx context.Context, goalText string, cfg models.GoalConfig, runID string) (*models.RunState, error)
	ResumeGoal(ctx context.Context, runID string) (*models.RunState, error)
}

var _ Runner = (*engine.Controller)(nil)

// Service runs goals asynchronously, one goroutine per active run.
type Service struct {
	runner      Runner
	store       *store.Store
	checkpoints *checkpoint.Adapter
	defaults    models.GoalConfig
	holderID    string
	lockTTL     time.Duration
	logger      *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	active  map[string]*activeRun
	closing bool
	wg      sync.WaitGroup
}

type activeRun struct {
	goal      models.Goal
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHolderID sets the identity written into run locks.
func WithHolderID(id string) ServiceOption {
	return func(s *Service) {
		if id != "" {
			s.holderID = id
		}
	}
}

// WithLockTTL sets the run lock ttl.
func WithLockTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// NewService creates a new control plane service. defaults fills the limits
// a start request leaves unset.
func NewService(runner Runner, st *store.Store, defaults models.GoalConfig, opts ...ServiceOption) *Service {
	ctx, stop := context.WithCancel(context.Background())
	s := &Service{
		runner:      runner,
		store:       st,
		checkpoints: checkpoint.NewAdapter(st),
		defaults:    engine.WithDefaults(defaults),
		holderID:    "waypoint-" + uuid.New().String()[:8],
		lockTTL:     DefaultLockTTL,
		logger:      slog.Default(),
		baseCtx:     ctx,
		stop:        stop,
		active:      make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Run Operations ---

// StartRun validates the goal and starts driving it in the background under
// runID, or a generated id when runID is empty. Zero fields in cfg take the
// service defaults.
func (s *Service) StartRun(ctx context.Context, runID, goalText string, cfg models.GoalConfig) (string, error) {
	goalText = strings.TrimSpace(goalText)
	if goalText == "" {
		return "", fmt.Errorf("%w: goal text is required", ErrBadRequest)
	}
	cfg = s.withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	if runID == "" {
		runID = uuid.New().String()
	}
	goal := models.Goal{Text: goalText, Config: cfg}
	err := s.launch(ctx, runID, goal, func(runCtx context.Context) (*models.RunState, error) {
		return s.runner.StartGoal(runCtx, goalText, cfg, runID)
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// ResumeRun continues a checkpointed run in the background.
func (s *Service) ResumeRun(ctx context.Context, runID string) error {
	state, err := s.checkpoints.Load(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return ErrRunNotFound
	}
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return ErrRunFinished
	}

	return s.launch(ctx, runID, state.Goal, func(runCtx context.Context) (*models.RunState, error) {
		return s.runner.ResumeGoal(runCtx, runID)
	})
}

// CancelRun requests cancellation of an active run. The run checkpoints its
// partial state and stops at the next round boundary.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	run, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		run.cancel()
		s.logger.InfoContext(ctx, "run cancellation requested", "run_id", runID)
		return nil
	}

	if _, err := s.store.Load(ctx, runID); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return ErrRunNotFound
		}
		return err
	}
	return ErrRunNotActive
}

// DeleteRun removes a finished or abandoned run and its decisions. Runs
// driven here or holding a lock elsewhere are refused.
func (s *Service) DeleteRun(ctx context.Context, runID string) error {
	if s.IsActive(runID) {
		return ErrRunActive
	}
	lock, err := s.store.GetRunLock(ctx, runID)
	if err != nil {
		return err
	}
	if lock != nil {
		return fmt.Errorf("%w: held by %s", ErrRunActive, lock.HolderID)
	}

	if err := s.store.DeleteRun(ctx, runID); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return ErrRunNotFound
		}
		return err
	}
	s.logger.InfoContext(ctx, "run deleted", "run_id", runID)
	return nil
}

// GetRun returns the latest checkpoint of a run. A run that is still planning
// its first checkpoint is reported from memory.
func (s *Service) GetRun(ctx context.Context, runID string) (*models.RunState, error) {
	state, err := s.checkpoints.Load(ctx, runID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, err
	}

	s.mu.Lock()
	run, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	state = models.NewRunState(runID, run.goal)
	state.Status = models.RunPlanning
	state.UpdatedAt = run.startedAt
	return state, nil
}

// ListRuns returns checkpointed runs, newest first.
func (s *Service) ListRuns(ctx context.Context, status string) ([]models.RunSummary, error) {
	if status != "" {
		if _, err := models.ParseRunStatus(status); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}
	return s.store.ListRuns(ctx, status)
}

// Decisions returns the audit trail of a run.
func (s *Service) Decisions(ctx context.Context, runID string) ([]models.Decision, error) {
	return s.store.ListDecisions(ctx, runID)
}

// IsActive reports whether runID is being driven by this service.
func (s *Service) IsActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

// Wait blocks until runID is no longer active.
func (s *Service) Wait(ctx context.Context, runID string) error {
	s.mu.Lock()
	run, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every active run and waits for them to checkpoint.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) launch(ctx context.Context, runID string, goal models.Goal, drive func(context.Context) (*models.RunState, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return ErrShuttingDown
	}
	if _, ok := s.active[runID]; ok {
		return ErrRunActive
	}

	runCtx, cancelCause := context.WithCancelCause(s.baseCtx)
	cancel := func() { cancelCause(nil) }
	release, err := s.store.HoldRunLock(ctx, runID, s.holderID, s.lockTTL, func(err error) {
		s.logger.Error("run lock lost, stopping run", "run_id", runID, "error", err)
		cancelCause(err)
	})
	if errors.Is(err, store.ErrRunLocked) {
		cancel()
		return ErrRunActive
	}
	if err != nil {
		cancel()
		return fmt.Errorf("lock run %s: %w", runID, err)
	}

	run := &activeRun{goal: goal, startedAt: time.Now().UTC(), cancel: cancel, done: make(chan struct{})}
	s.active[runID] = run
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(run.done)
		defer cancel()
		defer release()

		state, err := drive(runCtx)
		s.finish(runID, state, err)

		s.mu.Lock()
		delete(s.active, runID)
		s.mu.Unlock()
	}()
	return nil
}

func (s *Service) finish(runID string, state *models.RunState, err error) {
	switch {
	case errors.Is(err, checkpoint.ErrSuperseded):
		s.logger.Warn("run abandoned to another driver", "run_id", runID)
	case errors.Is(err, engine.ErrCancelled):
		s.logger.Info("run cancelled", "run_id", runID)
	case err != nil:
		s.logger.Error("run ended with error", "run_id", runID, "error", err)
	case state != nil:
		s.logger.Info("run finished", "run_id", runID, "status", state.Status, "iterations", state.IterationCount)
	}
}

func (s *Service) withDefaults(cfg models.GoalConfig) models.GoalConfig {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = s.defaults.MaxIterations
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = s.defaults.MaxParallel
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = s.defaults.StepTimeout
	}
	if cfg.MaxStepAttempts == 0 {
		cfg.MaxStepAttempts = s.defaults.MaxStepAttempts
	}
	return cfg
}
