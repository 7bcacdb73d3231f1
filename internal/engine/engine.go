// Package engine drives a goal from planning through repeated execution
// rounds to a terminal state, checkpointing along the way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fentz26/waypoint/internal/audit"
	"github.com/fentz26/waypoint/internal/checkpoint"
	"github.com/fentz26/waypoint/internal/models"
	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/fentz26/waypoint/internal/plan"
	"github.com/fentz26/waypoint/internal/progress"
	"github.com/fentz26/waypoint/internal/round"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrCancelled is returned, together with the checkpointed partial state,
// when the caller cancels a run.
var ErrCancelled = errors.New("run cancelled")

// CheckpointError reports a checkpoint store failure. The run state that
// could not be saved is still returned to the caller.
type CheckpointError struct {
	RunID string
	Err   error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint run %s: %v", e.RunID, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// DefaultHistoryLimit bounds the previous_runs history.
const DefaultHistoryLimit = 10

const maxRecordedOutcome = 500

// Oracles bundles the collaborators a Controller consults.
type Oracles struct {
	Planner   oracle.Planner
	Executor  oracle.Executor
	Evaluator oracle.Evaluator
}

// Controller runs goals. One Controller may drive several runs concurrently,
// each on its own goroutine.
type Controller struct {
	planner     oracle.Planner
	coordinator *round.Coordinator
	evaluator   *progress.Evaluator
	checkpoints *checkpoint.Adapter
	recorder    audit.Recorder
	logger      *slog.Logger
	tracer      trace.Tracer

	historyLimit         int
	checkpointEveryRound bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used by the controller and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer used by the controller and its components.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithRecorder sets where controller decisions are recorded.
func WithRecorder(r audit.Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithHistoryLimit sets how many previous runs are kept in persistent state.
func WithHistoryLimit(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// CheckpointEveryRound controls whether state is also saved after every
// round, not only on terminal transitions and cancellation.
func CheckpointEveryRound(enabled bool) Option {
	return func(c *Controller) {
		c.checkpointEveryRound = enabled
	}
}

// New creates a Controller.
func New(oracles Oracles, store checkpoint.Store, opts ...Option) *Controller {
	c := &Controller{
		planner:              oracles.Planner,
		checkpoints:          checkpoint.NewAdapter(store),
		recorder:             audit.Nop{},
		logger:               slog.Default(),
		tracer:               otel.Tracer("github.com/fentz26/waypoint/internal/engine"),
		historyLimit:         DefaultHistoryLimit,
		checkpointEveryRound: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.coordinator = round.NewCoordinator(oracles.Executor, round.WithLogger(c.logger), round.WithTracer(c.tracer))
	c.evaluator = progress.New(oracles.Evaluator, progress.WithLogger(c.logger), progress.WithTracer(c.tracer))
	return c
}

// StartGoal plans goalText and drives the run to a terminal state. A blank
// runID gets a generated one. When a checkpoint already exists for runID its
// persistent state, including the run history, is carried into the new run.
//
// The returned state is non-nil whenever a run was started. The error is a
// *plan.ValidationError for a malformed plan, ErrCancelled on cancellation,
// or a *CheckpointError when state could not be saved.
func (c *Controller) StartGoal(ctx context.Context, goalText string, cfg models.GoalConfig, runID string) (*models.RunState, error) {
	goalText = strings.TrimSpace(goalText)
	if goalText == "" {
		return nil, fmt.Errorf("goal text is required")
	}
	cfg = WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid goal config: %w", err)
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	state := models.NewRunState(runID, models.Goal{Text: goalText, Config: cfg})
	prev, err := c.checkpoints.Load(ctx, runID)
	switch {
	case err == nil:
		for k, v := range prev.Clone().PersistentState {
			state.PersistentState[k] = v
		}
	case !errors.Is(err, checkpoint.ErrNotFound):
		c.logger.WarnContext(ctx, "could not load previous checkpoint, starting without history",
			"run_id", runID, "error", err)
	}

	ctx, span := c.startSpan(ctx, state, "fresh")
	defer span.End()

	c.logger.InfoContext(ctx, "starting goal", "run_id", runID, "goal", goalText,
		"max_iterations", cfg.MaxIterations, "max_parallel", cfg.MaxParallel, "step_timeout", cfg.StepTimeout)

	state, err = c.planAndDrive(ctx, state)
	return c.finish(span, state, err)
}

// ResumeGoal loads the checkpoint for runID and continues the run. Steps that
// were running when the checkpoint was written are reset to pending. A
// checkpoint in a terminal state is returned as is. Returns an error wrapping
// checkpoint.ErrNotFound when no checkpoint exists.
func (c *Controller) ResumeGoal(ctx context.Context, runID string) (*models.RunState, error) {
	state, err := c.checkpoints.Load(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &CheckpointError{RunID: runID, Err: err}
	}
	if state.Status.IsTerminal() {
		c.logger.InfoContext(ctx, "run already finished", "run_id", runID, "status", state.Status)
		return state, nil
	}
	state.Goal.Config = WithDefaults(state.Goal.Config)

	ctx, span := c.startSpan(ctx, state, "resumed")
	defer span.End()

	if err := state.Goal.Config.Validate(); err != nil {
		err = fmt.Errorf("invalid goal config: %w", err)
		c.logger.ErrorContext(ctx, "checkpoint carries unusable limits", "run_id", runID, "error", err)
		state.Fail(err.Error())
		return c.finish(span, state, errors.Join(err, c.save(ctx, state)))
	}

	if state.Plan == nil {
		c.logger.InfoContext(ctx, "resuming run without plan, replanning", "run_id", runID)
		state, err = c.planAndDrive(ctx, state)
		return c.finish(span, state, err)
	}

	if err := plan.Validate(state.Plan); err != nil {
		state.Fail(err.Error())
		return c.finish(span, state, errors.Join(err, c.save(ctx, state)))
	}

	var reset []string
	for _, s := range state.Plan.Steps {
		if s.Status == models.StepRunning {
			s.Status = models.StepPending
			s.StartedAt = nil
			reset = append(reset, s.ID)
		}
	}
	state.Plan.Provenance = models.ProvenanceResumed
	state.Status = models.RunRunning

	c.logger.InfoContext(ctx, "resuming goal", "run_id", runID,
		"iteration", state.IterationCount, "interrupted_steps", len(reset))
	c.record(ctx, state, audit.ActionPlanResume,
		map[string]any{"plan_id": state.Plan.ID, "reset": reset},
		"resumed", fmt.Sprintf("%d steps, %d interrupted", len(state.Plan.Steps), len(reset)))

	state, err = c.drive(ctx, state)
	return c.finish(span, state, err)
}

func (c *Controller) startSpan(ctx context.Context, state *models.RunState, provenance string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("run.id", state.RunID),
			attribute.String("run.provenance", provenance),
		),
	)
}

func (c *Controller) finish(span trace.Span, state *models.RunState, err error) (*models.RunState, error) {
	span.SetAttributes(
		attribute.String("run.status", string(state.Status)),
		attribute.Int("run.iterations", state.IterationCount),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return state, err
}

func (c *Controller) planAndDrive(ctx context.Context, state *models.RunState) (*models.RunState, error) {
	state.Status = models.RunPlanning
	if ctx.Err() != nil {
		return c.cancel(ctx, state)
	}

	raw, err := c.planner.Plan(ctx, state.Goal.Text, PriorContext(state.PreviousRuns()))
	if err != nil {
		if ctx.Err() != nil {
			return c.cancel(ctx, state)
		}
		c.logger.ErrorContext(ctx, "planning failed", "run_id", state.RunID, "error", err)
		state.Fail("planning failed: " + err.Error())
		c.record(ctx, state, audit.ActionPlanCreate, state.Goal, "failed", err.Error())
		return state, c.save(ctx, state)
	}

	p := plan.ResolveNamesToIDs(state.Goal.Text, raw, c.logger.With("run_id", state.RunID))
	state.Plan = p
	if err := plan.Validate(p); err != nil {
		c.logger.ErrorContext(ctx, "plan rejected", "run_id", state.RunID, "error", err)
		state.Fail(err.Error())
		c.record(ctx, state, audit.ActionPlanCreate, raw, "rejected", err.Error())
		return state, errors.Join(err, c.save(ctx, state))
	}

	state.Status = models.RunRunning
	c.record(ctx, state, audit.ActionPlanCreate, raw, "accepted", fmt.Sprintf("%d steps", len(p.Steps)))
	c.logger.InfoContext(ctx, "plan created", "run_id", state.RunID, "plan_id", p.ID, "steps", len(p.Steps))

	if ctx.Err() != nil {
		return c.cancel(ctx, state)
	}
	if c.checkpointEveryRound {
		if err := c.save(ctx, state); err != nil {
			return state, err
		}
	}
	return c.drive(ctx, state)
}

// drive repeats rounds and evaluator passes until the run is terminal or
// the caller cancels.
func (c *Controller) drive(ctx context.Context, state *models.RunState) (*models.RunState, error) {
	for {
		if ctx.Err() != nil {
			return c.cancel(ctx, state)
		}

		summary := c.coordinator.RunRound(ctx, state)
		if !summary.Empty() {
			c.record(ctx, state, audit.ActionRoundDispatch, summary.Dispatched, "dispatched",
				fmt.Sprintf("%d completed, %d failed", len(summary.Completed), len(summary.Failed)))
		}
		if ctx.Err() != nil {
			return c.cancel(ctx, state)
		}

		res := c.evaluator.Evaluate(ctx, state)
		if len(res.Skipped) > 0 {
			c.record(ctx, state, audit.ActionStepSkip, res.Skipped, "skipped",
				fmt.Sprintf("%d steps blocked by failed dependencies", len(res.Skipped)))
		}
		if res.Terminal() || res.Verdict != nil {
			c.recordVerdict(ctx, state, res)
		}

		if res.Terminal() {
			return c.complete(ctx, state)
		}

		if c.checkpointEveryRound {
			if err := c.save(ctx, state); err != nil {
				return state, err
			}
		}
	}
}

func (c *Controller) recordVerdict(ctx context.Context, state *models.RunState, res progress.Result) {
	details := state.ErrorMessage
	if state.Status == models.RunCompleted {
		details = state.FinalOutcome
	}
	if res.Verdict != nil {
		details = res.Verdict.Summary
		if res.Verdict.NextAction != "" {
			c.logger.InfoContext(ctx, "progress oracle suggested next action",
				"run_id", state.RunID, "next_action", res.Verdict.NextAction)
			details += "\nnext action: " + res.Verdict.NextAction
		}
	}
	c.record(ctx, state, audit.ActionRunVerdict,
		map[string]any{"rule": res.Rule, "iteration": state.IterationCount},
		string(state.Status), truncate(details, maxRecordedOutcome))
}

func (c *Controller) complete(ctx context.Context, state *models.RunState) (*models.RunState, error) {
	if state.Status == models.RunCompleted {
		state.AppendRunRecord(models.RunRecord{
			RunID:      state.RunID,
			Goal:       state.Goal.Text,
			Outcome:    truncate(state.FinalOutcome, maxRecordedOutcome),
			StepCount:  len(state.Plan.Steps),
			FinishedAt: time.Now().UTC(),
		}, c.historyLimit)
		c.logger.InfoContext(ctx, "goal completed", "run_id", state.RunID, "iterations", state.IterationCount)
	} else {
		c.logger.WarnContext(ctx, "goal failed", "run_id", state.RunID,
			"iterations", state.IterationCount, "error", state.ErrorMessage)
	}
	return state, c.save(ctx, state)
}

func (c *Controller) cancel(ctx context.Context, state *models.RunState) (*models.RunState, error) {
	if cause := context.Cause(ctx); errors.Is(cause, checkpoint.ErrSuperseded) {
		c.logger.ErrorContext(ctx, "run taken over by another driver, stopping without checkpoint",
			"run_id", state.RunID, "iteration", state.IterationCount, "error", cause)
		return state, fmt.Errorf("%w: %w", ErrCancelled, cause)
	}

	c.logger.WarnContext(ctx, "run cancelled, checkpointing partial state",
		"run_id", state.RunID, "iteration", state.IterationCount, "results", len(state.Results))
	saveCtx := context.WithoutCancel(ctx)
	c.record(saveCtx, state, audit.ActionRunCancel, map[string]any{"iteration": state.IterationCount}, "cancelled", "")
	if err := c.save(saveCtx, state); err != nil {
		return state, errors.Join(ErrCancelled, err)
	}
	return state, ErrCancelled
}

func (c *Controller) save(ctx context.Context, state *models.RunState) error {
	if cause := context.Cause(ctx); errors.Is(cause, checkpoint.ErrSuperseded) {
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	state.UpdatedAt = time.Now().UTC()
	if err := c.checkpoints.Save(ctx, state); err != nil {
		c.logger.ErrorContext(ctx, "checkpoint failed", "run_id", state.RunID, "error", err)
		return &CheckpointError{RunID: state.RunID, Err: err}
	}
	return nil
}

func (c *Controller) record(ctx context.Context, state *models.RunState, action string, inputs interface{}, outcome, details string) {
	ctx = context.WithoutCancel(ctx)
	if err := c.recorder.Record(ctx, state.RunID, action, inputs, outcome, details); err != nil {
		c.logger.WarnContext(ctx, "failed to record decision", "run_id", state.RunID, "action", action, "error", err)
	}
}

// WithDefaults fills zero limits in cfg from models.DefaultGoalConfig.
func WithDefaults(cfg models.GoalConfig) models.GoalConfig {
	def := models.DefaultGoalConfig()
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.MaxStepAttempts == 0 {
		cfg.MaxStepAttempts = def.MaxStepAttempts
	}
	return cfg
}

// PriorContext renders the run history for the planner.
func PriorContext(records []models.RunRecord) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous runs (oldest first):\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- %s (%d steps, finished %s): %s\n",
			r.Goal, r.StepCount, r.FinishedAt.Format(time.RFC3339), firstLine(r.Outcome))
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
