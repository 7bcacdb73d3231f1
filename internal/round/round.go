// Package round drives one synchronized batch of concurrent step executions.
package round

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/waypoint/internal/models"
	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/fentz26/waypoint/internal/runner"
	"github.com/fentz26/waypoint/internal/scheduler"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Summary reports what happened in one round. Ids are in plan declaration order.
type Summary struct {
	Dispatched []string `json:"dispatched"`
	Completed  []string `json:"completed"`
	Failed     []string `json:"failed"`
}

// Empty reports whether nothing was dispatched.
func (s Summary) Empty() bool {
	return len(s.Dispatched) == 0
}

// Coordinator dispatches the ready frontier of a plan to step runners and
// waits for every dispatched step before returning.
type Coordinator struct {
	executor oracle.Executor
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// mu serializes writes to the run's results map.
	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer used for round and step spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithClock overrides the time source passed to step runners.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator creates a coordinator that executes steps through executor.
func NewCoordinator(executor oracle.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		executor: executor,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/fentz26/waypoint/internal/round"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunRound computes the ready frontier of state.Plan, runs each ready step
// with at most MaxParallel in flight, and returns once all of them reached a
// terminal status. A failed step is re-run in the same round until it
// succeeds or MaxStepAttempts invocations were made. Dependents of failed
// steps are left pending.
//
// Cancelling ctx does not interrupt dispatched steps; they finish or time out.
func (c *Coordinator) RunRound(ctx context.Context, state *models.RunState) Summary {
	cfg := state.Goal.Config
	frontier := scheduler.ReadyFrontier(state.Plan, scheduler.InFlight(state.Plan), cfg.MaxParallel)

	var summary Summary
	if len(frontier) == 0 {
		return summary
	}

	ctx, span := c.tracer.Start(ctx, "engine.round",
		trace.WithAttributes(
			attribute.String("run.id", state.RunID),
			attribute.Int("round.dispatched", len(frontier)),
		),
	)
	defer span.End()

	goalContext := GoalContext(state)
	stepRunner := runner.New(c.executor, cfg.StepTimeout, runner.WithLogger(c.logger), runner.WithClock(c.now))
	attempts := cfg.MaxStepAttempts
	if attempts < 1 {
		attempts = 1
	}

	// Steps run detached from cancellation so a cancelled run still
	// commits the results of work already in flight.
	execCtx := context.WithoutCancel(ctx)

	c.logger.InfoContext(ctx, "dispatching round",
		"run_id", state.RunID,
		"steps", len(frontier),
		"max_parallel", cfg.MaxParallel,
	)

	outcomes := make([]runner.Outcome, len(frontier))
	var g errgroup.Group
	g.SetLimit(cfg.MaxParallel)
	for i, step := range frontier {
		summary.Dispatched = append(summary.Dispatched, step.ID)
		i, step := i, step
		g.Go(func() error {
			outcomes[i] = c.runStep(execCtx, stepRunner, state, step, goalContext, attempts)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out.Succeeded() {
			summary.Completed = append(summary.Completed, out.StepID)
		} else {
			summary.Failed = append(summary.Failed, out.StepID)
		}
	}

	span.SetAttributes(
		attribute.Int("round.completed", len(summary.Completed)),
		attribute.Int("round.failed", len(summary.Failed)),
	)
	c.logger.InfoContext(ctx, "round finished",
		"run_id", state.RunID,
		"completed", len(summary.Completed),
		"failed", len(summary.Failed),
	)
	return summary
}

func (c *Coordinator) runStep(ctx context.Context, r *runner.Runner, state *models.RunState, step *models.Step, goalContext string, attempts int) runner.Outcome {
	ctx, span := c.tracer.Start(ctx, "round.step",
		trace.WithAttributes(
			attribute.String("run.id", state.RunID),
			attribute.String("step.id", step.ID),
			attribute.String("step.name", step.Name),
		),
	)
	defer span.End()

	var out runner.Outcome
	for i := 0; i < attempts; i++ {
		out = r.Run(ctx, step, goalContext)
		if out.Succeeded() {
			break
		}
		if i+1 < attempts {
			c.logger.InfoContext(ctx, "retrying step", "run_id", state.RunID, "step_id", step.ID, "attempt", step.Attempts)
		}
	}

	span.SetAttributes(attribute.Int("step.attempts", step.Attempts))
	if !out.Succeeded() {
		span.SetStatus(codes.Error, out.Err.Error())
		return out
	}

	c.mu.Lock()
	if state.Results == nil {
		state.Results = make(map[string]string)
	}
	state.Results[step.ID] = out.Result
	c.mu.Unlock()
	return out
}

// GoalContext renders the goal and the results of every succeeded step, in
// plan order, as the accumulated context handed to the executor.
func GoalContext(state *models.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", state.Goal.Text)
	if state.Plan == nil {
		return b.String()
	}
	wrote := false
	for _, s := range state.Plan.Steps {
		result, ok := state.Results[s.ID]
		if !ok || s.Status != models.StepSucceeded {
			continue
		}
		if !wrote {
			b.WriteString("\nPrior results:\n")
			wrote = true
		}
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, strings.TrimSpace(result))
	}
	return b.String()
}
