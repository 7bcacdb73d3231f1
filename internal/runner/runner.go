// Package runner executes a single plan step through the step-execution oracle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/waypoint/internal/models"
	"github.com/fentz26/waypoint/internal/oracle"
)

// Outcome is the result of one step invocation: either Succeeded with a
// result or Failed with an error.
type Outcome struct {
	StepID string
	Status models.StepStatus
	Result string
	Err    error
}

// Succeeded reports whether the invocation succeeded.
func (o Outcome) Succeeded() bool {
	return o.Status == models.StepSucceeded
}

// Runner invokes the executor for one step and enforces the step deadline.
type Runner struct {
	executor oracle.Executor
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source used for step timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a runner that gives each invocation at most timeout to finish.
func New(executor oracle.Executor, timeout time.Duration, opts ...Option) *Runner {
	r := &Runner{
		executor: executor,
		timeout:  timeout,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type callResult struct {
	res oracle.ExecResult
	err error
}

// Run moves step to running, invokes the executor with the step instruction
// and goalContext, and records the terminal status on the step. Attempts is
// incremented on every call. Run does not retry.
//
// When the executor does not answer before the deadline the step fails with a
// timeout error and Run returns immediately; the executor call is abandoned
// with its context cancelled.
func (r *Runner) Run(ctx context.Context, step *models.Step, goalContext string) Outcome {
	started := r.now()
	step.Status = models.StepRunning
	step.StartedAt = &started
	step.CompletedAt = nil
	step.Attempts++

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- callResult{err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		res, err := r.executor.Execute(callCtx, step.Instruction, goalContext)
		done <- callResult{res: res, err: err}
	}()

	var out Outcome
	select {
	case cr := <-done:
		out = r.outcomeFromCall(step, cr)
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			out = r.failed(step, oracle.NewError("execute", oracle.ReasonTimeout,
				fmt.Errorf("step exceeded %s deadline", r.timeout)))
		} else {
			out = r.failed(step, oracle.NewError("execute", oracle.ReasonCall, callCtx.Err()))
		}
	}

	completed := r.now()
	step.CompletedAt = &completed

	if out.Succeeded() {
		r.logger.Debug("step succeeded", "step_id", step.ID, "step", step.Name, "attempt", step.Attempts,
			"duration", completed.Sub(started))
	} else {
		r.logger.Warn("step failed", "step_id", step.ID, "step", step.Name, "attempt", step.Attempts,
			"timeout", oracle.IsTimeout(out.Err), "error", out.Err)
	}
	return out
}

func (r *Runner) outcomeFromCall(step *models.Step, cr callResult) Outcome {
	if cr.err != nil {
		var oe *oracle.Error
		if errors.As(cr.err, &oe) {
			return r.failed(step, cr.err)
		}
		return r.failed(step, oracle.NewError("execute", oracle.ReasonCall, cr.err))
	}
	if !cr.res.Success {
		msg := cr.res.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return r.failed(step, errors.New(msg))
	}

	step.Status = models.StepSucceeded
	step.Result = cr.res.Text
	step.Error = ""
	return Outcome{StepID: step.ID, Status: models.StepSucceeded, Result: cr.res.Text}
}

func (r *Runner) failed(step *models.Step, err error) Outcome {
	step.Status = models.StepFailed
	step.Error = err.Error()
	return Outcome{StepID: step.ID, Status: models.StepFailed, Err: err}
}
