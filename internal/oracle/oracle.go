// Package oracle defines the contracts of the external collaborators the engine
// consults: the planner, the step executor and the progress evaluator.
//
// Oracle answers are untrusted. Callers validate everything they receive.
package oracle

import (
	"context"
	"errors"
	"fmt"
)

// RawStep is one planner-proposed step. Dependencies reference other steps by name.
type RawStep struct {
	Name        string   `json:"name"`
	Instruction string   `json:"instruction"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// ExecResult holds the outcome of executing one step instruction.
type ExecResult struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Error   string `json:"error,omitempty"`
}

// StepSummary is the per-step view handed to the progress evaluator.
type StepSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Verdict is the progress evaluator's qualitative answer.
// NextAction is advisory text only.
type Verdict struct {
	IsComplete     bool   `json:"is_complete"`
	IsFailed       bool   `json:"is_failed"`
	ShouldContinue bool   `json:"should_continue"`
	Summary        string `json:"summary"`
	NextAction     string `json:"next_action,omitempty"`
}

// Decision is a verdict collapsed to a single control-flow choice.
type Decision string

const (
	DecisionComplete Decision = "complete"
	DecisionFailed   Decision = "failed"
	DecisionContinue Decision = "continue"
)

// Decision collapses the verdict flags. Contradictory flags resolve to continue.
func (v Verdict) Decision() Decision {
	switch {
	case v.IsComplete && v.IsFailed:
		return DecisionContinue
	case v.IsComplete:
		return DecisionComplete
	case v.IsFailed:
		return DecisionFailed
	default:
		return DecisionContinue
	}
}

// Planner decomposes a goal into named steps.
type Planner interface {
	Plan(ctx context.Context, goalText, priorContext string) ([]RawStep, error)
}

// Executor carries out a single step instruction. Implementations are not
// required to honor deadlines; the engine enforces them.
type Executor interface {
	Execute(ctx context.Context, instruction, accumulatedContext string) (ExecResult, error)
}

// Evaluator renders a verdict on an ambiguous run.
type Evaluator interface {
	Evaluate(ctx context.Context, goalText string, steps []StepSummary) (Verdict, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, goalText, priorContext string) ([]RawStep, error)

func (f PlannerFunc) Plan(ctx context.Context, goalText, priorContext string) ([]RawStep, error) {
	return f(ctx, goalText, priorContext)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, instruction, accumulatedContext string) (ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, instruction, accumulatedContext string) (ExecResult, error) {
	return f(ctx, instruction, accumulatedContext)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, goalText string, steps []StepSummary) (Verdict, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, goalText string, steps []StepSummary) (Verdict, error) {
	return f(ctx, goalText, steps)
}

// Reason classifies an oracle failure.
type Reason string

const (
	ReasonCall      Reason = "call"
	ReasonMalformed Reason = "malformed"
	ReasonTimeout   Reason = "timeout"
)

// Error is returned for any collaborator failure. A timeout is an Error with ReasonTimeout.
type Error struct {
	Op     string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as an oracle failure.
func NewError(op string, reason Reason, err error) *Error {
	return &Error{Op: op, Reason: reason, Err: err}
}

// IsTimeout reports whether err is an oracle timeout.
func IsTimeout(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Reason == ReasonTimeout
}
