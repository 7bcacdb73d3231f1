// Package progress decides, after each round, whether a run is finished.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/fentz26/waypoint/internal/models"
	"github.com/fentz26/waypoint/internal/oracle"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrCeilingReached is reported when a run used up its iteration budget.
var ErrCeilingReached = errors.New("iteration ceiling reached")

// Rule identifies which transition rule produced a result.
type Rule string

const (
	RuleCeiling      Rule = "ceiling"
	RuleAllSucceeded Rule = "all_succeeded"
	RuleFailed       Rule = "failed_steps"
	RuleOracle       Rule = "oracle"
)

// Result describes one evaluator pass.
type Result struct {
	Rule    Rule
	Status  models.RunStatus
	Skipped []string
	// Verdict is set only when the progress oracle was consulted.
	Verdict *oracle.Verdict
	// Err is ErrCeilingReached or the oracle error that was absorbed as continue.
	Err error
}

// Terminal reports whether the pass ended the run.
func (r Result) Terminal() bool {
	return r.Status.IsTerminal()
}

// Evaluator applies the transition rules to a run state.
type Evaluator struct {
	oracle oracle.Evaluator
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Evaluator) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// New creates an evaluator. ev may be nil, in which case ambiguous states continue.
func New(ev oracle.Evaluator, opts ...Option) *Evaluator {
	e := &Evaluator{
		oracle: ev,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/fentz26/waypoint/internal/progress"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs one pass over state and applies, in order:
//
//  1. iteration ceiling: the run fails once IterationCount reaches MaxIterations
//  2. every step succeeded: the run completes
//  3. pending steps behind a failed dependency are skipped; if a step failed
//     and nothing is pending or running, the run fails
//  4. otherwise the progress oracle decides; errors continue
//
// IterationCount is incremented exactly once per call. Rules 1 to 3 never
// call the oracle.
func (e *Evaluator) Evaluate(ctx context.Context, state *models.RunState) Result {
	state.IterationCount++

	ctx, span := e.tracer.Start(ctx, "progress.evaluate",
		trace.WithAttributes(
			attribute.String("run.id", state.RunID),
			attribute.Int("run.iteration", state.IterationCount),
		),
	)
	defer span.End()

	res := e.evaluate(ctx, state)
	span.SetAttributes(
		attribute.String("progress.rule", string(res.Rule)),
		attribute.String("run.status", string(res.Status)),
	)
	e.logger.DebugContext(ctx, "progress evaluated",
		"run_id", state.RunID,
		"iteration", state.IterationCount,
		"rule", res.Rule,
		"status", res.Status,
	)
	return res
}

func (e *Evaluator) evaluate(ctx context.Context, state *models.RunState) Result {
	if state.IterationCount >= state.Goal.Config.MaxIterations {
		state.Fail(fmt.Sprintf("%s after %d iterations%s", ErrCeilingReached, state.IterationCount, failureTail(state.Plan)))
		return Result{Rule: RuleCeiling, Status: state.Status, Err: ErrCeilingReached}
	}

	p := state.Plan
	if p == nil || len(p.Steps) == 0 {
		state.Fail("run has no plan")
		return Result{Rule: RuleFailed, Status: state.Status}
	}

	if allSucceeded(p) {
		state.Complete(Outcome(state))
		return Result{Rule: RuleAllSucceeded, Status: state.Status}
	}

	skipped := SkipBlocked(p)
	counts := p.CountByStatus()
	if counts[models.StepFailed] > 0 && !p.HasRemaining() {
		state.Fail(FailureMessage(p))
		return Result{Rule: RuleFailed, Status: state.Status, Skipped: skipped}
	}

	res := Result{Rule: RuleOracle, Status: state.Status, Skipped: skipped}
	if e.oracle == nil {
		return res
	}

	verdict, err := e.oracle.Evaluate(ctx, state.Goal.Text, Summaries(p))
	if err != nil {
		e.logger.WarnContext(ctx, "progress oracle failed, continuing",
			"run_id", state.RunID, "iteration", state.IterationCount, "error", err)
		res.Err = err
		return res
	}
	res.Verdict = &verdict

	switch verdict.Decision() {
	case oracle.DecisionComplete:
		outcome := Outcome(state)
		if s := strings.TrimSpace(verdict.Summary); s != "" {
			outcome = s + "\n\n" + outcome
		}
		state.Complete(outcome)
	case oracle.DecisionFailed:
		msg := strings.TrimSpace(verdict.Summary)
		if msg == "" {
			msg = "progress evaluator judged the goal unreachable"
		}
		state.Fail(msg + failureTail(p))
	default:
		if verdict.IsComplete && verdict.IsFailed {
			e.logger.WarnContext(ctx, "contradictory progress verdict, continuing", "run_id", state.RunID)
		}
	}
	res.Status = state.Status
	return res
}

func allSucceeded(p *models.Plan) bool {
	for _, s := range p.Steps {
		if s.Status != models.StepSucceeded {
			return false
		}
	}
	return true
}

// SkipBlocked marks every pending step that depends, directly or through
// other skipped steps, on a failed step as skipped. It returns the ids it
// skipped in plan order.
func SkipBlocked(p *models.Plan) []string {
	idx := p.Index()
	blocked := make(map[string]bool)
	for _, s := range p.Steps {
		if s.Status == models.StepFailed {
			blocked[s.ID] = true
		}
	}
	if len(blocked) == 0 {
		return nil
	}

	var skipped []string
	for changed := true; changed; {
		changed = false
		for _, s := range p.Steps {
			if s.Status != models.StepPending {
				continue
			}
			for _, dep := range s.DependsOn {
				if !blocked[dep] {
					continue
				}
				s.Status = models.StepSkipped
				s.Error = fmt.Sprintf("skipped: dependency %s failed", idx[dep].Name)
				blocked[s.ID] = true
				skipped = append(skipped, s.ID)
				changed = true
				break
			}
		}
	}

	order := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		order[s.ID] = i
	}
	sort.Slice(skipped, func(i, j int) bool { return order[skipped[i]] < order[skipped[j]] })
	return skipped
}

// Outcome assembles the final outcome text from step results.
func Outcome(state *models.RunState) string {
	p := state.Plan
	var b strings.Builder
	succeeded := 0
	for _, s := range p.Steps {
		if s.Status == models.StepSucceeded {
			succeeded++
		}
	}
	fmt.Fprintf(&b, "Completed %d of %d steps:", succeeded, len(p.Steps))
	for _, s := range p.Steps {
		if s.Status != models.StepSucceeded {
			continue
		}
		result, ok := state.Results[s.ID]
		if !ok {
			result = s.Result
		}
		fmt.Fprintf(&b, "\n- %s: %s", s.Name, strings.TrimSpace(result))
	}
	return b.String()
}

// FailureMessage lists every failed step with its error and counts skipped steps.
func FailureMessage(p *models.Plan) string {
	var failed []*models.Step
	for _, s := range p.Steps {
		if s.Status == models.StepFailed {
			failed = append(failed, s)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d steps failed:", len(failed), len(p.Steps))
	for _, s := range failed {
		msg := s.Error
		if msg == "" {
			msg = "unknown error"
		}
		fmt.Fprintf(&b, "\n- %s: %s", s.Name, msg)
	}
	if n := p.CountByStatus()[models.StepSkipped]; n > 0 {
		fmt.Fprintf(&b, "\n%d dependent steps skipped", n)
	}
	return b.String()
}

func failureTail(p *models.Plan) string {
	if p == nil || p.CountByStatus()[models.StepFailed] == 0 {
		return ""
	}
	return "\n" + FailureMessage(p)
}

// Summaries converts plan steps into the view passed to the progress oracle.
func Summaries(p *models.Plan) []oracle.StepSummary {
	out := make([]oracle.StepSummary, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, oracle.StepSummary{
			ID:       s.ID,
			Name:     s.Name,
			Status:   string(s.Status),
			Attempts: s.Attempts,
			Result:   s.Result,
			Error:    s.Error,
		})
	}
	return out
}
