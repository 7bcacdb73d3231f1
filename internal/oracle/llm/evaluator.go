package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/tmc/langchaingo/llms"
)

const evaluatorPrompt = `You judge whether a goal has been achieved from the
status of its steps. Call the report_progress tool once. Set is_complete when the
goal is achieved, is_failed when it can no longer be achieved, and
should_continue when more work may still help. Summarize briefly.`

var reportProgressTool = llms.Tool{
	Type: "function",
	Function: &llms.FunctionDefinition{
		Name:        "report_progress",
		Description: "Report whether the goal is complete, failed, or should continue.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"is_complete":     map[string]any{"type": "boolean"},
				"is_failed":       map[string]any{"type": "boolean"},
				"should_continue": map[string]any{"type": "boolean"},
				"summary":         map[string]any{"type": "string"},
				"next_action":     map[string]any{"type": "string"},
			},
			"required": []string{"is_complete", "is_failed", "should_continue", "summary"},
		},
	},
}

// Evaluator asks the model for a progress verdict.
type Evaluator struct {
	client
}

var _ oracle.Evaluator = (*Evaluator)(nil)

// NewEvaluator creates a progress oracle.
func NewEvaluator(model llms.Model, opts ...Option) *Evaluator {
	return &Evaluator{client: newClient(model, opts)}
}

func (e *Evaluator) Evaluate(ctx context.Context, goalText string, steps []oracle.StepSummary) (oracle.Verdict, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nSteps:\n", goalText)
	for _, s := range steps {
		fmt.Fprintf(&b, "- %s [%s, %d attempts]", s.Name, s.Status, s.Attempts)
		if s.Result != "" {
			fmt.Fprintf(&b, " result: %s", s.Result)
		}
		if s.Error != "" {
			fmt.Fprintf(&b, " error: %s", s.Error)
		}
		b.WriteByte('\n')
	}

	choice, err := e.generate(ctx, "evaluate", messages(evaluatorPrompt, b.String()), llms.WithTools([]llms.Tool{reportProgressTool}))
	if err != nil {
		return oracle.Verdict{}, err
	}

	var raw map[string]json.RawMessage
	if err := decodeAnswer(choice, reportProgressTool.Function.Name, &raw); err != nil {
		return oracle.Verdict{}, oracle.NewError("evaluate", oracle.ReasonMalformed, err)
	}

	var v oracle.Verdict
	flags := []struct {
		key string
		dst *bool
	}{
		{"is_complete", &v.IsComplete},
		{"is_failed", &v.IsFailed},
		{"should_continue", &v.ShouldContinue},
	}
	for _, f := range flags {
		msg, ok := raw[f.key]
		if !ok || string(msg) == "null" {
			return oracle.Verdict{}, oracle.NewError("evaluate", oracle.ReasonMalformed, fmt.Errorf("missing %s", f.key))
		}
		if err := json.Unmarshal(msg, f.dst); err != nil {
			return oracle.Verdict{}, oracle.NewError("evaluate", oracle.ReasonMalformed, fmt.Errorf("%s: %w", f.key, err))
		}
	}
	for key, dst := range map[string]*string{"summary": &v.Summary, "next_action": &v.NextAction} {
		msg, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(msg, dst); err != nil {
			return oracle.Verdict{}, oracle.NewError("evaluate", oracle.ReasonMalformed, fmt.Errorf("%s: %w", key, err))
		}
	}
	return v, nil
}
