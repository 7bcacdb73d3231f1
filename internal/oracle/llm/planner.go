package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/tmc/langchaingo/llms"
)

const plannerPrompt = `You break a goal into a small number of concrete steps.
Call the propose_plan tool exactly once. Each step needs a short unique name,
a self-contained instruction, and depends_on listing the names of steps whose
results it needs. Steps without dependencies run in parallel. Do not create
circular dependencies.`

var proposePlanTool = llms.Tool{
	Type: "function",
	Function: &llms.FunctionDefinition{
		Name:        "propose_plan",
		Description: "Propose the ordered steps that achieve the goal.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":        map[string]any{"type": "string"},
							"instruction": map[string]any{"type": "string"},
							"depends_on": map[string]any{
								"type":  "array",
								"items": map[string]any{"type": "string"},
							},
						},
						"required": []string{"name", "instruction"},
					},
				},
			},
			"required": []string{"steps"},
		},
	},
}

// Planner asks the model to decompose a goal into steps.
type Planner struct {
	client
}

var _ oracle.Planner = (*Planner)(nil)

// NewPlanner creates a planning oracle.
func NewPlanner(model llms.Model, opts ...Option) *Planner {
	return &Planner{client: newClient(model, opts)}
}

type planAnswer struct {
	Steps []oracle.RawStep `json:"steps"`
}

// UnmarshalJSON accepts either {"steps": [...]} or a bare array of steps.
func (a *planAnswer) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &a.Steps)
	}
	type plain planAnswer
	return json.Unmarshal(data, (*plain)(a))
}

func (p *Planner) Plan(ctx context.Context, goalText, priorContext string) ([]oracle.RawStep, error) {
	var prompt strings.Builder
	prompt.WriteString("Goal: ")
	prompt.WriteString(goalText)
	if priorContext != "" {
		prompt.WriteString("\n\n")
		prompt.WriteString(priorContext)
	}

	choice, err := p.generate(ctx, "plan", messages(plannerPrompt, prompt.String()), llms.WithTools([]llms.Tool{proposePlanTool}))
	if err != nil {
		return nil, err
	}

	var answer planAnswer
	if err := decodeAnswer(choice, proposePlanTool.Function.Name, &answer); err != nil {
		return nil, oracle.NewError("plan", oracle.ReasonMalformed, err)
	}
	if len(answer.Steps) == 0 {
		return nil, oracle.NewError("plan", oracle.ReasonMalformed, errors.New("plan has no steps"))
	}
	p.logger.DebugContext(ctx, "planner proposed steps", "steps", len(answer.Steps))
	return answer.Steps, nil
}
