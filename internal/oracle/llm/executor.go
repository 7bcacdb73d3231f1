package llm

import (
	"context"
	"strings"

	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/tmc/langchaingo/llms"
)

const failurePrefix = "FAILED:"

const executorPrompt = `You carry out one step of a larger plan. Use the goal and
the results of earlier steps as context. Reply with the result of the step only.
If the step cannot be completed, reply with "FAILED:" followed by the reason.`

// Executor asks the model to carry out a single step instruction.
type Executor struct {
	client
}

var _ oracle.Executor = (*Executor)(nil)

// NewExecutor creates a step-execution oracle.
func NewExecutor(model llms.Model, opts ...Option) *Executor {
	return &Executor{client: newClient(model, opts)}
}

func (e *Executor) Execute(ctx context.Context, instruction, accumulatedContext string) (oracle.ExecResult, error) {
	human := "Context:\n" + accumulatedContext + "\nInstruction: " + instruction
	choice, err := e.generate(ctx, "execute", messages(executorPrompt, human))
	if err != nil {
		return oracle.ExecResult{}, err
	}

	text := strings.TrimSpace(choice.Content)
	switch {
	case text == "":
		return oracle.ExecResult{Success: false, Error: "model returned an empty response"}, nil
	case strings.HasPrefix(text, failurePrefix):
		reason := strings.TrimSpace(strings.TrimPrefix(text, failurePrefix))
		if reason == "" {
			reason = "model reported failure"
		}
		return oracle.ExecResult{Success: false, Error: reason}, nil
	}
	return oracle.ExecResult{Success: true, Text: text}, nil
}
