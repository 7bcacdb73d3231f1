// Package audit records controller decisions for a run.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/waypoint/internal/models"
)

// Decision actions.
const (
	ActionPlanCreate    = "plan.create"
	ActionPlanResume    = "plan.resume"
	ActionRoundDispatch = "round.dispatch"
	ActionStepSkip      = "step.skip"
	ActionRunVerdict    = "run.verdict"
	ActionRunCancel     = "run.cancel"
)

// Recorder records a decision made while driving a run.
type Recorder interface {
	Record(ctx context.Context, runID, action string, inputs interface{}, outcome, details string) error
}

// DecisionStore persists decision records.
type DecisionStore interface {
	WriteDecision(ctx context.Context, runID, action, inputsHash, outcome, details string) (*models.Decision, error)
}

// DecisionWriter writes decision records to a DecisionStore.
type DecisionWriter struct {
	store DecisionStore
}

// NewDecisionWriter creates a new decision writer.
func NewDecisionWriter(s DecisionStore) *DecisionWriter {
	return &DecisionWriter{store: s}
}

// Record writes a decision with a hash of its inputs.
func (w *DecisionWriter) Record(ctx context.Context, runID, action string, inputs interface{}, outcome, details string) error {
	_, err := w.store.WriteDecision(ctx, runID, action, HashInputs(inputs), outcome, details)
	return err
}

// Nop discards every decision.
type Nop struct{}

func (Nop) Record(context.Context, string, string, interface{}, string, string) error { return nil }

// HashInputs creates a SHA256 hash of the JSON encoding of inputs.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
