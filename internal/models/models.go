// Package models defines the core domain types for waypoint.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepStatus represents the current state of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal returns true if the status is a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// SatisfiesDependency reports whether a dependent step may start after a
// dependency reached this status.
func (s StepStatus) SatisfiesDependency() bool {
	return s == StepSucceeded || s == StepSkipped
}

// Valid reports whether s is one of the known step statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// ParseStepStatus converts a persisted status string into a StepStatus.
func ParseStepStatus(v string) (StepStatus, error) {
	s := StepStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown step status %q", v)
	}
	return s, nil
}

// Step represents a unit of work in a plan.
type Step struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Instruction string     `json:"instruction"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Extra holds checkpoint fields this version does not understand.
	Extra map[string]json.RawMessage `json:"-"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	out := *s
	out.DependsOn = append([]string(nil), s.DependsOn...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	out.Extra = cloneRaw(s.Extra)
	return &out
}

// Provenance records whether a plan was created for this run or loaded from a checkpoint.
type Provenance string

const (
	ProvenanceFresh   Provenance = "fresh"
	ProvenanceResumed Provenance = "resumed"
)

// Plan is the ordered dependency graph of steps for one run.
type Plan struct {
	ID         string     `json:"id"`
	GoalText   string     `json:"goal_text"`
	Steps      []*Step    `json:"steps"`
	CreatedAt  time.Time  `json:"created_at"`
	Provenance Provenance `json:"provenance"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Index maps step ids to steps.
func (p *Plan) Index() map[string]*Step {
	idx := make(map[string]*Step, len(p.Steps))
	for _, s := range p.Steps {
		idx[s.ID] = s
	}
	return idx
}

// CountByStatus tallies steps per status.
func (p *Plan) CountByStatus() map[StepStatus]int {
	counts := make(map[StepStatus]int)
	for _, s := range p.Steps {
		counts[s.Status]++
	}
	return counts
}

// HasRemaining reports whether any step is still pending or running.
func (p *Plan) HasRemaining() bool {
	for _, s := range p.Steps {
		if s.Status == StepPending || s.Status == StepRunning {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	out.Extra = cloneRaw(p.Extra)
	return &out
}

func cloneRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// GoalConfig bounds a single goal run.
type GoalConfig struct {
	MaxIterations   int           `json:"max_iterations" yaml:"max_iterations"`
	MaxParallel     int           `json:"max_parallel" yaml:"max_parallel"`
	StepTimeout     time.Duration `json:"step_timeout" yaml:"step_timeout"`
	MaxStepAttempts int           `json:"max_step_attempts" yaml:"max_step_attempts"`

	// Extra holds checkpointed fields this version does not know about.
	Extra map[string]json.RawMessage `json:"-" yaml:"-"`
}

// DefaultGoalConfig returns the default run limits.
func DefaultGoalConfig() GoalConfig {
	return GoalConfig{
		MaxIterations:   10,
		MaxParallel:     3,
		StepTimeout:     2 * time.Minute,
		MaxStepAttempts: 1,
	}
}

// Validate rejects non-positive limits.
func (c GoalConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be positive, got %d", c.MaxParallel)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be positive, got %s", c.StepTimeout)
	}
	if c.MaxStepAttempts < 1 {
		return fmt.Errorf("max_step_attempts must be positive, got %d", c.MaxStepAttempts)
	}
	return nil
}

// Goal is the objective of a run together with its limits. It does not change once a run starts.
type Goal struct {
	Text   string     `json:"text"`
	Config GoalConfig `json:"config"`

	Extra map[string]json.RawMessage `json:"-"`
}

// RunStatus represents the state of a goal run.
type RunStatus string

const (
	RunPlanning  RunStatus = "planning"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// IsTerminal returns true if the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ParseRunStatus converts a persisted status string into a RunStatus.
func ParseRunStatus(v string) (RunStatus, error) {
	switch s := RunStatus(v); s {
	case RunPlanning, RunRunning, RunCompleted, RunFailed:
		return s, nil
	}
	return "", fmt.Errorf("unknown run status %q", v)
}

// PreviousRunsKey is the persistent state entry holding the run history.
const PreviousRunsKey = "previous_runs"

// RunRecord summarizes a finished run for cross-run history.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Goal       string    `json:"goal"`
	Outcome    string    `json:"outcome"`
	StepCount  int       `json:"step_count"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunState is the full state of one goal run.
type RunState struct {
	RunID           string            `json:"run_id"`
	Goal            Goal              `json:"goal"`
	Plan            *Plan             `json:"plan,omitempty"`
	Results         map[string]string `json:"results"`
	IterationCount  int               `json:"iteration_count"`
	Status          RunStatus         `json:"status"`
	FinalOutcome    string            `json:"final_outcome,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	PersistentState map[string]any    `json:"persistent_state,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`

	Extra map[string]json.RawMessage `json:"-"`
}

// NewRunState creates an empty run in the planning state.
func NewRunState(runID string, goal Goal) *RunState {
	return &RunState{
		RunID:           runID,
		Goal:            goal,
		Results:         make(map[string]string),
		Status:          RunPlanning,
		PersistentState: make(map[string]any),
		UpdatedAt:       time.Now().UTC(),
	}
}

// Fail moves the run to the failed state with a message.
func (s *RunState) Fail(msg string) {
	s.Status = RunFailed
	s.ErrorMessage = msg
}

// Complete moves the run to the completed state with an outcome.
func (s *RunState) Complete(outcome string) {
	s.Status = RunCompleted
	s.FinalOutcome = outcome
}

// HistoryEntries returns the run history as raw JSON entries, oldest first.
// Entries written by other versions are returned unchanged.
func (s *RunState) HistoryEntries() []json.RawMessage {
	raw, ok := s.PersistentState[PreviousRunsKey]
	if !ok || raw == nil {
		return nil
	}
	if entries, ok := raw.([]json.RawMessage); ok {
		return append([]json.RawMessage(nil), entries...)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

// PreviousRuns decodes the bounded run history from the persistent state.
// Entries that cannot be decoded are skipped; they stay in the history.
func (s *RunState) PreviousRuns() []RunRecord {
	var records []RunRecord
	for _, entry := range s.HistoryEntries() {
		var rec RunRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// AppendRunRecord adds rec to the history, keeping only the newest limit entries.
func (s *RunState) AppendRunRecord(rec RunRecord, limit int) {
	if s.PersistentState == nil {
		s.PersistentState = make(map[string]any)
	}
	entry, err := json.Marshal(rec)
	if err != nil {
		return
	}
	entries := append(s.HistoryEntries(), entry)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	s.PersistentState[PreviousRunsKey] = entries
}

// Clone returns a deep copy of the run state. Persistent state values are
// shared except for the run history, which is copied.
func (s *RunState) Clone() *RunState {
	out := *s
	out.Plan = s.Plan.Clone()
	out.Results = make(map[string]string, len(s.Results))
	for k, v := range s.Results {
		out.Results[k] = v
	}
	out.PersistentState = make(map[string]any, len(s.PersistentState))
	for k, v := range s.PersistentState {
		out.PersistentState[k] = v
	}
	if entries := s.HistoryEntries(); entries != nil {
		out.PersistentState[PreviousRunsKey] = entries
	}
	out.Goal.Extra = cloneRaw(s.Goal.Extra)
	out.Goal.Config.Extra = cloneRaw(s.Goal.Config.Extra)
	out.Extra = cloneRaw(s.Extra)
	return &out
}

// Decision represents an audited controller decision.
type Decision struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunLock is an exclusive, expiring claim on a run id held by one process.
type RunLock struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	HolderID  string    `json:"holder_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RunSummary is a listing entry for a checkpointed run.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	Goal           string    `json:"goal"`
	Status         RunStatus `json:"status"`
	IterationCount int       `json:"iteration_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
