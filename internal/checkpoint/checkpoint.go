// Package checkpoint converts run state to and from the blob kept in a
// durable checkpoint store.
//
// Blobs are forward compatible: fields this version does not know about, at
// the top level, in the goal and its config, in the plan or in a step, are
// kept on the decoded state and written back unchanged on the next save.
// History entries and persistent state values are carried as raw JSON.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fentz26/waypoint/internal/models"
)

// Version is the blob layout version written by this package.
const Version = 1

// ErrNotFound is returned by Load when no checkpoint exists for a run id.
var ErrNotFound = errors.New("checkpoint not found")

// ErrSuperseded means another writer now owns a run's checkpoint. A driver
// whose context is cancelled with this cause must not save again.
var ErrSuperseded = errors.New("checkpoint owned by another writer")

// Store persists opaque blobs keyed by run id. Save is last-write-wins.
type Store interface {
	Save(ctx context.Context, runID string, blob []byte) error
	Load(ctx context.Context, runID string) ([]byte, error)
}

type blob struct {
	Version          int                `json:"version"`
	RunID            string             `json:"run_id"`
	Goal             json.RawMessage            `json:"goal"`
	Plan             json.RawMessage            `json:"plan,omitempty"`
	CompletedResults map[string]string          `json:"completed_results"`
	LastStatus       models.RunStatus           `json:"last_status"`
	IterationCount   int                        `json:"iteration_count"`
	FinalOutcome     string                     `json:"final_outcome,omitempty"`
	ErrorMessage     string                     `json:"error_message,omitempty"`
	PersistentState  map[string]json.RawMessage `json:"persistent_state,omitempty"`
	PreviousRuns     []json.RawMessage          `json:"previous_runs,omitempty"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

var (
	blobKeys       = jsonKeys(reflect.TypeOf(blob{}))
	goalKeys       = jsonKeys(reflect.TypeOf(models.Goal{}))
	goalConfigKeys = jsonKeys(reflect.TypeOf(models.GoalConfig{}))
	planKeys = jsonKeys(reflect.TypeOf(models.Plan{}))
	stepKeys = jsonKeys(reflect.TypeOf(models.Step{}))
)

// Encode serializes state into a checkpoint blob.
func Encode(state *models.RunState) ([]byte, error) {
	b := blob{
		Version:          Version,
		RunID:            state.RunID,
		CompletedResults: state.Results,
		LastStatus:       state.Status,
		IterationCount:   state.IterationCount,
		FinalOutcome:     state.FinalOutcome,
		ErrorMessage:     state.ErrorMessage,
		PreviousRuns:     state.HistoryEntries(),
		UpdatedAt:        state.UpdatedAt,
	}
	goal, err := encodeGoal(state.Goal)
	if err != nil {
		return nil, err
	}
	b.Goal = goal
	if b.CompletedResults == nil {
		b.CompletedResults = map[string]string{}
	}
	if len(state.PersistentState) > 0 {
		b.PersistentState = make(map[string]json.RawMessage, len(state.PersistentState))
		for k, v := range state.PersistentState {
			if k == models.PreviousRunsKey {
				continue
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode persistent state %s: %w", k, err)
			}
			b.PersistentState[k] = raw
		}
	}
	if state.Plan != nil {
		raw, err := encodePlan(state.Plan)
		if err != nil {
			return nil, err
		}
		b.Plan = raw
	}

	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return mergeExtra(data, state.Extra)
}

// Decode reconstructs run state from a checkpoint blob.
func Decode(data []byte) (*models.RunState, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if b.RunID == "" {
		return nil, fmt.Errorf("decode checkpoint: missing run_id")
	}
	if _, err := models.ParseRunStatus(string(b.LastStatus)); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}

	goal, err := decodeGoal(b.Goal)
	if err != nil {
		return nil, err
	}

	state := &models.RunState{
		RunID:           b.RunID,
		Goal:            goal,
		Results:         b.CompletedResults,
		IterationCount:  b.IterationCount,
		Status:          b.LastStatus,
		FinalOutcome:    b.FinalOutcome,
		ErrorMessage:    b.ErrorMessage,
		PersistentState: make(map[string]any, len(b.PersistentState)+1),
		UpdatedAt:       b.UpdatedAt,
	}
	if state.Results == nil {
		state.Results = make(map[string]string)
	}
	for k, v := range b.PersistentState {
		state.PersistentState[k] = v
	}
	if len(b.PreviousRuns) > 0 {
		state.PersistentState[models.PreviousRunsKey] = b.PreviousRuns
	}

	extra, err := splitExtra(data, blobKeys)
	if err != nil {
		return nil, err
	}
	state.Extra = extra

	if len(b.Plan) > 0 && string(b.Plan) != "null" {
		p, err := decodePlan(b.Plan)
		if err != nil {
			return nil, err
		}
		state.Plan = p
	}
	return state, nil
}

func encodeGoal(g models.Goal) (json.RawMessage, error) {
	cfg, err := json.Marshal(g.Config)
	if err != nil {
		return nil, fmt.Errorf("encode goal config: %w", err)
	}
	if cfg, err = mergeExtra(cfg, g.Config.Extra); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(struct {
		Text   string          `json:"text"`
		Config json.RawMessage `json:"config"`
	}{g.Text, cfg})
	if err != nil {
		return nil, fmt.Errorf("encode goal: %w", err)
	}
	return mergeExtra(raw, g.Extra)
}

func decodeGoal(raw json.RawMessage) (models.Goal, error) {
	var g models.Goal
	if len(raw) == 0 || string(raw) == "null" {
		return g, nil
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return g, fmt.Errorf("decode goal: %w", err)
	}
	extra, err := splitExtra(raw, goalKeys)
	if err != nil {
		return g, err
	}
	g.Extra = extra

	var shape struct {
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return g, fmt.Errorf("decode goal: %w", err)
	}
	if len(shape.Config) > 0 && string(shape.Config) != "null" {
		if g.Config.Extra, err = splitExtra(shape.Config, goalConfigKeys); err != nil {
			return g, err
		}
	}
	return g, nil
}

func encodePlan(p *models.Plan) (json.RawMessage, error) {
	steps := make([]json.RawMessage, 0, len(p.Steps))
	for _, s := range p.Steps {
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode step %s: %w", s.ID, err)
		}
		raw, err = mergeExtra(raw, s.Extra)
		if err != nil {
			return nil, err
		}
		steps = append(steps, raw)
	}

	shell := *p
	shell.Steps = nil
	raw, err := json.Marshal(shell)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	if fields["steps"], err = json.Marshal(steps); err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	for k, v := range p.Extra {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

func decodePlan(raw json.RawMessage) (*models.Plan, error) {
	var p models.Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	extra, err := splitExtra(raw, planKeys)
	if err != nil {
		return nil, err
	}
	p.Extra = extra

	var shape struct {
		Steps []json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	for i, rs := range shape.Steps {
		if i >= len(p.Steps) || p.Steps[i] == nil {
			break
		}
		if p.Steps[i].Extra, err = splitExtra(rs, stepKeys); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// splitExtra returns the fields of a JSON object whose keys are not in known.
func splitExtra(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode checkpoint fields: %w", err)
	}
	var extra map[string]json.RawMessage
	for k, v := range fields {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}

// mergeExtra adds extra fields to a marshalled JSON object without
// overwriting fields already present.
func mergeExtra(data []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return data, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("merge checkpoint fields: %w", err)
	}
	for k, v := range extra {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

func jsonKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" || name == "" {
			continue
		}
		keys[name] = true
	}
	return keys
}

// Adapter saves and loads run state through a Store.
type Adapter struct {
	store Store
}

// NewAdapter wraps store.
func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store}
}

// Save encodes and stores state under its run id.
func (a *Adapter) Save(ctx context.Context, state *models.RunState) error {
	data, err := Encode(state)
	if err != nil {
		return err
	}
	if err := a.store.Save(ctx, state.RunID, data); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", state.RunID, err)
	}
	return nil
}

// Load fetches and decodes the checkpoint for runID. Returns an error
// wrapping ErrNotFound when none exists.
func (a *Adapter) Load(ctx context.Context, runID string) (*models.RunState, error) {
	data, err := a.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	state, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	return state, nil
}
