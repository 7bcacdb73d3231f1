// Package plan builds and validates step dependency graphs.
package plan

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fentz26/waypoint/internal/models"
	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/google/uuid"
)

// ValidationError describes why a plan was rejected.
type ValidationError struct {
	Reason string
	StepID string
	Detail string
}

// Validation reasons.
const (
	ReasonEmpty         = "empty plan"
	ReasonDuplicateID   = "duplicate step id"
	ReasonMissingID     = "missing step id"
	ReasonUnknownDep    = "unknown dependency"
	ReasonCycle         = "dependency cycle"
	ReasonInvalidStatus = "invalid step status"
)

func (e *ValidationError) Error() string {
	msg := "invalid plan: " + e.Reason
	if e.StepID != "" {
		msg += " (step " + e.StepID + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Validate checks that step ids are unique, every dependency exists and the
// dependency graph is acyclic. It never modifies the plan.
func Validate(p *models.Plan) error {
	if p == nil || len(p.Steps) == 0 {
		return &ValidationError{Reason: ReasonEmpty}
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return &ValidationError{Reason: ReasonMissingID, Detail: s.Name}
		}
		if ids[s.ID] {
			return &ValidationError{Reason: ReasonDuplicateID, StepID: s.ID}
		}
		if !s.Status.Valid() {
			return &ValidationError{Reason: ReasonInvalidStatus, StepID: s.ID, Detail: string(s.Status)}
		}
		ids[s.ID] = true
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return &ValidationError{Reason: ReasonUnknownDep, StepID: s.ID, Detail: dep}
			}
		}
	}

	if _, err := TopoOrder(p); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns step ids in a dependency-respecting order using Kahn's
// algorithm. Ties keep plan declaration order. Returns a ValidationError on a cycle.
func TopoOrder(p *models.Plan) ([]string, error) {
	inDeg := make(map[string]int, len(p.Steps))
	blocks := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			inDeg[s.ID]++
			blocks[dep] = append(blocks[dep], s.ID)
		}
	}

	var queue []string
	for _, s := range p.Steps {
		if inDeg[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(p.Steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range blocks[id] {
			inDeg[next]--
			if inDeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(p.Steps) {
		var stuck []string
		for _, s := range p.Steps {
			if inDeg[s.ID] > 0 {
				stuck = append(stuck, s.ID)
			}
		}
		return nil, &ValidationError{
			Reason: ReasonCycle,
			Detail: fmt.Sprintf("processed %d of %d steps, unresolved: %s", len(order), len(p.Steps), strings.Join(stuck, ", ")),
		}
	}
	return order, nil
}

// ResolveNamesToIDs converts planner output into a fresh plan with stable ids.
// Dependencies that do not name a known step are dropped with a warning, as
// are self-references and duplicates. Steps with a blank name get a positional name.
// Names are matched case-insensitively after trimming whitespace; when two
// steps share a name, references resolve to the first one.
func ResolveNamesToIDs(goalText string, raw []oracle.RawStep, logger *slog.Logger) *models.Plan {
	if logger == nil {
		logger = slog.Default()
	}

	p := &models.Plan{
		ID:         uuid.New().String(),
		GoalText:   goalText,
		Steps:      make([]*models.Step, 0, len(raw)),
		CreatedAt:  time.Now().UTC(),
		Provenance: models.ProvenanceFresh,
	}

	byName := make(map[string]string, len(raw))
	for i, rs := range raw {
		name := strings.TrimSpace(rs.Name)
		if name == "" {
			name = fmt.Sprintf("step %d", i+1)
		}
		step := &models.Step{
			ID:          uuid.New().String(),
			Name:        name,
			Instruction: strings.TrimSpace(rs.Instruction),
			Status:      models.StepPending,
		}
		if step.Instruction == "" {
			step.Instruction = name
		}
		key := normalizeName(name)
		if _, dup := byName[key]; dup {
			logger.Warn("duplicate step name in plan", "step", name)
		} else {
			byName[key] = step.ID
		}
		p.Steps = append(p.Steps, step)
	}

	for i, rs := range raw {
		step := p.Steps[i]
		seen := make(map[string]bool)
		for _, depName := range rs.DependsOn {
			depID, ok := byName[normalizeName(depName)]
			switch {
			case !ok:
				logger.Warn("dropping unresolved dependency", "step", step.Name, "depends_on", depName)
				continue
			case depID == step.ID:
				logger.Warn("dropping self dependency", "step", step.Name)
				continue
			case seen[depID]:
				continue
			}
			seen[depID] = true
			step.DependsOn = append(step.DependsOn, depID)
		}
	}

	return p
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
