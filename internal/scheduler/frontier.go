// Package scheduler computes which plan steps may start next.
package scheduler

import "github.com/fentz26/waypoint/internal/models"

// ReadyFrontier returns every pending step whose dependencies have all
// succeeded or been skipped, in plan declaration order, truncated to the free
// capacity maxParallel - inFlight. It never mutates the plan.
//
// An empty result does not mean the plan is finished: steps may still be
// running. Use Plan.HasRemaining to tell the two apart.
func ReadyFrontier(p *models.Plan, inFlight, maxParallel int) []*models.Step {
	capacity := maxParallel - inFlight
	if p == nil || capacity <= 0 {
		return nil
	}

	idx := p.Index()
	var ready []*models.Step
	for _, s := range p.Steps {
		if len(ready) == capacity {
			break
		}
		if s.Status != models.StepPending {
			continue
		}
		if dependenciesSatisfied(s, idx) {
			ready = append(ready, s)
		}
	}
	return ready
}

// InFlight counts running steps.
func InFlight(p *models.Plan) int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == models.StepRunning {
			n++
		}
	}
	return n
}

func dependenciesSatisfied(s *models.Step, idx map[string]*models.Step) bool {
	for _, dep := range s.DependsOn {
		d, ok := idx[dep]
		if !ok || !d.Status.SatisfiesDependency() {
			return false
		}
	}
	return true
}
