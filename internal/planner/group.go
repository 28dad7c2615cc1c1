package planner

import (
	"context"
	"errors"
	"sync"
)

// Pass is one planning participant. *Runtime implements it; tests may
// substitute lighter fakes.
type Pass interface {
	PlanOnce(ctx context.Context, cycleID string) (int, error)
}

// Group fans one planning pass out to several planner runtimes, so the
// configured planner count actually puts that many planners to work
// each cycle.
type Group struct {
	passes []Pass
}

// NewGroup creates a group over the given planners.
func NewGroup(passes ...Pass) *Group {
	return &Group{passes: passes}
}

// PlanOnce runs every member concurrently and returns the total number
// of admitted drafts. Member failures are joined; a partial harvest
// still counts.
func (g *Group) PlanOnce(ctx context.Context, cycleID string) (int, error) {
	counts := make([]int, len(g.passes))
	errs := make([]error, len(g.passes))

	var wg sync.WaitGroup
	for i, p := range g.passes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts[i], errs[i] = p.PlanOnce(ctx, cycleID)
		}()
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, errors.Join(errs...)
}
