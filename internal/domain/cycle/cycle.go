// Package cycle defines the planning/execution/judgment round model and
// its store port.
package cycle

import (
	"context"
	"time"
)

// Phase represents where a cycle is in its round.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseJudging   Phase = "judging"
	PhaseClosed    Phase = "closed"
)

// next returns the only phase reachable from p. Phase transitions are
// forward-only; there is no path back.
func (p Phase) next() Phase {
	switch p {
	case PhasePlanning:
		return PhaseExecuting
	case PhaseExecuting:
		return PhaseJudging
	case PhaseJudging:
		return PhaseClosed
	default:
		return ""
	}
}

// CanAdvanceTo reports whether to is the legal successor of p.
func (p Phase) CanAdvanceTo(to Phase) bool {
	return p.next() == to && to != ""
}

// Decision is the judge's call on how the system proceeds.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionPause    Decision = "pause"
	DecisionHalt     Decision = "halt"
)

// IsValid returns true if the decision is one of the recognized values.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionContinue, DecisionPause, DecisionHalt:
		return true
	default:
		return false
	}
}

// Cycle is one planner → worker → judge round.
type Cycle struct {
	CycleID        string     `json:"cycle_id"`
	Phase          Phase      `json:"phase"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	TasksCreated   int        `json:"tasks_created"`
	TasksCompleted int        `json:"tasks_completed"`
	VerdictID      string     `json:"verdict_id,omitempty"`
	Notes          []string   `json:"notes,omitempty"`
}

// Clone returns a copy of the cycle record.
func (c *Cycle) Clone() *Cycle {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Notes = append([]string(nil), c.Notes...)
	if c.EndedAt != nil {
		e := *c.EndedAt
		cp.EndedAt = &e
	}
	return &cp
}

// Verdict is the judge's structured output for a cycle.
type Verdict struct {
	VerdictID string         `json:"verdict_id"`
	CycleID   string         `json:"cycle_id"`
	Decision  Decision       `json:"decision"`
	Reviewed  int            `json:"reviewed"`
	Approved  int            `json:"approved"`
	Rejected  int            `json:"rejected"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Synthetic bool           `json:"synthetic,omitempty"` // true for judge_timeout verdicts
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the cycle and verdict persistence port.
type Store interface {
	// OpenCycle creates a new cycle in the planning phase.
	OpenCycle(ctx context.Context) (*Cycle, error)

	// GetCycle retrieves a cycle by ID.
	GetCycle(ctx context.Context, cycleID string) (*Cycle, error)

	// CurrentCycle returns the most recently opened cycle, or nil, nil
	// when none has been opened.
	CurrentCycle(ctx context.Context) (*Cycle, error)

	// AdvanceCyclePhase moves the cycle from the given phase to its
	// successor under a compare-and-swap on phase. Returns
	// ErrStaleVersion when the stored phase differs from from.
	AdvanceCyclePhase(ctx context.Context, cycleID string, from, to Phase) error

	// CloseCycle records the verdict and transitions the cycle to
	// closed. A cycle carries at most one verdict; a second call fails.
	CloseCycle(ctx context.Context, cycleID string, v *Verdict) error

	// AppendCycleNote attaches a free-form note to the cycle.
	AppendCycleNote(ctx context.Context, cycleID, note string) error

	// GetVerdict retrieves a verdict by ID.
	GetVerdict(ctx context.Context, verdictID string) (*Verdict, error)
}
