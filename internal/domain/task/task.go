// Package task defines the task domain model and store port.
//
// The store is the single source of truth for task state; agent runtimes
// hold task snapshots only and revalidate through versioned mutations
// before writing.
package task

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// IsTerminal reports whether the status is a final state. Terminal tasks
// accept no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned:
		return true
	default:
		return false
	}
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusRunning, StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	default:
		return false
	}
}

// Complexity tags the expected effort of a task and selects its
// execution timeout.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// DefaultTimeout returns the execution budget for a task of this
// complexity. Unknown values get the medium budget.
func (c Complexity) DefaultTimeout() time.Duration {
	switch c {
	case ComplexityLow:
		return 30 * time.Minute
	case ComplexityHigh:
		return 8 * time.Hour
	default:
		return 2 * time.Hour
	}
}

// IsValid returns true if the complexity is one of the recognized values.
func (c Complexity) IsValid() bool {
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	default:
		return false
	}
}

// AttemptDiagnostic records why a single execution attempt ended.
type AttemptDiagnostic struct {
	Attempt  int       `json:"attempt"`
	WorkerID string    `json:"worker_id,omitempty"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Task is the unit of work pulled by workers.
type Task struct {
	// Identity
	TaskID string `json:"task_id"`

	// Descriptive fields
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	AffectedPaths      []string   `json:"affected_paths,omitempty"`
	AcceptanceCriteria []string   `json:"acceptance_criteria"`
	Priority           int        `json:"priority"` // 1 (lowest) .. 10 (highest)
	Complexity         Complexity `json:"complexity"`
	Tags               []string   `json:"tags,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty"`

	// Lifecycle
	Status       Status              `json:"status"`
	WorkerID     string              `json:"worker_id,omitempty"`
	CreatorID    string              `json:"creator_id"`
	CycleID      string              `json:"cycle_id"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	ClaimedAt    *time.Time          `json:"claimed_at,omitempty"`
	Version      int64               `json:"version"`
	AttemptCount int                 `json:"attempt_count"`
	Diagnostics  []AttemptDiagnostic `json:"diagnostics,omitempty"`

	// Outcome
	BranchName string `json:"branch_name,omitempty"`
	CommitID   string `json:"commit_id,omitempty"`
	VerdictID  string `json:"verdict_id,omitempty"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.AffectedPaths = append([]string(nil), t.AffectedPaths...)
	cp.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	cp.Tags = append([]string(nil), t.Tags...)
	cp.Diagnostics = append([]AttemptDiagnostic(nil), t.Diagnostics...)
	if t.Deadline != nil {
		d := *t.Deadline
		cp.Deadline = &d
	}
	if t.ClaimedAt != nil {
		c := *t.ClaimedAt
		cp.ClaimedAt = &c
	}
	return &cp
}

// BranchNameFor returns the feature branch a worker uses for a task.
func BranchNameFor(taskID string) string {
	return "feature/" + taskID
}

// Draft is a planner-proposed task before admission into the store.
type Draft struct {
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	AffectedPaths      []string   `json:"affected_paths,omitempty"`
	AcceptanceCriteria []string   `json:"acceptance_criteria"`
	Priority           int        `json:"priority"`
	Complexity         Complexity `json:"complexity"`
	Tags               []string   `json:"tags,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty"`
}

// Validate checks a draft against the admission schema. Planner output
// that fails validation is discarded entry by entry, never as a batch.
func (d *Draft) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("draft: title is required")
	}
	if strings.TrimSpace(d.Description) == "" {
		return fmt.Errorf("draft: description is required")
	}
	if len(d.AcceptanceCriteria) == 0 {
		return fmt.Errorf("draft: at least one acceptance criterion is required")
	}
	for i, criterion := range d.AcceptanceCriteria {
		if strings.TrimSpace(criterion) == "" {
			return fmt.Errorf("draft: acceptance criterion %d is empty", i)
		}
	}
	if d.Priority < 1 || d.Priority > 10 {
		return fmt.Errorf("draft: priority %d outside [1,10]", d.Priority)
	}
	if !d.Complexity.IsValid() {
		return fmt.Errorf("draft: invalid complexity %q", d.Complexity)
	}
	for _, p := range d.AffectedPaths {
		if err := validateRelPath(p); err != nil {
			return fmt.Errorf("draft: affected path %q: %w", p, err)
		}
	}
	return nil
}

// validateRelPath rejects absolute paths and traversal outside the
// repository root. The sandbox re-checks at write time; this catches bad
// planner output at the admission boundary.
func validateRelPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) {
		return fmt.Errorf("absolute path not allowed")
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes repository root")
	}
	return nil
}

// Transition records a state change in the task lifecycle.
type Transition struct {
	TaskID     string    `json:"task_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}
