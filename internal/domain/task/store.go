package task

import (
	"context"
)

// Store is the task persistence port.
//
// Claim semantics: ClaimNextTask is linearizable with respect to
// concurrent callers — for any single task exactly one caller receives
// it; the rest observe a nil result. A nil, nil return means no eligible
// task existed, which is not an error.
type Store interface {
	// CreateTask validates the draft and persists a new pending task
	// created by creatorID within cycleID. Returns the stored task with
	// id assigned and version 1.
	CreateTask(ctx context.Context, draft Draft, creatorID, cycleID string) (*Task, error)

	// GetTask retrieves a task snapshot by ID.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ClaimNextTask atomically selects the highest-priority pending task
	// whose deadline has not passed and binds it to workerID, moving it
	// to assigned. Equal priority breaks ties on oldest created_at, then
	// lexicographic id. Returns nil, nil when the queue has no eligible
	// task.
	ClaimNextTask(ctx context.Context, workerID string) (*Task, error)

	// UpdateTask applies mutate under a compare-and-swap on version.
	// Returns ErrStaleVersion when the stored version differs from
	// expectedVersion; callers reload and retry the logical operation.
	UpdateTask(ctx context.Context, taskID string, expectedVersion int64, mutate func(*Task) error) (*Task, error)

	// MarkRunning transitions an assigned task bound to workerID into
	// running.
	MarkRunning(ctx context.Context, taskID, workerID string) error

	// RevokeAssignment returns an assigned or running task bound to
	// workerID to pending, clears the binding and increments the attempt
	// count, appending reason to the diagnostics. When the attempt count
	// would exceed the configured maximum the task transitions to
	// abandoned instead.
	RevokeAssignment(ctx context.Context, taskID, workerID, reason string) error

	// RecordCompletion transitions an assigned or running task bound to
	// workerID into completed, recording the branch and commit.
	RecordCompletion(ctx context.Context, taskID, workerID, branch, commitID string) error

	// RecordFailure transitions an assigned or running task bound to
	// workerID into failed with a diagnostic. The supervisor or cycle
	// controller later decides retry versus abandon.
	RecordFailure(ctx context.Context, taskID, workerID, reason string) error

	// RequeueFailed returns a failed task to pending so another attempt
	// can claim it, or abandons it when the attempt budget is exhausted.
	RequeueFailed(ctx context.Context, taskID, reason string) error

	// ListTasksByCycle returns tasks created within a cycle, optionally
	// filtered by status.
	ListTasksByCycle(ctx context.Context, cycleID string, statuses ...Status) ([]*Task, error)

	// ListTasksByStatus returns tasks matching any of the given statuses.
	ListTasksByStatus(ctx context.Context, statuses ...Status) ([]*Task, error)

	// QueueDepth returns the number of pending tasks.
	QueueDepth(ctx context.Context) (int, error)

	// Transitions returns the audit trail for a task.
	Transitions(ctx context.Context, taskID string) ([]Transition, error)
}
