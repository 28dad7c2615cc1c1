// Package agent defines the agent roster model and its store port.
package agent

import (
	"context"
	"time"
)

// Role identifies the kind of work an agent performs.
type Role string

const (
	RolePlanner Role = "planner"
	RoleWorker  Role = "worker"
	RoleJudge   Role = "judge"
)

// IsValid returns true if the role is one of the recognized values.
func (r Role) IsValid() bool {
	switch r {
	case RolePlanner, RoleWorker, RoleJudge:
		return true
	default:
		return false
	}
}

// Status represents the runtime state of an agent.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusWorking  Status = "working"
	StatusError    Status = "error"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Agent is one running actor in the roster.
type Agent struct {
	AgentID           string    `json:"agent_id"`
	Role              Role      `json:"role"`
	ModelRef          string    `json:"model_ref"`
	Status            Status    `json:"status"`
	CurrentTaskID     string    `json:"current_task_id,omitempty"` // workers only
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	TasksCompleted    int       `json:"tasks_completed"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Clone returns a copy of the agent record.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// Store is the agent roster persistence port.
type Store interface {
	// RegisterAgent persists a new agent record.
	RegisterAgent(ctx context.Context, a *Agent) error

	// GetAgent retrieves an agent by ID.
	GetAgent(ctx context.Context, agentID string) (*Agent, error)

	// UpdateAgent applies mutate to the stored record atomically.
	UpdateAgent(ctx context.Context, agentID string, mutate func(*Agent) error) (*Agent, error)

	// RemoveAgent deletes an agent from the roster.
	RemoveAgent(ctx context.Context, agentID string) error

	// ListAgents returns agents, optionally filtered to the given roles.
	ListAgents(ctx context.Context, roles ...Role) ([]*Agent, error)

	// RecordHeartbeat stores the liveness instant for an agent.
	// Repeated writes with the same instant are equivalent to one.
	RecordHeartbeat(ctx context.Context, agentID string, at time.Time) error

	// ListStaleAgents returns agents whose last heartbeat is older than
	// now minus timeout, excluding stopped agents.
	ListStaleAgents(ctx context.Context, now time.Time, timeout time.Duration) ([]*Agent, error)
}
