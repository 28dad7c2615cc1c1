// Package store provides the in-memory implementation of the task,
// agent and cycle persistence ports.
//
// All mutations run under one mutex, so every read that feeds a write
// decision happens inside the same atomic unit as the write itself. That
// single property makes ClaimNextTask linearizable: concurrent claims on
// the same task serialize on the lock and exactly one caller wins.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"colony/internal/clock"
	"colony/internal/domain/agent"
	"colony/internal/domain/cycle"
	"colony/internal/domain/task"
	colonyerrors "colony/internal/errors"
	"colony/internal/logging"
	"colony/internal/utils/id"
)

// DefaultMaxAttempts is the retry ceiling applied when Options leaves
// MaxAttempts unset.
const DefaultMaxAttempts = 3

// Options configures a Memory store.
type Options struct {
	// MaxAttempts is the revocation budget before a task is abandoned.
	MaxAttempts int
	// Clock supplies instants for timestamps and deadline checks.
	Clock clock.Clock
	// Logger receives store-level diagnostics.
	Logger logging.Logger
}

// Memory implements task.Store, agent.Store and cycle.Store.
type Memory struct {
	mu sync.Mutex

	maxAttempts int
	clk         clock.Clock
	logger      logging.Logger

	tasks       map[string]*task.Task
	transitions map[string][]task.Transition
	agents      map[string]*agent.Agent
	cycles      map[string]*cycle.Cycle
	cycleOrder  []string
	verdicts    map[string]*cycle.Verdict
}

// NewMemory creates an empty store.
func NewMemory(opts Options) *Memory {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		maxAttempts: maxAttempts,
		clk:         clk,
		logger:      logging.OrNop(opts.Logger),
		tasks:       make(map[string]*task.Task),
		transitions: make(map[string][]task.Transition),
		agents:      make(map[string]*agent.Agent),
		cycles:      make(map[string]*cycle.Cycle),
		verdicts:    make(map[string]*cycle.Verdict),
	}
}

// MaxAttempts returns the configured revocation budget.
func (m *Memory) MaxAttempts() int {
	return m.maxAttempts
}

// ---------------------------------------------------------------------------
// task.Store
// ---------------------------------------------------------------------------

// CreateTask validates and persists a new pending task.
func (m *Memory) CreateTask(ctx context.Context, draft task.Draft, creatorID, cycleID string) (*task.Task, error) {
	if err := draft.Validate(); err != nil {
		return nil, colonyerrors.NewPermanentError(err, "invalid task draft")
	}
	if creatorID == "" {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("creator id required"), "task without creator")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	t := &task.Task{
		TaskID:             id.NewTaskID(),
		Title:              draft.Title,
		Description:        draft.Description,
		AffectedPaths:      append([]string(nil), draft.AffectedPaths...),
		AcceptanceCriteria: append([]string(nil), draft.AcceptanceCriteria...),
		Priority:           draft.Priority,
		Complexity:         draft.Complexity,
		Tags:               append([]string(nil), draft.Tags...),
		Deadline:           draft.Deadline,
		Status:             task.StatusPending,
		CreatorID:          creatorID,
		CycleID:            cycleID,
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}
	m.tasks[t.TaskID] = t
	m.recordTransitionLocked(t, "", task.StatusPending, "created")

	if c := m.cycles[cycleID]; c != nil {
		c.TasksCreated++
	}

	return t.Clone(), nil
}

// GetTask retrieves a task snapshot by ID.
func (m *Memory) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("task %s not found", taskID), "task not found")
	}
	return t.Clone(), nil
}

// ClaimNextTask atomically binds the best eligible pending task to
// workerID. Losing a claim race is not an error: callers get nil, nil.
func (m *Memory) ClaimNextTask(ctx context.Context, workerID string) (*task.Task, error) {
	if workerID == "" {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("worker id required"), "claim without worker")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	best := m.selectClaimableLocked(now)
	if best == nil {
		return nil, nil
	}

	prev := best.Status
	best.Status = task.StatusAssigned
	best.WorkerID = workerID
	best.ClaimedAt = &now
	best.UpdatedAt = now
	best.Version++
	m.recordTransitionLocked(best, prev, task.StatusAssigned, "claimed by "+workerID)

	return best.Clone(), nil
}

// selectClaimableLocked scans pending tasks and returns the claim winner:
// highest priority, then oldest created_at, then lexicographic id.
// Tasks whose deadline has passed are skipped.
func (m *Memory) selectClaimableLocked(now time.Time) *task.Task {
	var best *task.Task
	for _, t := range m.tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if t.Deadline != nil && !t.Deadline.After(now) {
			continue
		}
		if best == nil || claimLess(t, best) {
			best = t
		}
	}
	return best
}

// claimLess reports whether a should be claimed before b.
func claimLess(a, b *task.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TaskID < b.TaskID
}

// UpdateTask applies mutate under a compare-and-swap on version.
func (m *Memory) UpdateTask(ctx context.Context, taskID string, expectedVersion int64, mutate func(*task.Task) error) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("task %s not found", taskID), "task not found")
	}
	if t.Version != expectedVersion {
		return nil, colonyerrors.ErrStaleVersion
	}
	if t.Status.IsTerminal() {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("task %s is %s", taskID, t.Status), "terminal task is immutable")
	}

	prev := t.Status
	draft := t.Clone()
	if err := mutate(draft); err != nil {
		return nil, err
	}
	if !draft.Status.IsValid() {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("invalid status %q", draft.Status), "invalid task status")
	}
	draft.TaskID = t.TaskID
	draft.CreatedAt = t.CreatedAt
	draft.Version = t.Version + 1
	draft.UpdatedAt = m.clk.Now()
	m.tasks[taskID] = draft
	if draft.Status != prev {
		m.recordTransitionLocked(draft, prev, draft.Status, "updated")
	}
	return draft.Clone(), nil
}

// MarkRunning transitions an assigned task bound to workerID to running.
func (m *Memory) MarkRunning(ctx context.Context, taskID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.boundTaskLocked(taskID, workerID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusAssigned {
		return colonyerrors.NewPermanentError(fmt.Errorf("task %s is %s, not assigned", taskID, t.Status), "task not assigned")
	}

	t.Status = task.StatusRunning
	t.UpdatedAt = m.clk.Now()
	t.Version++
	m.recordTransitionLocked(t, task.StatusAssigned, task.StatusRunning, "execution started")
	return nil
}

// RevokeAssignment returns a claimed task to pending or abandons it when
// the attempt budget is exhausted.
func (m *Memory) RevokeAssignment(ctx context.Context, taskID, workerID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.boundTaskLocked(taskID, workerID)
	if err != nil {
		return err
	}
	switch t.Status {
	case task.StatusAssigned, task.StatusRunning, task.StatusFailed:
	default:
		return colonyerrors.NewPermanentError(fmt.Errorf("task %s is %s, cannot revoke", taskID, t.Status), "task not revocable")
	}
	return m.requeueLocked(t, workerID, reason)
}

// RequeueFailed returns a failed task to pending regardless of binding,
// used by the supervisor's retry sweep.
func (m *Memory) RequeueFailed(ctx context.Context, taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return colonyerrors.NewPermanentError(fmt.Errorf("task %s not found", taskID), "task not found")
	}
	if t.Status != task.StatusFailed {
		return colonyerrors.NewPermanentError(fmt.Errorf("task %s is %s, not failed", taskID, t.Status), "task not failed")
	}
	return m.requeueLocked(t, t.WorkerID, reason)
}

// requeueLocked increments the attempt count and either requeues the
// task or abandons it when the next attempt would exceed the budget.
func (m *Memory) requeueLocked(t *task.Task, workerID, reason string) error {
	now := m.clk.Now()
	prev := t.Status

	if t.AttemptCount >= m.maxAttempts {
		t.Status = task.StatusAbandoned
		t.WorkerID = ""
		t.ClaimedAt = nil
		t.UpdatedAt = now
		t.Version++
		t.Diagnostics = append(t.Diagnostics, task.AttemptDiagnostic{
			Attempt:  t.AttemptCount,
			WorkerID: workerID,
			Reason:   "attempt budget exhausted: " + reason,
			At:       now,
		})
		m.recordTransitionLocked(t, prev, task.StatusAbandoned, reason)
		m.logger.Warn("task %s abandoned after %d attempts", t.TaskID, t.AttemptCount)
		return nil
	}

	t.AttemptCount++
	t.Status = task.StatusPending
	t.WorkerID = ""
	t.ClaimedAt = nil
	t.UpdatedAt = now
	t.Version++
	t.Diagnostics = append(t.Diagnostics, task.AttemptDiagnostic{
		Attempt:  t.AttemptCount,
		WorkerID: workerID,
		Reason:   reason,
		At:       now,
	})
	m.recordTransitionLocked(t, prev, task.StatusPending, reason)
	return nil
}

// RecordCompletion transitions a claimed task to completed.
func (m *Memory) RecordCompletion(ctx context.Context, taskID, workerID, branch, commitID string) error {
	if branch == "" || commitID == "" {
		return colonyerrors.NewPermanentError(fmt.Errorf("completion requires branch and commit"), "completion without commit")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.boundTaskLocked(taskID, workerID)
	if err != nil {
		return err
	}
	switch t.Status {
	case task.StatusAssigned, task.StatusRunning:
	default:
		return colonyerrors.NewPermanentError(fmt.Errorf("task %s is %s, cannot complete", taskID, t.Status), "task not completable")
	}

	prev := t.Status
	t.Status = task.StatusCompleted
	t.BranchName = branch
	t.CommitID = commitID
	t.UpdatedAt = m.clk.Now()
	t.Version++
	m.recordTransitionLocked(t, prev, task.StatusCompleted, "commit "+commitID)

	if c := m.cycles[t.CycleID]; c != nil {
		c.TasksCompleted++
	}
	return nil
}

// RecordFailure transitions a claimed task to failed with a diagnostic.
func (m *Memory) RecordFailure(ctx context.Context, taskID, workerID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.boundTaskLocked(taskID, workerID)
	if err != nil {
		return err
	}
	switch t.Status {
	case task.StatusAssigned, task.StatusRunning:
	default:
		return colonyerrors.NewPermanentError(fmt.Errorf("task %s is %s, cannot fail", taskID, t.Status), "task not failable")
	}

	now := m.clk.Now()
	prev := t.Status
	t.Status = task.StatusFailed
	t.UpdatedAt = now
	t.Version++
	t.Diagnostics = append(t.Diagnostics, task.AttemptDiagnostic{
		Attempt:  t.AttemptCount + 1,
		WorkerID: workerID,
		Reason:   reason,
		At:       now,
	})
	m.recordTransitionLocked(t, prev, task.StatusFailed, reason)
	return nil
}

// boundTaskLocked fetches a task and verifies the worker binding.
func (m *Memory) boundTaskLocked(taskID, workerID string) (*task.Task, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("task %s not found", taskID), "task not found")
	}
	if t.Status.IsTerminal() {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("task %s is %s", taskID, t.Status), "terminal task is immutable")
	}
	if t.WorkerID != workerID {
		return nil, colonyerrors.NewPermanentError(
			fmt.Errorf("task %s bound to %q, not %q", taskID, t.WorkerID, workerID), "task bound to another worker")
	}
	return t, nil
}

// ListTasksByCycle returns tasks created within a cycle.
func (m *Memory) ListTasksByCycle(ctx context.Context, cycleID string, statuses ...task.Status) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*task.Task
	for _, t := range m.tasks {
		if t.CycleID != cycleID {
			continue
		}
		if len(statuses) > 0 && !statusIn(t.Status, statuses) {
			continue
		}
		out = append(out, t.Clone())
	}
	sortTasks(out)
	return out, nil
}

// ListTasksByStatus returns tasks matching any of the given statuses.
func (m *Memory) ListTasksByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*task.Task
	for _, t := range m.tasks {
		if statusIn(t.Status, statuses) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

// QueueDepth returns the number of pending tasks.
func (m *Memory) QueueDepth(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	depth := 0
	for _, t := range m.tasks {
		if t.Status == task.StatusPending {
			depth++
		}
	}
	return depth, nil
}

// Transitions returns the audit trail for a task.
func (m *Memory) Transitions(ctx context.Context, taskID string) ([]task.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Transition(nil), m.transitions[taskID]...), nil
}

func (m *Memory) recordTransitionLocked(t *task.Task, from, to task.Status, reason string) {
	m.transitions[t.TaskID] = append(m.transitions[t.TaskID], task.Transition{
		TaskID:     t.TaskID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		Version:    t.Version,
		CreatedAt:  m.clk.Now(),
	})
}

func statusIn(s task.Status, set []task.Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func sortTasks(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return claimLess(tasks[i], tasks[j])
	})
}

// ---------------------------------------------------------------------------
// agent.Store
// ---------------------------------------------------------------------------

// RegisterAgent persists a new agent record.
func (m *Memory) RegisterAgent(ctx context.Context, a *agent.Agent) error {
	if a == nil || a.AgentID == "" {
		return colonyerrors.NewPermanentError(fmt.Errorf("agent id required"), "agent without id")
	}
	if !a.Role.IsValid() {
		return colonyerrors.NewPermanentError(fmt.Errorf("invalid role %q", a.Role), "invalid agent role")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[a.AgentID]; exists {
		return colonyerrors.NewPermanentError(fmt.Errorf("agent %s already registered", a.AgentID), "duplicate agent")
	}
	now := m.clk.Now()
	cp := a.Clone()
	if cp.Status == "" {
		cp.Status = agent.StatusIdle
	}
	if cp.LastHeartbeat.IsZero() {
		cp.LastHeartbeat = now
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.agents[cp.AgentID] = cp
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *Memory) GetAgent(ctx context.Context, agentID string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("agent %s not found", agentID), "agent not found")
	}
	return a.Clone(), nil
}

// UpdateAgent applies mutate to the stored record atomically.
func (m *Memory) UpdateAgent(ctx context.Context, agentID string, mutate func(*agent.Agent) error) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("agent %s not found", agentID), "agent not found")
	}
	draft := a.Clone()
	if err := mutate(draft); err != nil {
		return nil, err
	}
	draft.AgentID = a.AgentID
	draft.CreatedAt = a.CreatedAt
	draft.UpdatedAt = m.clk.Now()
	m.agents[agentID] = draft
	return draft.Clone(), nil
}

// RemoveAgent deletes an agent from the roster.
func (m *Memory) RemoveAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
	return nil
}

// ListAgents returns agents, optionally filtered to the given roles.
func (m *Memory) ListAgents(ctx context.Context, roles ...agent.Role) ([]*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*agent.Agent
	for _, a := range m.agents {
		if len(roles) > 0 && !roleIn(a.Role, roles) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// RecordHeartbeat stores the liveness instant for an agent. Writing an
// instant no newer than the stored one is a no-op, which makes repeated
// writes with the same instant equivalent to one.
func (m *Memory) RecordHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return colonyerrors.NewPermanentError(fmt.Errorf("agent %s not found", agentID), "agent not found")
	}
	if at.After(a.LastHeartbeat) {
		a.LastHeartbeat = at
		a.UpdatedAt = m.clk.Now()
	}
	return nil
}

// ListStaleAgents returns non-stopped agents whose heartbeat is older
// than now minus timeout.
func (m *Memory) ListStaleAgents(ctx context.Context, now time.Time, timeout time.Duration) ([]*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-timeout)
	var out []*agent.Agent
	for _, a := range m.agents {
		if a.Status == agent.StatusStopped || a.Status == agent.StatusStopping {
			continue
		}
		if a.LastHeartbeat.Before(cutoff) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func roleIn(r agent.Role, set []agent.Role) bool {
	for _, candidate := range set {
		if r == candidate {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// cycle.Store
// ---------------------------------------------------------------------------

// OpenCycle creates a new cycle in the planning phase.
func (m *Memory) OpenCycle(ctx context.Context) (*cycle.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.cycleOrder) > 0 {
		last := m.cycles[m.cycleOrder[len(m.cycleOrder)-1]]
		if last != nil && last.Phase != cycle.PhaseClosed {
			return nil, colonyerrors.NewPermanentError(
				fmt.Errorf("cycle %s still %s", last.CycleID, last.Phase), "previous cycle not closed")
		}
	}

	c := &cycle.Cycle{
		CycleID:   id.NewCycleID(),
		Phase:     cycle.PhasePlanning,
		StartedAt: m.clk.Now(),
	}
	m.cycles[c.CycleID] = c
	m.cycleOrder = append(m.cycleOrder, c.CycleID)
	return c.Clone(), nil
}

// GetCycle retrieves a cycle by ID.
func (m *Memory) GetCycle(ctx context.Context, cycleID string) (*cycle.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[cycleID]
	if !ok {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("cycle %s not found", cycleID), "cycle not found")
	}
	return c.Clone(), nil
}

// CurrentCycle returns the most recently opened cycle.
func (m *Memory) CurrentCycle(ctx context.Context) (*cycle.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cycleOrder) == 0 {
		return nil, nil
	}
	return m.cycles[m.cycleOrder[len(m.cycleOrder)-1]].Clone(), nil
}

// AdvanceCyclePhase moves the cycle forward under a CAS on phase.
func (m *Memory) AdvanceCyclePhase(ctx context.Context, cycleID string, from, to cycle.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cycles[cycleID]
	if !ok {
		return colonyerrors.NewPermanentError(fmt.Errorf("cycle %s not found", cycleID), "cycle not found")
	}
	if c.Phase != from {
		return colonyerrors.ErrStaleVersion
	}
	if !from.CanAdvanceTo(to) {
		return colonyerrors.NewPermanentError(
			fmt.Errorf("illegal phase transition %s -> %s", from, to), "illegal cycle phase transition")
	}
	c.Phase = to
	return nil
}

// CloseCycle records the verdict and transitions the cycle to closed.
func (m *Memory) CloseCycle(ctx context.Context, cycleID string, v *cycle.Verdict) error {
	if v == nil || !v.Decision.IsValid() {
		return colonyerrors.NewPermanentError(fmt.Errorf("verdict with valid decision required"), "invalid verdict")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cycles[cycleID]
	if !ok {
		return colonyerrors.NewPermanentError(fmt.Errorf("cycle %s not found", cycleID), "cycle not found")
	}
	if c.Phase == cycle.PhaseClosed || c.VerdictID != "" {
		return colonyerrors.NewPermanentError(fmt.Errorf("cycle %s already closed", cycleID), "cycle already closed")
	}
	if c.Phase != cycle.PhaseJudging {
		return colonyerrors.ErrStaleVersion
	}

	now := m.clk.Now()
	stored := *v
	if stored.VerdictID == "" {
		stored.VerdictID = id.NewVerdictID()
	}
	stored.CycleID = cycleID
	stored.CreatedAt = now
	m.verdicts[stored.VerdictID] = &stored

	c.Phase = cycle.PhaseClosed
	c.VerdictID = stored.VerdictID
	c.EndedAt = &now
	return nil
}

// AppendCycleNote attaches a free-form note to the cycle.
func (m *Memory) AppendCycleNote(ctx context.Context, cycleID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[cycleID]
	if !ok {
		return colonyerrors.NewPermanentError(fmt.Errorf("cycle %s not found", cycleID), "cycle not found")
	}
	c.Notes = append(c.Notes, note)
	return nil
}

// GetVerdict retrieves a verdict by ID.
func (m *Memory) GetVerdict(ctx context.Context, verdictID string) (*cycle.Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verdicts[verdictID]
	if !ok {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("verdict %s not found", verdictID), "verdict not found")
	}
	cp := *v
	return &cp, nil
}
