package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colony/internal/clock"
	"colony/internal/domain/agent"
	"colony/internal/domain/cycle"
	"colony/internal/domain/task"
	colonyerrors "colony/internal/errors"
)

func newTestStore(t *testing.T) (*Memory, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	return NewMemory(Options{MaxAttempts: 3, Clock: fake}), fake
}

func validDraft(title string, priority int) task.Draft {
	return task.Draft{
		Title:              title,
		Description:        "do the thing",
		AcceptanceCriteria: []string{"it works"},
		Priority:           priority,
		Complexity:         task.ComplexityLow,
	}
}

func TestCreateTaskValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, task.Draft{}, "planner-1", "cycle-1")
	assert.Error(t, err)

	bad := validDraft("escape", 5)
	bad.AffectedPaths = []string{"../outside.go"}
	_, err = s.CreateTask(ctx, bad, "planner-1", "cycle-1")
	assert.Error(t, err)

	created, err := s.CreateTask(ctx, validDraft("ok", 5), "planner-1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, "planner-1", created.CreatorID)
	assert.NotEmpty(t, created.TaskID)
}

func TestClaimOrdering(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	low, err := s.CreateTask(ctx, validDraft("low", 3), "planner-1", "c1")
	require.NoError(t, err)
	fake.Advance(time.Second)
	highOld, err := s.CreateTask(ctx, validDraft("high old", 8), "planner-1", "c1")
	require.NoError(t, err)
	fake.Advance(time.Second)
	highNew, err := s.CreateTask(ctx, validDraft("high new", 8), "planner-1", "c1")
	require.NoError(t, err)

	first, err := s.ClaimNextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, highOld.TaskID, first.TaskID, "highest priority, oldest first")

	second, err := s.ClaimNextTask(ctx, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, highNew.TaskID, second.TaskID)

	third, err := s.ClaimNextTask(ctx, "worker-3")
	require.NoError(t, err)
	assert.Equal(t, low.TaskID, third.TaskID)

	none, err := s.ClaimNextTask(ctx, "worker-4")
	require.NoError(t, err)
	assert.Nil(t, none, "empty queue yields nil, nil")
}

func TestClaimTieBreakOnID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Same priority, same created_at (clock never advances).
	a, err := s.CreateTask(ctx, validDraft("a", 5), "planner-1", "c1")
	require.NoError(t, err)
	b, err := s.CreateTask(ctx, validDraft("b", 5), "planner-1", "c1")
	require.NoError(t, err)

	want := a.TaskID
	if b.TaskID < a.TaskID {
		want = b.TaskID
	}
	got, err := s.ClaimNextTask(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, want, got.TaskID)
}

func TestClaimSkipsExpiredDeadline(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	deadline := fake.Now().Add(time.Minute)
	d := validDraft("urgent", 9)
	d.Deadline = &deadline
	expired, err := s.CreateTask(ctx, d, "planner-1", "c1")
	require.NoError(t, err)
	fresh, err := s.CreateTask(ctx, validDraft("fresh", 2), "planner-1", "c1")
	require.NoError(t, err)

	fake.Advance(2 * time.Minute)

	got, err := s.ClaimNextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fresh.TaskID, got.TaskID)

	stillPending, err := s.GetTask(ctx, expired.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, stillPending.Status)
}

// Fifty goroutines race for one task; exactly one may win.
func TestConcurrentClaimSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, validDraft("contended", 5), "planner-1", "c1")
	require.NoError(t, err)

	const claimers = 50
	var wg sync.WaitGroup
	winners := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := s.ClaimNextTask(ctx, "worker-"+string(rune('a'+n%26)))
			assert.NoError(t, err)
			if got != nil {
				winners <- got.TaskID
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for id := range winners {
		assert.Equal(t, created.TaskID, id)
		count++
	}
	assert.Equal(t, 1, count, "exactly one claimer wins")
}

func TestUpdateTaskStaleVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, validDraft("versioned", 5), "planner-1", "c1")
	require.NoError(t, err)

	updated, err := s.UpdateTask(ctx, created.TaskID, created.Version, func(t *task.Task) error {
		t.Tags = append(t.Tags, "reviewed")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, created.Version+1, updated.Version)

	// Second writer still holds the old version.
	_, err = s.UpdateTask(ctx, created.TaskID, created.Version, func(t *task.Task) error {
		t.Priority = 9
		return nil
	})
	assert.ErrorIs(t, err, colonyerrors.ErrStaleVersion)

	fresh, err := s.GetTask(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 5, fresh.Priority, "losing write applied nothing")
}

func TestTerminalTasksAreImmutable(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, validDraft("done", 5), "planner-1", "c1")
	require.NoError(t, err)
	claimed, err := s.ClaimNextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, claimed.TaskID, "worker-1"))
	require.NoError(t, s.RecordCompletion(ctx, claimed.TaskID, "worker-1", task.BranchNameFor(claimed.TaskID), "abc123"))

	final, err := s.GetTask(ctx, created.TaskID)
	require.NoError(t, err)

	_, err = s.UpdateTask(ctx, created.TaskID, final.Version, func(t *task.Task) error {
		t.Status = task.StatusPending
		return nil
	})
	assert.Error(t, err)

	err = s.RecordFailure(ctx, created.TaskID, "worker-1", "too late")
	assert.Error(t, err)

	err = s.RevokeAssignment(ctx, created.TaskID, "worker-1", "too late")
	assert.Error(t, err)
}

func TestWorkerBindingEnforced(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, validDraft("bound", 5), "planner-1", "c1")
	require.NoError(t, err)
	claimed, err := s.ClaimNextTask(ctx, "worker-1")
	require.NoError(t, err)

	err = s.MarkRunning(ctx, claimed.TaskID, "worker-2")
	assert.Error(t, err, "other worker cannot start it")
	err = s.RecordCompletion(ctx, claimed.TaskID, "worker-2", "feature/x", "abc")
	assert.Error(t, err, "other worker cannot complete it")

	require.NoError(t, s.MarkRunning(ctx, claimed.TaskID, "worker-1"))
}

func TestRevokeRequeuesThenAbandons(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, validDraft("flaky", 5), "planner-1", "c1")
	require.NoError(t, err)

	// Burn the full attempt budget.
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimNextTask(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d should find the task", attempt)
		require.NoError(t, s.RevokeAssignment(ctx, claimed.TaskID, "worker-1", "worker crashed"))

		got, err := s.GetTask(ctx, created.TaskID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.Equal(t, attempt, got.AttemptCount)
		assert.Empty(t, got.WorkerID)
	}

	// Budget spent: the next revocation abandons.
	claimed, err := s.ClaimNextTask(ctx, "worker-2")
	require.NoError(t, err)
	require.NoError(t, s.RevokeAssignment(ctx, claimed.TaskID, "worker-2", "worker crashed"))

	got, err := s.GetTask(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAbandoned, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Len(t, got.Diagnostics, 4)

	none, err := s.ClaimNextTask(ctx, "worker-3")
	require.NoError(t, err)
	assert.Nil(t, none, "abandoned tasks never reenter the queue")
}

func TestFailureThenRequeue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, validDraft("retryable", 5), "planner-1", "c1")
	require.NoError(t, err)
	claimed, err := s.ClaimNextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, claimed.TaskID, "worker-1"))
	require.NoError(t, s.RecordFailure(ctx, claimed.TaskID, "worker-1", "tests failed"))

	failed, err := s.GetTask(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, failed.Status)

	require.NoError(t, s.RequeueFailed(ctx, created.TaskID, "retry sweep"))
	requeued, err := s.GetTask(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, requeued.Status)
	assert.Equal(t, 1, requeued.AttemptCount)

	err = s.RequeueFailed(ctx, created.TaskID, "retry sweep")
	assert.Error(t, err, "only failed tasks can be requeued")
}

func TestTransitionAuditTrail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, validDraft("audited", 5), "planner-1", "c1")
	require.NoError(t, err)
	claimed, err := s.ClaimNextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, claimed.TaskID, "worker-1"))
	require.NoError(t, s.RecordCompletion(ctx, claimed.TaskID, "worker-1", "feature/"+claimed.TaskID, "abc123"))

	trail, err := s.Transitions(ctx, created.TaskID)
	require.NoError(t, err)
	require.Len(t, trail, 4)
	assert.Equal(t, task.StatusPending, trail[0].ToStatus)
	assert.Equal(t, task.StatusAssigned, trail[1].ToStatus)
	assert.Equal(t, task.StatusRunning, trail[2].ToStatus)
	assert.Equal(t, task.StatusCompleted, trail[3].ToStatus)
}

func TestQueueDepthAndListing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.CreateTask(ctx, validDraft("t", i+1), "planner-1", "c1")
		require.NoError(t, err)
	}
	_, err := s.ClaimNextTask(ctx, "worker-1")
	require.NoError(t, err)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	pending, err := s.ListTasksByStatus(ctx, task.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	inCycle, err := s.ListTasksByCycle(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, inCycle, 3)
}

// ---------------------------------------------------------------------------
// agents
// ---------------------------------------------------------------------------

func TestHeartbeatIdempotent(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(ctx, &agent.Agent{AgentID: "worker-1", Role: agent.RoleWorker}))

	at := fake.Now().Add(10 * time.Second)
	require.NoError(t, s.RecordHeartbeat(ctx, "worker-1", at))
	require.NoError(t, s.RecordHeartbeat(ctx, "worker-1", at))
	require.NoError(t, s.RecordHeartbeat(ctx, "worker-1", at))

	a, err := s.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.True(t, a.LastHeartbeat.Equal(at))

	// An older instant never rewinds liveness.
	require.NoError(t, s.RecordHeartbeat(ctx, "worker-1", at.Add(-time.Minute)))
	a, err = s.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.True(t, a.LastHeartbeat.Equal(at))
}

func TestListStaleAgents(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(ctx, &agent.Agent{AgentID: "worker-live", Role: agent.RoleWorker}))
	require.NoError(t, s.RegisterAgent(ctx, &agent.Agent{AgentID: "worker-dead", Role: agent.RoleWorker}))
	require.NoError(t, s.RegisterAgent(ctx, &agent.Agent{AgentID: "worker-stopped", Role: agent.RoleWorker}))
	_, err := s.UpdateAgent(ctx, "worker-stopped", func(a *agent.Agent) error {
		a.Status = agent.StatusStopped
		return nil
	})
	require.NoError(t, err)

	fake.Advance(5 * time.Minute)
	require.NoError(t, s.RecordHeartbeat(ctx, "worker-live", fake.Now()))

	stale, err := s.ListStaleAgents(ctx, fake.Now(), 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "worker-dead", stale[0].AgentID)
}

func TestRegisterAgentRejectsDuplicates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(ctx, &agent.Agent{AgentID: "judge-1", Role: agent.RoleJudge}))
	err := s.RegisterAgent(ctx, &agent.Agent{AgentID: "judge-1", Role: agent.RoleJudge})
	assert.Error(t, err)
	err = s.RegisterAgent(ctx, &agent.Agent{AgentID: "x", Role: agent.Role("manager")})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// cycles
// ---------------------------------------------------------------------------

func TestCyclePhaseProgression(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, err := s.OpenCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, cycle.PhasePlanning, c.Phase)

	// A second open while the first is live must fail.
	_, err = s.OpenCycle(ctx)
	assert.Error(t, err)

	require.NoError(t, s.AdvanceCyclePhase(ctx, c.CycleID, cycle.PhasePlanning, cycle.PhaseExecuting))

	// Phase CAS: advancing from a phase the cycle already left fails.
	err = s.AdvanceCyclePhase(ctx, c.CycleID, cycle.PhasePlanning, cycle.PhaseExecuting)
	assert.ErrorIs(t, err, colonyerrors.ErrStaleVersion)

	// Skipping a phase is illegal.
	err = s.AdvanceCyclePhase(ctx, c.CycleID, cycle.PhaseExecuting, cycle.PhaseClosed)
	assert.Error(t, err)

	require.NoError(t, s.AdvanceCyclePhase(ctx, c.CycleID, cycle.PhaseExecuting, cycle.PhaseJudging))

	require.NoError(t, s.CloseCycle(ctx, c.CycleID, &cycle.Verdict{
		Decision: cycle.DecisionContinue,
		Reviewed: 3, Approved: 3,
	}))

	closed, err := s.GetCycle(ctx, c.CycleID)
	require.NoError(t, err)
	assert.Equal(t, cycle.PhaseClosed, closed.Phase)
	assert.NotEmpty(t, closed.VerdictID)
	require.NotNil(t, closed.EndedAt)

	// One verdict per cycle.
	err = s.CloseCycle(ctx, c.CycleID, &cycle.Verdict{Decision: cycle.DecisionPause})
	assert.Error(t, err)

	v, err := s.GetVerdict(ctx, closed.VerdictID)
	require.NoError(t, err)
	assert.Equal(t, cycle.DecisionContinue, v.Decision)
	assert.Equal(t, c.CycleID, v.CycleID)

	// Closing frees the slot for the next round.
	next, err := s.OpenCycle(ctx)
	require.NoError(t, err)
	current, err := s.CurrentCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.CycleID, current.CycleID)
}

func TestCycleCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, err := s.OpenCycle(ctx)
	require.NoError(t, err)

	created, err := s.CreateTask(ctx, validDraft("counted", 5), "planner-1", c.CycleID)
	require.NoError(t, err)
	claimed, err := s.ClaimNextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.RecordCompletion(ctx, claimed.TaskID, "worker-1", task.BranchNameFor(created.TaskID), "abc"))

	got, err := s.GetCycle(ctx, c.CycleID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TasksCreated)
	assert.Equal(t, 1, got.TasksCompleted)
}
