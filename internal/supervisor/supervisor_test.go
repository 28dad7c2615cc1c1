package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colony/internal/clock"
	"colony/internal/domain/agent"
	"colony/internal/domain/task"
	"colony/internal/store"
)

func newSupervisorFixture(t *testing.T, cfg Config, pools []Pool) (*Supervisor, *store.Memory, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s := store.NewMemory(store.Options{Clock: fake})
	if pools == nil {
		pools = []Pool{{Role: agent.RoleWorker, Count: 1}}
	}
	return New(cfg, pools, s, s, fake, nil, nil), s, fake
}

func seedClaimedTask(t *testing.T, s *store.Memory, workerID string, complexity task.Complexity) *task.Task {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateTask(ctx, task.Draft{
		Title:              "work",
		Description:        "d",
		AcceptanceCriteria: []string{"c"},
		Priority:           5,
		Complexity:         complexity,
	}, "planner-1", "c1")
	require.NoError(t, err)
	claimed, err := s.ClaimNextTask(ctx, workerID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func TestSweepOnceRevokesStaleWorker(t *testing.T) {
	sup, s, fake := newSupervisorFixture(t, Config{HeartbeatTimeout: time.Minute}, nil)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(ctx, &agent.Agent{AgentID: "worker-1", Role: agent.RoleWorker}))
	claimed := seedClaimedTask(t, s, "worker-1", task.ComplexityLow)
	_, err := s.UpdateAgent(ctx, "worker-1", func(a *agent.Agent) error {
		a.Status = agent.StatusWorking
		a.CurrentTaskID = claimed.TaskID
		return nil
	})
	require.NoError(t, err)

	// Heartbeat still fresh: nothing happens.
	sup.SweepOnce(ctx)
	got, err := s.GetTask(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, got.Status)

	// Silence past the timeout: agent errored, task back in the queue.
	fake.Advance(2 * time.Minute)
	sup.SweepOnce(ctx)

	got, err = s.GetTask(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)

	a, err := s.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusError, a.Status)
}

func TestSweepLeavesUnsupervisedRolesAlone(t *testing.T) {
	sup, s, fake := newSupervisorFixture(t, Config{HeartbeatTimeout: time.Minute}, nil)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(ctx, &agent.Agent{AgentID: "planner-1", Role: agent.RolePlanner}))
	require.NoError(t, s.RegisterAgent(ctx, &agent.Agent{AgentID: "worker-1", Role: agent.RoleWorker}))

	// Both silent through several sweep ticks; only the pooled worker
	// role is policed.
	for i := 0; i < 6; i++ {
		fake.Advance(5 * time.Minute)
		sup.SweepOnce(ctx)
		sup.EnforceErrorBudgetOnce(ctx)
	}

	p, err := s.GetAgent(ctx, "planner-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, p.Status)
	assert.Equal(t, 0, p.ConsecutiveErrors)

	w, err := s.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.NotEqual(t, agent.StatusIdle, w.Status, "silent worker is policed")
	assert.Greater(t, w.ConsecutiveErrors, 0)
}

func TestRevokeExpiredHonorsConfiguredBudget(t *testing.T) {
	sup, s, fake := newSupervisorFixture(t, Config{
		TimeoutFor: func(task.Complexity) time.Duration { return time.Minute },
	}, nil)
	ctx := context.Background()

	claimed := seedClaimedTask(t, s, "worker-1", task.ComplexityLow)

	// Two minutes in: far inside the 30m default, past the override.
	fake.Advance(2 * time.Minute)
	sup.RevokeExpiredOnce(ctx)

	got, err := s.GetTask(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestRevokeExpiredOncePerComplexity(t *testing.T) {
	sup, s, fake := newSupervisorFixture(t, Config{}, nil)
	ctx := context.Background()

	low := seedClaimedTask(t, s, "worker-low", task.ComplexityLow)
	high := seedClaimedTask(t, s, "worker-high", task.ComplexityHigh)

	// 31 minutes: only the low-complexity budget (30m) has elapsed.
	fake.Advance(31 * time.Minute)
	sup.RevokeExpiredOnce(ctx)

	gotLow, err := s.GetTask(ctx, low.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, gotLow.Status)

	gotHigh, err := s.GetTask(ctx, high.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, gotHigh.Status, "8h budget not yet spent")

	// Past 8 hours the high task goes back too.
	fake.Advance(8 * time.Hour)
	sup.RevokeExpiredOnce(ctx)
	gotHigh, err = s.GetTask(ctx, high.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, gotHigh.Status)
}

func TestEnforceErrorBudgetReplacesAgent(t *testing.T) {
	sup, s, _ := newSupervisorFixture(t, Config{ErrorBudget: 3}, nil)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(ctx, &agent.Agent{AgentID: "worker-1", Role: agent.RoleWorker}))
	claimed := seedClaimedTask(t, s, "worker-1", task.ComplexityLow)
	_, err := s.UpdateAgent(ctx, "worker-1", func(a *agent.Agent) error {
		a.Status = agent.StatusWorking
		a.CurrentTaskID = claimed.TaskID
		a.ConsecutiveErrors = 2
		return nil
	})
	require.NoError(t, err)

	// Under budget: untouched.
	sup.EnforceErrorBudgetOnce(ctx)
	a, err := s.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusWorking, a.Status)

	_, err = s.UpdateAgent(ctx, "worker-1", func(a *agent.Agent) error {
		a.ConsecutiveErrors = 3
		return nil
	})
	require.NoError(t, err)

	sup.EnforceErrorBudgetOnce(ctx)
	a, err = s.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusStopping, a.Status)

	got, err := s.GetTask(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status, "claimed task returned to the queue")
}

func TestRetryFailedOnceRequeuesUntilBudget(t *testing.T) {
	sup, s, _ := newSupervisorFixture(t, Config{}, nil)
	ctx := context.Background()

	claimed := seedClaimedTask(t, s, "worker-1", task.ComplexityLow)
	require.NoError(t, s.RecordFailure(ctx, claimed.TaskID, "worker-1", "tests exited 1"))

	sup.RetryFailedOnce(ctx)
	got, err := s.GetTask(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)

	// Fail through the rest of the budget: the final requeue abandons.
	for i := 0; i < 3; i++ {
		reclaimed, err := s.ClaimNextTask(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, reclaimed)
		require.NoError(t, s.RecordFailure(ctx, reclaimed.TaskID, "worker-1", "tests exited 1"))
		sup.RetryFailedOnce(ctx)
	}

	got, err = s.GetTask(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAbandoned, got.Status)
}

type countingRunner struct {
	id   string
	runs *atomic.Int32
}

func (r *countingRunner) ID() string { return r.id }
func (r *countingRunner) Run(ctx context.Context) error {
	r.runs.Add(1)
	return assert.AnError // crash immediately
}

func TestSlotReplacementWithBackoff(t *testing.T) {
	var runs atomic.Int32
	var spawned atomic.Int32
	pool := Pool{
		Role:  agent.RoleWorker,
		Count: 1,
		Factory: func(ctx context.Context, slot string) (Runner, error) {
			n := spawned.Add(1)
			return &countingRunner{id: string(rune('a' + n)), runs: &runs}, nil
		},
	}
	sup, s, _ := newSupervisorFixture(t, Config{
		BackoffInitial:   time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
		StormMaxRestarts: 100,
	}, []Pool{pool})
	_ = s

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sup.Start(ctx))

	assert.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond, "crashed runner is replaced repeatedly")

	cancel()
	require.NoError(t, sup.Stop())
}

func TestStartTwiceFails(t *testing.T) {
	sup, _, _ := newSupervisorFixture(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	assert.Error(t, sup.Start(ctx))
	require.NoError(t, sup.Stop())
}

func TestRestartPolicyStormDetection(t *testing.T) {
	fake := clock.NewFake(time.Now())
	p := NewRestartPolicy(3, time.Minute, time.Hour, fake)

	assert.True(t, p.ShouldRestart("w-0"))
	p.RecordRestart("w-0")
	p.RecordRestart("w-0")
	assert.True(t, p.ShouldRestart("w-0"))
	p.RecordRestart("w-0")
	assert.False(t, p.ShouldRestart("w-0"), "threshold reached")
	assert.Equal(t, 3, p.RestartCount("w-0"))

	// History outside the window is pruned.
	fake.Advance(2 * time.Minute)
	assert.True(t, p.ShouldRestart("w-0"))

	// Cooldown blocks even with clean history.
	p.EnterCooldown("w-0")
	assert.False(t, p.ShouldRestart("w-0"))
	fake.Advance(2 * time.Hour)
	assert.True(t, p.ShouldRestart("w-0"))

	p.RecordRestart("w-1")
	p.Reset("w-1")
	assert.Equal(t, 0, p.RestartCount("w-1"))
}
