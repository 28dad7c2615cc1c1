package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colony/internal/clock"
	"colony/internal/domain/cycle"
	"colony/internal/domain/task"
	"colony/internal/store"
)

type plannerFunc func(ctx context.Context, cycleID string) (int, error)

func (f plannerFunc) PlanOnce(ctx context.Context, cycleID string) (int, error) {
	return f(ctx, cycleID)
}

type judgeFunc func(ctx context.Context, cycleID string) (*cycle.Verdict, error)

func (f judgeFunc) Judge(ctx context.Context, cycleID string) (*cycle.Verdict, error) {
	return f(ctx, cycleID)
}

func fastConfig() Config {
	return Config{
		PlanningWindow:  50 * time.Millisecond,
		ExecutionWindow: 500 * time.Millisecond,
		JudgeTimeout:    200 * time.Millisecond,
		PlannerPoll:     time.Hour, // one planning pass per window
		QuiescencePoll:  5 * time.Millisecond,
	}
}

// seedingPlanner creates n tasks per pass directly through the store.
func seedingPlanner(s *store.Memory, n int) plannerFunc {
	return func(ctx context.Context, cycleID string) (int, error) {
		for i := 0; i < n; i++ {
			_, err := s.CreateTask(ctx, task.Draft{
				Title:              fmt.Sprintf("task %d", i),
				Description:        "d",
				AcceptanceCriteria: []string{"c"},
				Priority:           5,
				Complexity:         task.ComplexityLow,
			}, "planner-1", cycleID)
			if err != nil {
				return i, err
			}
		}
		return n, nil
	}
}

// drainQueue simulates workers: claim and complete until ctx ends.
func drainQueue(ctx context.Context, s *store.Memory) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := s.ClaimNextTask(ctx, "worker-1")
		if err != nil || claimed == nil {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		_ = s.RecordCompletion(ctx, claimed.TaskID, "worker-1", task.BranchNameFor(claimed.TaskID), "abc123")
	}
}

func newController(t *testing.T, s *store.Memory, p Planner, j Judge) *Controller {
	t.Helper()
	m := MustNewMetrics(prometheus.NewRegistry())
	return New(fastConfig(), s, s, s, p, j, clock.Real(), nil, m, nil)
}

func TestRunCycleHappyPath(t *testing.T) {
	s := store.NewMemory(store.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainQueue(ctx, s)

	judged := 0
	c := newController(t, s, seedingPlanner(s, 3), judgeFunc(func(ctx context.Context, cycleID string) (*cycle.Verdict, error) {
		judged++
		return &cycle.Verdict{Decision: cycle.DecisionContinue, Reviewed: 3, Approved: 3}, nil
	}))

	decision, err := c.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, cycle.DecisionContinue, decision)
	assert.Equal(t, 1, judged, "judge invoked exactly once")

	current, err := s.CurrentCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, cycle.PhaseClosed, current.Phase)
	assert.Equal(t, 3, current.TasksCompleted)

	v, err := s.GetVerdict(ctx, current.VerdictID)
	require.NoError(t, err)
	assert.False(t, v.Synthetic)
}

func TestRunCycleEmptyPlanningStillCloses(t *testing.T) {
	s := store.NewMemory(store.Options{})
	c := newController(t, s, seedingPlanner(s, 0), judgeFunc(func(ctx context.Context, cycleID string) (*cycle.Verdict, error) {
		return &cycle.Verdict{Decision: cycle.DecisionContinue}, nil
	}))

	decision, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cycle.DecisionContinue, decision)
}

func TestRunCycleExecutionWindowFairness(t *testing.T) {
	// No workers: tasks stay pending, but the cycle must still close.
	s := store.NewMemory(store.Options{})
	c := newController(t, s, seedingPlanner(s, 2), judgeFunc(func(ctx context.Context, cycleID string) (*cycle.Verdict, error) {
		return &cycle.Verdict{Decision: cycle.DecisionContinue}, nil
	}))

	start := time.Now()
	decision, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cycle.DecisionContinue, decision)
	assert.Less(t, time.Since(start), 5*time.Second, "cycle terminates despite outstanding work")

	// Pending tasks carried forward, untouched.
	current, err := s.CurrentCycle(context.Background())
	require.NoError(t, err)
	pending, err := s.ListTasksByCycle(context.Background(), current.CycleID, task.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunCycleJudgeTimeoutSyntheticPause(t *testing.T) {
	s := store.NewMemory(store.Options{})
	c := newController(t, s, seedingPlanner(s, 0), judgeFunc(func(ctx context.Context, cycleID string) (*cycle.Verdict, error) {
		<-ctx.Done() // never answers
		return nil, ctx.Err()
	}))

	decision, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cycle.DecisionPause, decision)

	current, err := s.CurrentCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cycle.PhaseClosed, current.Phase)
	v, err := s.GetVerdict(context.Background(), current.VerdictID)
	require.NoError(t, err)
	assert.True(t, v.Synthetic)
	assert.Equal(t, "judge_timeout", v.Reasoning)
}

func TestRunParksOnPauseAndResumes(t *testing.T) {
	s := store.NewMemory(store.Options{})
	cycles := 0
	c := newController(t, s, seedingPlanner(s, 0), judgeFunc(func(ctx context.Context, cycleID string) (*cycle.Verdict, error) {
		cycles++
		return &cycle.Verdict{Decision: cycle.DecisionPause}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return c.State() == StateParked
	}, 5*time.Second, 10*time.Millisecond)
	first := cycles

	// Parked: no new cycles open on their own.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, first, cycles)

	// An operator open request wakes it up for another round.
	c.RequestOpen()
	assert.Eventually(t, func() bool {
		return cycles > first
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunContinuesUntilPauseRequested(t *testing.T) {
	s := store.NewMemory(store.Options{})
	cycles := 0
	c := newController(t, s, seedingPlanner(s, 0), judgeFunc(func(ctx context.Context, cycleID string) (*cycle.Verdict, error) {
		cycles++
		return &cycle.Verdict{Decision: cycle.DecisionContinue}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return cycles >= 2 }, 10*time.Second, 10*time.Millisecond,
		"continue verdicts chain cycles")

	c.RequestPause()
	assert.Eventually(t, func() bool {
		return c.State() == StateParked
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
