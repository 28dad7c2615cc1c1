// Package orchestrator drives the cycle state machine: open a cycle,
// bound the planning and execution windows, invoke the judge once, and
// decide whether the system continues or parks.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"colony/internal/clock"
	"colony/internal/domain/agent"
	"colony/internal/domain/cycle"
	"colony/internal/domain/task"
	"colony/internal/events"
	"colony/internal/logging"
)

// State is the controller's own position, distinct from the persisted
// cycle phase.
type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateJudging   State = "judging"
	StateParked    State = "parked"
)

// Planner is the planning pass the controller drives during the
// planning window.
type Planner interface {
	PlanOnce(ctx context.Context, cycleID string) (int, error)
}

// Judge produces one verdict per cycle.
type Judge interface {
	Judge(ctx context.Context, cycleID string) (*cycle.Verdict, error)
}

// Config tunes the controller's windows and polling cadences.
type Config struct {
	PlanningWindow  time.Duration
	ExecutionWindow time.Duration
	JudgeTimeout    time.Duration
	PlannerPoll     time.Duration
	QuiescencePoll  time.Duration
}

func (c *Config) applyDefaults() {
	if c.PlanningWindow <= 0 {
		c.PlanningWindow = 2 * time.Minute
	}
	if c.ExecutionWindow <= 0 {
		c.ExecutionWindow = 30 * time.Minute
	}
	if c.JudgeTimeout <= 0 {
		c.JudgeTimeout = 5 * time.Minute
	}
	if c.PlannerPoll <= 0 {
		c.PlannerPoll = 15 * time.Second
	}
	if c.QuiescencePoll <= 0 {
		c.QuiescencePoll = 5 * time.Second
	}
}

// Controller runs the cycle state machine.
type Controller struct {
	cfg     Config
	tasks   task.Store
	agents  agent.Store
	cycles  cycle.Store
	planner Planner
	judge   Judge
	clk     clock.Clock
	hub     *events.Hub
	metrics *Metrics
	tracer  trace.Tracer
	logger  logging.Logger

	mu             sync.Mutex
	state          State
	pauseRequested bool
	openRequested  chan struct{}
}

// New creates a controller. metrics may be nil.
func New(cfg Config, tasks task.Store, agents agent.Store, cycles cycle.Store, planner Planner, judge Judge, clk clock.Clock, hub *events.Hub, metrics *Metrics, logger logging.Logger) *Controller {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Controller{
		cfg:           cfg,
		tasks:         tasks,
		agents:        agents,
		cycles:        cycles,
		planner:       planner,
		judge:         judge,
		clk:           clk,
		hub:           hub,
		metrics:       metrics,
		tracer:        otel.Tracer("colony/orchestrator"),
		logger:        logging.OrNop(logger),
		state:         StateIdle,
		openRequested: make(chan struct{}, 1),
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestPause parks the system after the current cycle closes.
func (c *Controller) RequestPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseRequested = true
	c.logger.Info("pause requested: system parks after the current cycle")
}

// RequestOpen asks a parked or idle controller to open the next cycle.
func (c *Controller) RequestOpen() {
	c.mu.Lock()
	c.pauseRequested = false
	c.mu.Unlock()
	select {
	case c.openRequested <- struct{}{}:
	default:
	}
}

// Run executes cycles until ctx is canceled. After a continue verdict
// the next cycle opens immediately; pause or halt parks the controller
// until RequestOpen.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		decision, err := c.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("cycle aborted: %v", err)
			c.setState(StateParked)
		}

		if decision == cycle.DecisionContinue && !c.paused() {
			continue
		}

		c.setState(StateParked)
		c.logger.Info("system parked (decision=%s)", decision)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.openRequested:
		}
	}
}

// RunCycle drives exactly one cycle from open to closed and returns
// the verdict decision.
func (c *Controller) RunCycle(ctx context.Context) (cycle.Decision, error) {
	cy, err := c.cycles.OpenCycle(ctx)
	if err != nil {
		return "", fmt.Errorf("open cycle: %w", err)
	}
	c.metrics.SetCycleActive(true)
	defer c.metrics.SetCycleActive(false)
	c.publishCycle(cy.CycleID, string(cycle.PhasePlanning))
	c.logger.Info("cycle %s opened", cy.CycleID)

	if err := c.runPlanning(ctx, cy.CycleID); err != nil {
		return "", err
	}
	if err := c.cycles.AdvanceCyclePhase(ctx, cy.CycleID, cycle.PhasePlanning, cycle.PhaseExecuting); err != nil {
		return "", fmt.Errorf("advance to executing: %w", err)
	}
	c.publishCycle(cy.CycleID, string(cycle.PhaseExecuting))

	if err := c.runExecuting(ctx, cy.CycleID); err != nil {
		return "", err
	}
	if err := c.cycles.AdvanceCyclePhase(ctx, cy.CycleID, cycle.PhaseExecuting, cycle.PhaseJudging); err != nil {
		return "", fmt.Errorf("advance to judging: %w", err)
	}
	c.publishCycle(cy.CycleID, string(cycle.PhaseJudging))

	verdict, err := c.runJudging(ctx, cy.CycleID)
	if err != nil {
		return "", err
	}
	if err := c.cycles.CloseCycle(ctx, cy.CycleID, verdict); err != nil {
		return "", fmt.Errorf("close cycle: %w", err)
	}
	c.publishCycle(cy.CycleID, string(cycle.PhaseClosed))
	c.recordCycleOutcome(ctx, cy.CycleID)
	c.setState(StateIdle)
	c.logger.Info("cycle %s closed: decision=%s reviewed=%d approved=%d rejected=%d",
		cy.CycleID, verdict.Decision, verdict.Reviewed, verdict.Approved, verdict.Rejected)
	return verdict.Decision, nil
}

// runPlanning drives planner passes until the planning window elapses.
// The transition to executing happens strictly on the timer, however
// many tasks were produced.
func (c *Controller) runPlanning(ctx context.Context, cycleID string) error {
	c.setState(StatePlanning)
	ctx, span := c.tracer.Start(ctx, "cycle.planning", trace.WithAttributes(attribute.String("cycle_id", cycleID)))
	defer span.End()
	start := c.clk.Now()
	defer func() { c.metrics.ObservePhaseDuration(string(cycle.PhasePlanning), c.clk.Now().Sub(start)) }()

	windowCtx, cancel := context.WithTimeout(ctx, c.cfg.PlanningWindow)
	defer cancel()

	created := 0
	for {
		n, err := c.planner.PlanOnce(windowCtx, cycleID)
		if err != nil {
			if windowCtx.Err() != nil {
				break
			}
			c.logger.Warn("planning pass: %v", err)
		}
		created += n

		select {
		case <-windowCtx.Done():
		case <-time.After(c.cfg.PlannerPoll):
			continue
		}
		break
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if created == 0 {
		c.logger.Warn("cycle %s: planning window closed with no tasks", cycleID)
	}
	return nil
}

// runExecuting waits for quiescence or the execution window, whichever
// comes first. Outstanding tasks stay in place: a cycle always
// terminates.
func (c *Controller) runExecuting(ctx context.Context, cycleID string) error {
	c.setState(StateExecuting)
	ctx, span := c.tracer.Start(ctx, "cycle.executing", trace.WithAttributes(attribute.String("cycle_id", cycleID)))
	defer span.End()
	start := c.clk.Now()
	defer func() { c.metrics.ObservePhaseDuration(string(cycle.PhaseExecuting), c.clk.Now().Sub(start)) }()

	windowCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecutionWindow)
	defer cancel()

	for {
		quiet, err := c.quiescent(ctx, cycleID)
		if err != nil {
			c.logger.Warn("quiescence check: %v", err)
		} else if quiet {
			return nil
		}
		if depth, err := c.tasks.QueueDepth(ctx); err == nil {
			c.metrics.SetQueueDepth(depth)
		}

		select {
		case <-windowCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("cycle %s: execution window elapsed with work outstanding", cycleID)
			return nil
		case <-time.After(c.cfg.QuiescencePoll):
		}
	}
}

// quiescent reports whether the cycle has no live tasks and no worker
// still claims to be working on one.
func (c *Controller) quiescent(ctx context.Context, cycleID string) (bool, error) {
	live, err := c.tasks.ListTasksByCycle(ctx, cycleID, task.StatusPending, task.StatusAssigned, task.StatusRunning)
	if err != nil {
		return false, err
	}
	if len(live) > 0 {
		return false, nil
	}
	workers, err := c.agents.ListAgents(ctx, agent.RoleWorker)
	if err != nil {
		return false, err
	}
	cycleTasks, err := c.tasks.ListTasksByCycle(ctx, cycleID)
	if err != nil {
		return false, err
	}
	inCycle := make(map[string]bool, len(cycleTasks))
	for _, t := range cycleTasks {
		inCycle[t.TaskID] = true
	}
	for _, w := range workers {
		if w.Status == agent.StatusWorking && inCycle[w.CurrentTaskID] {
			return false, nil
		}
	}
	return true, nil
}

// runJudging invokes the judge exactly once, bounded by the judge
// timeout. A timeout or judge failure degrades to a synthetic pause
// verdict so the cycle still closes.
func (c *Controller) runJudging(ctx context.Context, cycleID string) (*cycle.Verdict, error) {
	c.setState(StateJudging)
	ctx, span := c.tracer.Start(ctx, "cycle.judging", trace.WithAttributes(attribute.String("cycle_id", cycleID)))
	defer span.End()
	start := c.clk.Now()
	defer func() { c.metrics.ObservePhaseDuration(string(cycle.PhaseJudging), c.clk.Now().Sub(start)) }()

	judgeCtx, cancel := context.WithTimeout(ctx, c.cfg.JudgeTimeout)
	defer cancel()

	type result struct {
		verdict *cycle.Verdict
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := c.judge.Judge(judgeCtx, cycleID)
		resCh <- result{v, err}
	}()

	select {
	case res := <-resCh:
		if res.err == nil {
			return res.verdict, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error("cycle %s: judge failed: %v", cycleID, res.err)
	case <-judgeCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error("cycle %s: judge did not answer within %s", cycleID, c.cfg.JudgeTimeout)
	}

	c.metrics.IncJudgeTimeout()
	return &cycle.Verdict{
		Decision:  cycle.DecisionPause,
		Reasoning: "judge_timeout",
		Synthetic: true,
	}, nil
}

// recordCycleOutcome counts the cycle's tasks by final status.
func (c *Controller) recordCycleOutcome(ctx context.Context, cycleID string) {
	all, err := c.tasks.ListTasksByCycle(ctx, cycleID)
	if err != nil {
		return
	}
	byStatus := make(map[string]int)
	for _, t := range all {
		byStatus[string(t.Status)]++
	}
	for status, n := range byStatus {
		c.metrics.AddCycleTasks(status, n)
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Controller) paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseRequested
}

func (c *Controller) publishCycle(cycleID, phase string) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(events.Event{
		Kind: events.KindCycleTransition,
		At:   c.clk.Now(),
		Payload: map[string]any{
			"cycle_id": cycleID, "phase": phase,
		},
	})
}
