// Package supervisor keeps the agent roster alive: it runs agent pools,
// replaces crashed or stale agents with backoff, and revokes tasks held
// past their execution budget.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"colony/internal/clock"
	"colony/internal/domain/agent"
	"colony/internal/domain/task"
	colonyerrors "colony/internal/errors"
	"colony/internal/events"
	"colony/internal/logging"
)

// Runner is one supervised agent runtime.
type Runner interface {
	// ID returns the agent id registered for this runtime instance.
	ID() string
	// Run blocks until ctx is canceled or the runtime fails.
	Run(ctx context.Context) error
}

// Factory builds a fresh runtime (with a newly registered agent) for a
// pool slot. Called again each time the slot's runner is replaced.
type Factory func(ctx context.Context, slot string) (Runner, error)

// Pool describes one role's worth of supervised slots.
type Pool struct {
	Role    agent.Role
	Count   int
	Factory Factory
}

// Config tunes the supervisor.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	// ErrorBudget is the consecutive-error count that forces replacement.
	ErrorBudget int
	// TimeoutFor maps a task's complexity to its execution budget.
	TimeoutFor func(task.Complexity) time.Duration
	// ShutdownGrace bounds how long Stop waits before forcing exit.
	ShutdownGrace time.Duration
	// StormMaxRestarts/StormWindow/StormCooldown configure storm
	// detection per slot.
	StormMaxRestarts int
	StormWindow      time.Duration
	StormCooldown    time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
	if c.ErrorBudget <= 0 {
		c.ErrorBudget = 5
	}
	if c.TimeoutFor == nil {
		c.TimeoutFor = func(complexity task.Complexity) time.Duration {
			return complexity.DefaultTimeout()
		}
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.StormMaxRestarts <= 0 {
		c.StormMaxRestarts = 10
	}
	if c.StormWindow <= 0 {
		c.StormWindow = 10 * time.Minute
	}
	if c.StormCooldown <= 0 {
		c.StormCooldown = 5 * time.Minute
	}
}

// Supervisor owns the agent pools and their liveness enforcement.
type Supervisor struct {
	cfg    Config
	pools  []Pool
	tasks  task.Store
	agents agent.Store
	clk    clock.Clock
	hub    *events.Hub
	logger logging.Logger
	policy *RestartPolicy
	// managed holds the roles this supervisor runs pools for. Liveness
	// sweeps only police these: a planner or judge invoked synchronously
	// by the controller heartbeats on its own schedule and must not be
	// declared dead between invocations.
	managed map[agent.Role]bool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // agentID -> kill switch
	wg      sync.WaitGroup
	stop    context.CancelFunc
}

// New creates a supervisor for the given pools.
func New(cfg Config, pools []Pool, tasks task.Store, agents agent.Store, clk clock.Clock, hub *events.Hub, logger logging.Logger) *Supervisor {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	managed := make(map[agent.Role]bool, len(pools))
	for _, pool := range pools {
		managed[pool.Role] = true
	}
	return &Supervisor{
		cfg:     cfg,
		pools:   pools,
		managed: managed,
		tasks:   tasks,
		agents:  agents,
		clk:     clk,
		hub:     hub,
		logger:  logging.OrNop(logger),
		policy:  NewRestartPolicy(cfg.StormMaxRestarts, cfg.StormWindow, cfg.StormCooldown, clk),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches every pool slot plus the heartbeat sweep and the task
// timeout watcher. It returns immediately; Stop shuts everything down.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("supervisor already started")
	}
	s.stop = cancel
	s.mu.Unlock()

	for _, pool := range s.pools {
		for i := 0; i < pool.Count; i++ {
			slot := fmt.Sprintf("%s-%d", pool.Role, i)
			factory := pool.Factory
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.manageSlot(runCtx, slot, factory)
			}()
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.timeoutLoop(runCtx)
	}()
	return nil
}

// Stop signals shutdown and waits up to ShutdownGrace for agents to
// finish their in-flight work before returning.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel := s.stop
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownGrace):
		return fmt.Errorf("shutdown grace %s elapsed with agents still running", s.cfg.ShutdownGrace)
	}
}

// manageSlot keeps one slot occupied, replacing its runner with
// exponential backoff on failure.
func (s *Supervisor) manageSlot(ctx context.Context, slot string, factory Factory) {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		if !s.policy.ShouldRestart(slot) {
			s.policy.EnterCooldown(slot)
			s.logger.Error("slot %s: restart storm, cooling down", slot)
			if !s.sleep(ctx, s.cfg.StormCooldown) {
				return
			}
			continue
		}

		runner, err := factory(ctx, slot)
		if err != nil {
			failures++
			s.policy.RecordRestart(slot)
			s.logger.Error("slot %s: spawn failed: %v", slot, err)
			if !s.sleep(ctx, colonyerrors.Backoff(failures, s.cfg.BackoffInitial, s.cfg.BackoffMax)) {
				return
			}
			continue
		}

		agentCtx, cancel := context.WithCancel(ctx)
		s.registerCancel(runner.ID(), cancel)
		s.publishAgentChange(runner.ID(), slot, "started")
		s.logger.Info("slot %s: agent %s started", slot, runner.ID())

		runErr := runner.Run(agentCtx)
		cancel()
		s.dropCancel(runner.ID())
		s.retire(runner.ID())

		if ctx.Err() != nil {
			return
		}

		s.policy.RecordRestart(slot)
		failures++
		s.publishAgentChange(runner.ID(), slot, "replaced")
		s.logger.Warn("slot %s: agent %s exited (%v), replacing", slot, runner.ID(), runErr)
		if !s.sleep(ctx, colonyerrors.Backoff(failures, s.cfg.BackoffInitial, s.cfg.BackoffMax)) {
			return
		}
	}
}

// sweepLoop detects stale heartbeats: stale agents are marked errored,
// their claimed task is revoked and their runtime is killed so the slot
// respawns a replacement.
func (s *Supervisor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
			s.EnforceErrorBudgetOnce(ctx)
		}
	}
}

// EnforceErrorBudgetOnce replaces agents whose consecutive-error count
// reached the budget: their claimed task is revoked and their runtime
// killed so the slot respawns a fresh agent.
func (s *Supervisor) EnforceErrorBudgetOnce(ctx context.Context) {
	roster, err := s.agents.ListAgents(ctx)
	if err != nil {
		s.logger.Error("error budget sweep: %v", err)
		return
	}
	for _, a := range roster {
		if !s.managed[a.Role] {
			continue
		}
		if a.Status == agent.StatusStopped || a.Status == agent.StatusStopping {
			continue
		}
		if a.ConsecutiveErrors < s.cfg.ErrorBudget {
			continue
		}
		s.logger.Warn("agent %s burned its error budget (%d consecutive errors), replacing", a.AgentID, a.ConsecutiveErrors)
		updated, err := s.agents.UpdateAgent(ctx, a.AgentID, func(rec *agent.Agent) error {
			rec.Status = agent.StatusStopping
			return nil
		})
		if err != nil {
			s.logger.Error("mark agent %s stopping: %v", a.AgentID, err)
			continue
		}
		if updated.CurrentTaskID != "" {
			if err := s.tasks.RevokeAssignment(ctx, updated.CurrentTaskID, a.AgentID, "worker error budget exhausted"); err != nil {
				s.logger.Error("revoke task %s from agent %s: %v", updated.CurrentTaskID, a.AgentID, err)
			}
		}
		s.kill(a.AgentID)
		s.publishAgentChange(a.AgentID, "", "error_budget")
	}
}

// SweepOnce runs a single stale-agent sweep.
func (s *Supervisor) SweepOnce(ctx context.Context) {
	now := s.clk.Now()
	stale, err := s.agents.ListStaleAgents(ctx, now, s.cfg.HeartbeatTimeout)
	if err != nil {
		s.logger.Error("heartbeat sweep: %v", err)
		return
	}
	for _, a := range stale {
		if !s.managed[a.Role] {
			continue
		}
		s.logger.Warn("agent %s stale (last heartbeat %s)", a.AgentID, a.LastHeartbeat.Format(time.RFC3339))
		updated, err := s.agents.UpdateAgent(ctx, a.AgentID, func(rec *agent.Agent) error {
			rec.Status = agent.StatusError
			rec.ConsecutiveErrors++
			return nil
		})
		if err != nil {
			s.logger.Error("mark agent %s errored: %v", a.AgentID, err)
			continue
		}
		if updated.CurrentTaskID != "" {
			if err := s.tasks.RevokeAssignment(ctx, updated.CurrentTaskID, a.AgentID, "worker heartbeat lost"); err != nil {
				s.logger.Error("revoke task %s from stale agent %s: %v", updated.CurrentTaskID, a.AgentID, err)
			}
		}
		s.kill(a.AgentID)
		s.publishAgentChange(a.AgentID, "", "stale")
	}
}

// timeoutLoop revokes tasks held past their complexity budget.
func (s *Supervisor) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RevokeExpiredOnce(ctx)
			s.RetryFailedOnce(ctx)
		}
	}
}

// RetryFailedOnce requeues failed tasks for another attempt. The store
// abandons instead when the attempt budget is spent. Running on the
// sweep cadence gives failed tasks a natural delay before re-claim.
func (s *Supervisor) RetryFailedOnce(ctx context.Context) {
	failed, err := s.tasks.ListTasksByStatus(ctx, task.StatusFailed)
	if err != nil {
		s.logger.Error("retry sweep: %v", err)
		return
	}
	for _, t := range failed {
		if err := s.tasks.RequeueFailed(ctx, t.TaskID, "retry after failure"); err != nil {
			s.logger.Error("requeue failed task %s: %v", t.TaskID, err)
			continue
		}
		s.logger.Info("task %s requeued after attempt %d", t.TaskID, t.AttemptCount)
	}
}

// RevokeExpiredOnce revokes every claimed task whose execution budget
// has elapsed since it was claimed.
func (s *Supervisor) RevokeExpiredOnce(ctx context.Context) {
	now := s.clk.Now()
	claimed, err := s.tasks.ListTasksByStatus(ctx, task.StatusAssigned, task.StatusRunning)
	if err != nil {
		s.logger.Error("timeout watcher: %v", err)
		return
	}
	for _, t := range claimed {
		if t.ClaimedAt == nil {
			continue
		}
		budget := s.cfg.TimeoutFor(t.Complexity)
		if now.Sub(*t.ClaimedAt) < budget {
			continue
		}
		reason := fmt.Sprintf("execution budget %s exceeded", budget)
		if err := s.tasks.RevokeAssignment(ctx, t.TaskID, t.WorkerID, reason); err != nil {
			s.logger.Error("revoke expired task %s: %v", t.TaskID, err)
			continue
		}
		s.logger.Warn("task %s revoked from %s: %s", t.TaskID, t.WorkerID, reason)
		s.kill(t.WorkerID)
	}
}

// retire transitions a finished runtime's agent record to stopped.
func (s *Supervisor) retire(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.agents.UpdateAgent(ctx, agentID, func(rec *agent.Agent) error {
		rec.Status = agent.StatusStopped
		rec.CurrentTaskID = ""
		return nil
	})
	if err != nil {
		s.logger.Debug("retire agent %s: %v", agentID, err)
	}
}

func (s *Supervisor) registerCancel(agentID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[agentID] = cancel
}

func (s *Supervisor) dropCancel(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, agentID)
}

// kill cancels a running agent's context, if it is still ours to cancel.
func (s *Supervisor) kill(agentID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[agentID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Supervisor) publishAgentChange(agentID, slot, change string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(events.Event{
		Kind: events.KindAgentChange,
		At:   s.clk.Now(),
		Payload: map[string]any{
			"agent_id": agentID, "slot": slot, "change": change,
		},
	})
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
