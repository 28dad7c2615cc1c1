// Package worker implements the task execution runtime: claim, branch,
// edit, verify, commit.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"colony/internal/clock"
	"colony/internal/diff"
	"colony/internal/domain/agent"
	"colony/internal/domain/task"
	"colony/internal/events"
	"colony/internal/llm"
	"colony/internal/logging"
	"colony/internal/sandbox"
	"colony/internal/vcs"
)

// Config tunes a worker runtime.
type Config struct {
	ModelRef string
	// Mainline is the branch feature branches fork from.
	Mainline string
	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration
	// HeartbeatInterval is the liveness reporting period.
	HeartbeatInterval time.Duration
	// TimeoutFor maps a task's complexity to its execution budget.
	TimeoutFor func(task.Complexity) time.Duration
	// RepoLock serializes working-tree access. All workers sharing one
	// checkout must share this lock: the branch/edit/verify/commit
	// sequence assumes nobody else touches the tree mid-flight.
	RepoLock *sync.Mutex
	// Params tunes model calls.
	Params llm.Params
}

func (c *Config) applyDefaults() {
	if c.Mainline == "" {
		c.Mainline = "main"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.TimeoutFor == nil {
		c.TimeoutFor = func(complexity task.Complexity) time.Duration {
			return complexity.DefaultTimeout()
		}
	}
	if c.RepoLock == nil {
		c.RepoLock = &sync.Mutex{}
	}
}

// Runtime runs one worker agent. A runtime holds at most one claimed
// task at a time.
type Runtime struct {
	id      string
	cfg     Config
	tasks   task.Store
	agents  agent.Store
	model   llm.Client
	box     *sandbox.Sandbox
	git     *vcs.Git
	clk     clock.Clock
	hub     *events.Hub
	logger  logging.Logger
}

// New creates a worker runtime. The agent record must already be
// registered under agentID.
func New(agentID string, cfg Config, tasks task.Store, agents agent.Store, model llm.Client, box *sandbox.Sandbox, git *vcs.Git, clk clock.Clock, hub *events.Hub, logger logging.Logger) *Runtime {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Runtime{
		id:     agentID,
		cfg:    cfg,
		tasks:  tasks,
		agents: agents,
		model:  model,
		box:    box,
		git:    git,
		clk:    clk,
		hub:    hub,
		logger: logging.OrNop(logger),
	}
}

// ID returns the worker's agent id.
func (r *Runtime) ID() string {
	return r.id
}

// Run executes the claim loop until ctx is canceled. Heartbeats are
// emitted on their own ticker so a long model call never makes the
// worker look dead.
func (r *Runtime) Run(ctx context.Context) error {
	stopBeats := r.startHeartbeats(ctx)
	defer stopBeats()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Warn("worker %s: %v", r.id, err)
		}
		if !worked {
			r.sleep(ctx, r.cfg.PollInterval)
		}
	}
}

// RunOnce claims and executes at most one task. It reports whether a
// task was claimed; attempt failures are recorded against the task and
// returned for logging.
func (r *Runtime) RunOnce(ctx context.Context) (bool, error) {
	claimed, err := r.tasks.ClaimNextTask(ctx, r.id)
	if err != nil {
		r.noteError(ctx)
		return false, fmt.Errorf("claim: %w", err)
	}
	if claimed == nil {
		return false, nil
	}

	r.setWorking(ctx, claimed.TaskID)
	defer r.setIdle(ctx)
	if err := r.execute(ctx, claimed); err != nil {
		r.noteError(ctx)
		return true, fmt.Errorf("task %s attempt ended: %w", claimed.TaskID, err)
	}
	r.noteSuccess(ctx)
	return true, nil
}

// execute runs one claimed task end to end under its complexity budget.
// The repo lock is held for the whole branch/edit/verify/commit
// sequence so concurrent workers never mix their changes into each
// other's commits.
func (r *Runtime) execute(ctx context.Context, t *task.Task) error {
	r.cfg.RepoLock.Lock()
	defer r.cfg.RepoLock.Unlock()

	budget := r.cfg.TimeoutFor(t.Complexity)
	taskCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if err := r.tasks.MarkRunning(taskCtx, t.TaskID, r.id); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	branch := task.BranchNameFor(t.TaskID)
	if err := r.git.Checkout(taskCtx, r.cfg.Mainline); err != nil {
		return r.fail(ctx, t, fmt.Sprintf("checkout mainline: %v", err))
	}
	if err := r.git.CreateBranch(taskCtx, branch); err != nil {
		return r.fail(ctx, t, fmt.Sprintf("create branch: %v", err))
	}

	plan, err := r.plan(taskCtx, t)
	if err != nil {
		r.abortBranch(ctx)
		return r.fail(ctx, t, fmt.Sprintf("plan change: %v", err))
	}

	preview, err := r.apply(taskCtx, plan)
	if err != nil {
		r.abortBranch(ctx)
		return r.fail(ctx, t, fmt.Sprintf("apply change: %v", err))
	}

	if plan.Verify != "" {
		res, err := r.box.Execute(taskCtx, plan.Verify, "", remaining(taskCtx))
		if err != nil {
			r.abortBranch(ctx)
			return r.fail(ctx, t, fmt.Sprintf("run verification: %v", err))
		}
		if res.TimedOut {
			r.abortBranch(ctx)
			return r.fail(ctx, t, "verification timed out")
		}
		if res.ExitCode != 0 {
			r.abortBranch(ctx)
			return r.fail(ctx, t, verifyFailure(res))
		}
	}

	if err := r.git.StageAll(taskCtx); err != nil {
		r.abortBranch(ctx)
		return r.fail(ctx, t, fmt.Sprintf("stage changes: %v", err))
	}
	commitID, err := r.git.Commit(taskCtx, fmt.Sprintf("task %s: %s", t.TaskID, t.Title))
	if err != nil {
		r.abortBranch(ctx)
		return r.fail(ctx, t, fmt.Sprintf("commit: %v", err))
	}

	if err := r.tasks.RecordCompletion(ctx, t.TaskID, r.id, branch, commitID); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	r.publish(events.KindTaskTransition, map[string]any{
		"task_id": t.TaskID, "status": string(task.StatusCompleted),
		"worker_id": r.id, "branch": branch, "commit": commitID,
		"diff_summary": preview,
	})
	r.logger.Info("worker %s: task %s completed on %s (%s)", r.id, t.TaskID, branch, commitID[:min(8, len(commitID))])
	return nil
}

// changePlan is the model's structured answer for one task.
type changePlan struct {
	Summary string       `json:"summary"`
	Files   []plannedFile `json:"files"`
	Verify  string       `json:"verify,omitempty"`
}

type plannedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// plan asks the model for the file edits satisfying the task.
func (r *Runtime) plan(ctx context.Context, t *task.Task) (*changePlan, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n\n%s\n\nAcceptance criteria:\n", t.Title, t.Description)
	for _, c := range t.AcceptanceCriteria {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	if len(t.AffectedPaths) > 0 {
		sb.WriteString("\nRelevant files:\n")
		for _, p := range t.AffectedPaths {
			data, err := r.box.ReadFile(ctx, p)
			if err != nil {
				fmt.Fprintf(&sb, "--- %s (missing) ---\n", p)
				continue
			}
			fmt.Fprintf(&sb, "--- %s ---\n%s\n", p, llm.TruncateToTokens(string(data), 4000))
		}
	}
	sb.WriteString("\nRespond with JSON: {\"summary\": string, \"files\": [{\"path\": string, \"content\": string}], \"verify\": string}")

	resp, err := r.model.Generate(ctx, llm.Request{
		Role:     string(agent.RoleWorker),
		ModelRef: r.cfg.ModelRef,
		System:   "You implement one development task at a time. Output complete file contents, never fragments.",
		Prompt:   sb.String(),
		Params:   r.cfg.Params,
	})
	if err != nil {
		return nil, err
	}

	var plan changePlan
	if err := llm.DecodeJSON(resp.Content, &plan); err != nil {
		return nil, err
	}
	if len(plan.Files) == 0 {
		return nil, fmt.Errorf("plan contains no file edits")
	}
	return &plan, nil
}

// apply writes the planned files through the sandbox and returns a diff
// summary for diagnostics.
func (r *Runtime) apply(ctx context.Context, plan *changePlan) (string, error) {
	var summaries []string
	for _, f := range plan.Files {
		old, _ := r.box.ReadFile(ctx, f.Path)
		if err := r.box.WriteFile(ctx, f.Path, []byte(f.Content)); err != nil {
			return "", fmt.Errorf("write %s: %w", f.Path, err)
		}
		res := diff.Unified(string(old), f.Content, f.Path)
		summaries = append(summaries, res.Summary())
	}
	return strings.Join(summaries, "; "), nil
}

// fail records the failure and resets the work tree to the mainline.
// The parent ctx (not the task budget ctx) is used so bookkeeping still
// lands after a timeout.
func (r *Runtime) fail(ctx context.Context, t *task.Task, reason string) error {
	if err := r.tasks.RecordFailure(ctx, t.TaskID, r.id, reason); err != nil {
		r.logger.Error("worker %s: record failure for %s: %v", r.id, t.TaskID, err)
	}
	r.publish(events.KindTaskTransition, map[string]any{
		"task_id": t.TaskID, "status": string(task.StatusFailed),
		"worker_id": r.id, "reason": reason,
	})
	return fmt.Errorf("%s", reason)
}

// abortBranch discards partial work and returns to the mainline.
func (r *Runtime) abortBranch(ctx context.Context) {
	if err := r.git.ResetWorkingTree(ctx); err != nil {
		r.logger.Error("worker %s: reset working tree: %v", r.id, err)
	}
	if err := r.git.Checkout(ctx, r.cfg.Mainline); err != nil {
		r.logger.Error("worker %s: checkout %s: %v", r.id, r.cfg.Mainline, err)
	}
}

func (r *Runtime) startHeartbeats(ctx context.Context) func() {
	beatCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				if err := r.agents.RecordHeartbeat(beatCtx, r.id, r.clk.Now()); err != nil {
					r.logger.Warn("worker %s: heartbeat: %v", r.id, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runtime) setWorking(ctx context.Context, taskID string) {
	_, err := r.agents.UpdateAgent(ctx, r.id, func(a *agent.Agent) error {
		a.Status = agent.StatusWorking
		a.CurrentTaskID = taskID
		return nil
	})
	if err != nil {
		r.logger.Warn("worker %s: update roster: %v", r.id, err)
	}
}

func (r *Runtime) setIdle(ctx context.Context) {
	_, err := r.agents.UpdateAgent(ctx, r.id, func(a *agent.Agent) error {
		a.Status = agent.StatusIdle
		a.CurrentTaskID = ""
		return nil
	})
	if err != nil {
		r.logger.Warn("worker %s: update roster: %v", r.id, err)
	}
}

func (r *Runtime) noteSuccess(ctx context.Context) {
	_, _ = r.agents.UpdateAgent(ctx, r.id, func(a *agent.Agent) error {
		a.TasksCompleted++
		a.ConsecutiveErrors = 0
		return nil
	})
}

func (r *Runtime) noteError(ctx context.Context) {
	_, _ = r.agents.UpdateAgent(ctx, r.id, func(a *agent.Agent) error {
		a.ConsecutiveErrors++
		return nil
	})
}

func (r *Runtime) publish(kind events.Kind, payload map[string]any) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(events.Event{Kind: kind, At: r.clk.Now(), Payload: payload})
}

func (r *Runtime) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(deadline)
}

func verifyFailure(res *sandbox.ExecResult) string {
	detail := strings.TrimSpace(res.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(res.Stdout)
	}
	if len(detail) > 2000 {
		detail = detail[:2000]
	}
	return fmt.Sprintf("verification exited %d: %s", res.ExitCode, detail)
}
