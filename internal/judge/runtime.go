// Package judge implements the cycle review runtime: examine what a
// cycle produced and decide whether the system continues, pauses or
// halts.
package judge

import (
	"context"
	"fmt"
	"strings"

	"colony/internal/clock"
	"colony/internal/domain/agent"
	"colony/internal/domain/cycle"
	"colony/internal/domain/task"
	"colony/internal/llm"
	"colony/internal/logging"
)

// MetricsSource supplies an opaque metric bag for the verdict prompt.
// Implementations may sample build health, test coverage, queue depth —
// the judge treats the bag as evidence, not schema.
type MetricsSource interface {
	Gather(ctx context.Context, cycleID string) (map[string]any, error)
}

// MetricsFunc adapts a function to MetricsSource.
type MetricsFunc func(ctx context.Context, cycleID string) (map[string]any, error)

func (f MetricsFunc) Gather(ctx context.Context, cycleID string) (map[string]any, error) {
	return f(ctx, cycleID)
}

// Config tunes a judge runtime.
type Config struct {
	ModelRef string
	Params   llm.Params
}

// Runtime runs one judge agent.
type Runtime struct {
	id      string
	cfg     Config
	tasks   task.Store
	agents  agent.Store
	cycles  cycle.Store
	model   llm.Client
	metrics MetricsSource
	clk     clock.Clock
	logger  logging.Logger
}

// New creates a judge runtime. metrics may be nil.
func New(agentID string, cfg Config, tasks task.Store, agents agent.Store, cycles cycle.Store, model llm.Client, metrics MetricsSource, clk clock.Clock, logger logging.Logger) *Runtime {
	if clk == nil {
		clk = clock.Real()
	}
	return &Runtime{
		id:      agentID,
		cfg:     cfg,
		tasks:   tasks,
		agents:  agents,
		cycles:  cycles,
		model:   model,
		metrics: metrics,
		clk:     clk,
		logger:  logging.OrNop(logger),
	}
}

// ID returns the judge's agent id.
func (r *Runtime) ID() string {
	return r.id
}

// modelVerdict is the shape the model is asked to produce.
type modelVerdict struct {
	Decision  string `json:"decision"`
	Reviewed  int    `json:"reviewed"`
	Approved  int    `json:"approved"`
	Rejected  int    `json:"rejected"`
	Reasoning string `json:"reasoning"`
}

// Judge reviews one cycle and returns a verdict for the controller to
// persist. A malformed or inconsistent model answer degrades to a pause
// verdict; only infrastructure failures surface as errors.
func (r *Runtime) Judge(ctx context.Context, cycleID string) (*cycle.Verdict, error) {
	if err := r.agents.RecordHeartbeat(ctx, r.id, r.clk.Now()); err != nil {
		r.logger.Warn("judge %s: heartbeat: %v", r.id, err)
	}

	tasks, err := r.tasks.ListTasksByCycle(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("load cycle tasks: %w", err)
	}
	completed, failed, abandoned, open := partition(tasks)

	bag := map[string]any{}
	if r.metrics != nil {
		if gathered, err := r.metrics.Gather(ctx, cycleID); err != nil {
			r.logger.Warn("judge %s: metrics unavailable: %v", r.id, err)
		} else {
			bag = gathered
		}
	}

	resp, err := r.model.Generate(ctx, llm.Request{
		Role:     string(agent.RoleJudge),
		ModelRef: r.cfg.ModelRef,
		System: "You review one development cycle and decide: continue, pause, or halt. " +
			"Pause when quality is uncertain; halt only on systemic damage.",
		Prompt: r.buildPrompt(cycleID, completed, failed, abandoned, open, bag),
		Params: r.cfg.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("judge model call: %w", err)
	}

	reviewed := len(completed) + len(failed) + len(abandoned)
	verdict := r.parseVerdict(resp.Content, reviewed)
	verdict.CycleID = cycleID
	verdict.Metrics = bag
	return verdict, nil
}

// parseVerdict validates the model answer and falls back to pause on
// anything malformed or inconsistent.
func (r *Runtime) parseVerdict(raw string, reviewed int) *cycle.Verdict {
	pause := func(anomaly string) *cycle.Verdict {
		r.logger.Warn("judge %s: verdict anomaly, defaulting to pause: %s", r.id, anomaly)
		return &cycle.Verdict{
			Decision:  cycle.DecisionPause,
			Reviewed:  reviewed,
			Reasoning: "verdict anomaly: " + anomaly,
		}
	}

	var mv modelVerdict
	if err := llm.DecodeJSON(raw, &mv); err != nil {
		return pause(err.Error())
	}
	decision := cycle.Decision(strings.ToLower(strings.TrimSpace(mv.Decision)))
	if !decision.IsValid() {
		return pause(fmt.Sprintf("unknown decision %q", mv.Decision))
	}
	if mv.Approved < 0 || mv.Rejected < 0 || mv.Approved+mv.Rejected > mv.Reviewed {
		return pause(fmt.Sprintf("inconsistent counts reviewed=%d approved=%d rejected=%d", mv.Reviewed, mv.Approved, mv.Rejected))
	}
	if mv.Reviewed != reviewed {
		return pause(fmt.Sprintf("reviewed count %d does not match cycle's %d", mv.Reviewed, reviewed))
	}
	return &cycle.Verdict{
		Decision:  decision,
		Reviewed:  mv.Reviewed,
		Approved:  mv.Approved,
		Rejected:  mv.Rejected,
		Reasoning: mv.Reasoning,
	}
}

func (r *Runtime) buildPrompt(cycleID string, completed, failed, abandoned, open []*task.Task, bag map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Cycle %s results:\n", cycleID)
	writeSection(&sb, "Completed", completed, func(t *task.Task) string {
		return fmt.Sprintf("branch %s commit %s", t.BranchName, t.CommitID)
	})
	writeSection(&sb, "Failed", failed, lastDiagnostic)
	writeSection(&sb, "Abandoned", abandoned, lastDiagnostic)
	writeSection(&sb, "Still open", open, func(t *task.Task) string {
		return string(t.Status)
	})

	if len(bag) > 0 {
		sb.WriteString("\nMetrics:\n")
		for k, v := range bag {
			fmt.Fprintf(&sb, "- %s: %v\n", k, v)
		}
	}
	reviewed := len(completed) + len(failed) + len(abandoned)
	fmt.Fprintf(&sb, "\nReview the %d finished tasks. Respond with JSON: "+
		`{"decision": "continue"|"pause"|"halt", "reviewed": %d, "approved": int, "rejected": int, "reasoning": string}`,
		reviewed, reviewed)
	return sb.String()
}

func writeSection(sb *strings.Builder, label string, tasks []*task.Task, detail func(*task.Task) string) {
	fmt.Fprintf(sb, "\n%s (%d):\n", label, len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(sb, "- %s: %s (%s)\n", t.TaskID, t.Title, detail(t))
	}
}

func lastDiagnostic(t *task.Task) string {
	if len(t.Diagnostics) == 0 {
		return "no diagnostics"
	}
	return t.Diagnostics[len(t.Diagnostics)-1].Reason
}

func partition(tasks []*task.Task) (completed, failed, abandoned, open []*task.Task) {
	for _, t := range tasks {
		switch t.Status {
		case task.StatusCompleted:
			completed = append(completed, t)
		case task.StatusFailed:
			failed = append(failed, t)
		case task.StatusAbandoned:
			abandoned = append(abandoned, t)
		default:
			open = append(open, t)
		}
	}
	return completed, failed, abandoned, open
}
