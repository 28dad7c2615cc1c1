// Package planner implements the task proposal runtime: survey the
// repository, consult the last verdict, and admit validated task drafts.
package planner

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"colony/internal/clock"
	"colony/internal/domain/agent"
	"colony/internal/domain/cycle"
	"colony/internal/domain/task"
	"colony/internal/events"
	"colony/internal/llm"
	"colony/internal/logging"
	"colony/internal/sandbox"
)

// Config tunes a planner runtime.
type Config struct {
	ModelRef string
	// Goal is the standing objective fed into every planning prompt.
	Goal string
	// PromptPath points at the YAML prompt template. Empty uses the
	// built-in template.
	PromptPath string
	// MaxProposals caps how many drafts one planning pass may admit.
	MaxProposals int
	// TreeTokenBudget bounds the repository snapshot in the prompt.
	TreeTokenBudget int
	Params          llm.Params
}

func (c *Config) applyDefaults() {
	if c.MaxProposals <= 0 {
		c.MaxProposals = 20
	}
	if c.TreeTokenBudget <= 0 {
		c.TreeTokenBudget = 2000
	}
}

// Runtime runs one planner agent.
type Runtime struct {
	id     string
	cfg    Config
	prompt *promptTemplate
	tasks  task.Store
	agents agent.Store
	cycles cycle.Store
	model  llm.Client
	box    *sandbox.Sandbox
	clk    clock.Clock
	hub    *events.Hub
	logger logging.Logger
}

// New creates a planner runtime. The prompt template is loaded eagerly
// so a bad template path fails at startup, not mid-cycle.
func New(agentID string, cfg Config, tasks task.Store, agents agent.Store, cycles cycle.Store, model llm.Client, box *sandbox.Sandbox, clk clock.Clock, hub *events.Hub, logger logging.Logger) (*Runtime, error) {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	prompt, err := loadPromptTemplate(cfg.PromptPath)
	if err != nil {
		return nil, fmt.Errorf("planner prompt: %w", err)
	}
	return &Runtime{
		id:     agentID,
		cfg:    cfg,
		prompt: prompt,
		tasks:  tasks,
		agents: agents,
		cycles: cycles,
		model:  model,
		box:    box,
		clk:    clk,
		hub:    hub,
		logger: logging.OrNop(logger),
	}, nil
}

// ID returns the planner's agent id.
func (r *Runtime) ID() string {
	return r.id
}

// proposal is one model-suggested task before validation.
type proposal struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AffectedPaths      []string `json:"affected_paths,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Priority           int      `json:"priority"`
	Complexity         string   `json:"complexity"`
	Tags               []string `json:"tags,omitempty"`
}

type proposalBatch struct {
	Tasks []proposal `json:"tasks"`
}

// PlanOnce runs one planning pass for cycleID and returns how many
// drafts were admitted. Malformed proposals are discarded individually;
// the batch continues (never all-or-nothing).
func (r *Runtime) PlanOnce(ctx context.Context, cycleID string) (int, error) {
	if err := r.agents.RecordHeartbeat(ctx, r.id, r.clk.Now()); err != nil {
		r.logger.Warn("planner %s: heartbeat: %v", r.id, err)
	}

	promptText, err := r.buildPrompt(ctx, cycleID)
	if err != nil {
		return 0, err
	}

	resp, err := r.model.Generate(ctx, llm.Request{
		Role:     string(agent.RolePlanner),
		ModelRef: r.cfg.ModelRef,
		System:   r.prompt.System,
		Prompt:   promptText,
		Params:   r.cfg.Params,
	})
	if err != nil {
		return 0, fmt.Errorf("planner model call: %w", err)
	}

	var batch proposalBatch
	if err := llm.DecodeJSON(resp.Content, &batch); err != nil {
		return 0, fmt.Errorf("parse proposals: %w", err)
	}

	admitted := 0
	for i, p := range batch.Tasks {
		if admitted >= r.cfg.MaxProposals {
			r.logger.Warn("planner %s: proposal cap %d reached, dropping remainder", r.id, r.cfg.MaxProposals)
			break
		}
		draft := task.Draft{
			Title:              p.Title,
			Description:        p.Description,
			AffectedPaths:      p.AffectedPaths,
			AcceptanceCriteria: p.AcceptanceCriteria,
			Priority:           p.Priority,
			Complexity:         task.Complexity(strings.ToLower(strings.TrimSpace(p.Complexity))),
			Tags:               p.Tags,
		}
		created, err := r.tasks.CreateTask(ctx, draft, r.id, cycleID)
		if err != nil {
			r.logger.Warn("planner %s: proposal %d discarded: %v", r.id, i, err)
			continue
		}
		admitted++
		r.publish(events.KindTaskTransition, map[string]any{
			"task_id": created.TaskID, "status": string(task.StatusPending),
			"cycle_id": cycleID, "title": created.Title,
		})
	}
	r.logger.Info("planner %s: cycle %s admitted %d of %d proposals", r.id, cycleID, admitted, len(batch.Tasks))
	return admitted, nil
}

// buildPrompt renders the user prompt with the repository snapshot and
// the previous cycle's outcome.
func (r *Runtime) buildPrompt(ctx context.Context, cycleID string) (string, error) {
	tree, err := r.repoTree(ctx)
	if err != nil {
		r.logger.Warn("planner %s: repo snapshot: %v", r.id, err)
		tree = "(unavailable)"
	}
	return r.prompt.render(promptData{
		Goal:        r.cfg.Goal,
		RepoTree:    llm.TruncateToTokens(tree, r.cfg.TreeTokenBudget),
		LastVerdict: r.lastVerdictSummary(ctx, cycleID),
	})
}

// repoTree renders a two-level directory listing of the sandbox root.
func (r *Runtime) repoTree(ctx context.Context) (string, error) {
	var sb strings.Builder
	entries, err := r.box.ListDir(ctx, ".")
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name, ".") {
			continue
		}
		if !e.IsDir {
			fmt.Fprintf(&sb, "%s\n", e.Name)
			continue
		}
		fmt.Fprintf(&sb, "%s/\n", e.Name)
		children, err := r.box.ListDir(ctx, e.Name)
		if err != nil {
			continue
		}
		for _, c := range children {
			suffix := ""
			if c.IsDir {
				suffix = "/"
			}
			fmt.Fprintf(&sb, "  %s%s\n", c.Name, suffix)
		}
	}
	return sb.String(), nil
}

// lastVerdictSummary describes the most recent closed cycle's verdict
// and its failed tasks, or reports a cold start.
func (r *Runtime) lastVerdictSummary(ctx context.Context, currentCycleID string) string {
	current, err := r.cycles.GetCycle(ctx, currentCycleID)
	if err != nil || current == nil {
		return "first cycle, no prior verdict"
	}
	// Cycles carry notes written by the controller when they close; the
	// freshest signal is the previous verdict, found via the task store.
	prevTasks, err := r.tasks.ListTasksByStatus(ctx, task.StatusFailed, task.StatusAbandoned)
	if err != nil || len(prevTasks) == 0 {
		return "no outstanding failures from earlier cycles"
	}
	var sb strings.Builder
	sb.WriteString("unresolved failures from earlier cycles:\n")
	for _, t := range prevTasks {
		reason := ""
		if len(t.Diagnostics) > 0 {
			reason = t.Diagnostics[len(t.Diagnostics)-1].Reason
		}
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", t.Status, t.Title, reason)
	}
	return sb.String()
}

func (r *Runtime) publish(kind events.Kind, payload map[string]any) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(events.Event{Kind: kind, At: r.clk.Now(), Payload: payload})
}

// promptData feeds the user prompt template.
type promptData struct {
	Goal        string
	RepoTree    string
	LastVerdict string
}

type promptTemplate struct {
	System string
	user   *template.Template
}

func (p *promptTemplate) render(data promptData) (string, error) {
	var sb strings.Builder
	if err := p.user.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render planner prompt: %w", err)
	}
	return sb.String(), nil
}
