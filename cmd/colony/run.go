package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"colony/internal/clock"
	"colony/internal/config"
	"colony/internal/domain/agent"
	colonyerrors "colony/internal/errors"
	"colony/internal/events"
	"colony/internal/judge"
	"colony/internal/llm"
	"colony/internal/logging"
	"colony/internal/observability"
	"colony/internal/orchestrator"
	"colony/internal/planner"
	"colony/internal/sandbox"
	"colony/internal/server"
	"colony/internal/store"
	"colony/internal/supervisor"
	"colony/internal/utils/id"
	"colony/internal/vcs"
	"colony/internal/worker"
)

func newRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator, agent pools and control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(cmd.Context(), dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use the mock model instead of a live provider")
	return cmd
}

func runSystem(ctx context.Context, dryRun bool) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	logging.SetDefaultLevel(logging.ParseLevel(cfg.Log.Level))
	logger := logging.NewComponentLogger("colony")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Otel.Endpoint, "colony", logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	clk := clock.Real()
	mem := store.NewMemory(store.Options{
		MaxAttempts: cfg.Task.MaxAttempts,
		Clock:       clk,
		Logger:      logger,
	})
	hub := events.NewHub(logger)
	defer hub.Close()

	box, err := sandbox.New(cfg.Repo.Root, sandbox.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	git := vcs.NewGit(box.Root(), logger)
	if err := git.EnsureRepo(ctx); err != nil {
		return err
	}

	model := buildModel(cfg, dryRun, logger)

	metrics := orchestrator.MustNewMetrics(nil)

	plannerPasses := make([]planner.Pass, 0, cfg.Planners.Count)
	for i := 0; i < cfg.Planners.Count; i++ {
		plannerRT, err := planner.New(id.NewAgentID(), planner.Config{
			ModelRef:   cfg.Models.Planner,
			Goal:       cfg.Planner.Goal,
			PromptPath: cfg.Planner.PromptPath,
		}, mem, mem, mem, model, box, clk, hub, logger)
		if err != nil {
			return err
		}
		if err := mem.RegisterAgent(ctx, &agent.Agent{
			AgentID: plannerRT.ID(), Role: agent.RolePlanner, ModelRef: cfg.Models.Planner,
		}); err != nil {
			return err
		}
		plannerPasses = append(plannerPasses, plannerRT)
	}
	planners := planner.NewGroup(plannerPasses...)

	judgeRT := judge.New(id.NewAgentID(), judge.Config{ModelRef: cfg.Models.Judge},
		mem, mem, mem, model, queueMetrics(mem), clk, logger)
	if err := mem.RegisterAgent(ctx, &agent.Agent{
		AgentID: judgeRT.ID(), Role: agent.RoleJudge, ModelRef: cfg.Models.Judge,
	}); err != nil {
		return err
	}

	controller := orchestrator.New(orchestrator.Config{
		PlanningWindow:  cfg.Cycle.PlanningWindow,
		ExecutionWindow: cfg.Cycle.ExecutionWindow,
		JudgeTimeout:    cfg.Cycle.JudgeTimeout,
		PlannerPoll:     cfg.Poll.Planner,
		QuiescencePoll:  cfg.Poll.Quiescence,
	}, mem, mem, mem, planners, judgeRT, clk, hub, metrics, logger)

	repoLock := &sync.Mutex{}
	sup := supervisor.New(supervisor.Config{
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		BackoffInitial:    cfg.Backoff.Initial,
		BackoffMax:        cfg.Backoff.Max,
		ErrorBudget:       cfg.Agent.ErrorBudget,
		TimeoutFor:        cfg.Task.TimeoutFor,
	}, []supervisor.Pool{
		{
			Role:  agent.RoleWorker,
			Count: cfg.Workers.Count,
			Factory: func(ctx context.Context, slot string) (supervisor.Runner, error) {
				agentID := id.NewAgentID()
				if err := mem.RegisterAgent(ctx, &agent.Agent{
					AgentID: agentID, Role: agent.RoleWorker, ModelRef: cfg.Models.Worker,
				}); err != nil {
					return nil, err
				}
				return worker.New(agentID, worker.Config{
					ModelRef:          cfg.Models.Worker,
					Mainline:          cfg.Repo.MainBranch,
					PollInterval:      cfg.Poll.Idle,
					HeartbeatInterval: cfg.Heartbeat.Interval,
					TimeoutFor:        cfg.Task.TimeoutFor,
					RepoLock:          repoLock,
				}, mem, mem, model, box, git, clk, hub, logger), nil
			},
		},
	}, mem, mem, clk, hub, logger)

	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sup.Stop(); err != nil {
			logger.Warn("supervisor shutdown: %v", err)
		}
	}()

	srv, err := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		EnableCORS: cfg.Server.EnableCORS,
	}, controller, mem, mem, mem, hub, logger)
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("control server: %v", err)
		}
	}()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(drainCtx)
	}()

	logger.Info("colony running: %d workers, repo %s", cfg.Workers.Count, box.Root())
	err = controller.Run(ctx)
	if err == context.Canceled {
		logger.Info("shutting down")
		return nil
	}
	return err
}

// buildModel assembles the model client chain: HTTP provider wrapped in
// retry and a shared concurrency limit, or the deterministic mock for
// dry runs.
func buildModel(cfg *config.Config, dryRun bool, logger logging.Logger) llm.Client {
	if dryRun || cfg.LLM.APIKey == "" {
		if !dryRun {
			logger.Warn("no llm.api_key configured, using the mock model")
		}
		return llm.NewMock()
	}
	base := llm.NewOpenAIClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Timeout: cfg.LLM.Timeout,
	}, logger)
	retried := llm.NewRetryClient(base, colonyerrors.DefaultRetryConfig(), logger)
	return llm.NewLimited(retried, cfg.LLM.MaxInflight)
}

// queueMetrics feeds the judge a small operational metric bag.
func queueMetrics(mem *store.Memory) judge.MetricsSource {
	return judge.MetricsFunc(func(ctx context.Context, cycleID string) (map[string]any, error) {
		depth, err := mem.QueueDepth(ctx)
		if err != nil {
			return nil, err
		}
		roster, err := mem.ListAgents(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"queue_depth": depth,
			"agents":      len(roster),
		}, nil
	})
}
