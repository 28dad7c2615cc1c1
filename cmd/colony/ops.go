package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"colony/internal/domain/agent"
	"colony/internal/domain/cycle"
	"colony/internal/domain/task"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var opsClient = &http.Client{Timeout: 10 * time.Second}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator state, current cycle, queue and roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd)
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Request a pause after the current cycle closes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				State string `json:"state"`
			}
			if err := opsPost("/api/pause", &resp); err != nil {
				return err
			}
			cmd.Printf("%s pause requested (orchestrator %s)\n", yellow("●"), resp.State)
			return nil
		},
	}
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Request a new cycle, resuming a parked orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				State string `json:"state"`
			}
			if err := opsPost("/api/cycles", &resp); err != nil {
				return err
			}
			cmd.Printf("%s cycle requested (orchestrator %s)\n", green("●"), resp.State)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command) error {
	var health struct {
		Status string `json:"status"`
		State  string `json:"state"`
	}
	if err := opsGet("/api/health", &health); err != nil {
		return fmt.Errorf("control server unreachable at %s: %w", flagAddr, err)
	}
	cmd.Printf("%s orchestrator: %s\n", bold("colony"), stateColor(health.State))

	var current cycle.Cycle
	switch err := opsGet("/api/cycles/current", &current); {
	case err == nil:
		line := fmt.Sprintf("cycle %s  phase=%s  created=%d  completed=%d",
			current.CycleID, current.Phase, current.TasksCreated, current.TasksCompleted)
		if current.VerdictID != "" {
			line += "  verdict=" + current.VerdictID
		}
		cmd.Println(cyan(line))
	case isNotFound(err):
		cmd.Println(gray("no cycle opened yet"))
	default:
		return err
	}

	var queue struct {
		Depth   int          `json:"depth"`
		Pending []*task.Task `json:"pending"`
	}
	if err := opsGet("/api/queue", &queue); err != nil {
		return err
	}
	cmd.Printf("queue: %d pending\n", queue.Depth)
	for _, t := range queue.Pending {
		cmd.Printf("  %s p%d %s %s\n", gray(t.TaskID), t.Priority, t.Complexity, t.Title)
	}

	var roster struct {
		Agents []*agent.Agent `json:"agents"`
	}
	if err := opsGet("/api/agents", &roster); err != nil {
		return err
	}
	cmd.Printf("agents: %d\n", len(roster.Agents))
	for _, a := range roster.Agents {
		line := fmt.Sprintf("  %s %-7s %s", a.AgentID, a.Role, agentStatusColor(a.Status))
		if a.CurrentTaskID != "" {
			line += "  task=" + a.CurrentTaskID
		}
		cmd.Println(line)
	}
	return nil
}

func stateColor(state string) string {
	switch state {
	case "executing", "planning", "judging":
		return green(state)
	case "parked":
		return yellow(state)
	default:
		return gray(state)
	}
}

func agentStatusColor(s agent.Status) string {
	switch s {
	case agent.StatusWorking:
		return green(string(s))
	case agent.StatusError:
		return red(string(s))
	case agent.StatusStopped, agent.StatusStopping:
		return gray(string(s))
	default:
		return yellow(string(s))
	}
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*httpStatusError)
	return ok && se.code == http.StatusNotFound
}

func opsGet(path string, out any) error {
	resp, err := opsClient.Get(strings.TrimRight(flagAddr, "/") + path)
	if err != nil {
		return err
	}
	return decodeOps(resp, out)
}

func opsPost(path string, out any) error {
	resp, err := opsClient.Post(strings.TrimRight(flagAddr, "/")+path, "application/json", nil)
	if err != nil {
		return err
	}
	return decodeOps(resp, out)
}

func decodeOps(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		return &httpStatusError{code: resp.StatusCode, body: msg.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
