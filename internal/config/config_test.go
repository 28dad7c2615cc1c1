package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colony/internal/domain/task"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers.Count)
	assert.Equal(t, 1, cfg.Judges.Count)
	assert.Equal(t, 2*time.Minute, cfg.Cycle.PlanningWindow)
	assert.Equal(t, 3, cfg.Task.MaxAttempts)
	assert.Equal(t, "main", cfg.Repo.MainBranch)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colony.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers:
  count: 5
cycle:
  planning_window: 90s
models:
  worker: claude-sonnet
task:
  timeout:
    low: 10m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers.Count)
	assert.Equal(t, 90*time.Second, cfg.Cycle.PlanningWindow)
	assert.Equal(t, "claude-sonnet", cfg.Models.Worker)
	assert.Equal(t, 10*time.Minute, cfg.Task.TimeoutFor(task.ComplexityLow))
	assert.Equal(t, 2*time.Hour, cfg.Task.TimeoutFor(task.ComplexityMedium), "unset keys keep defaults")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("COLONY_WORKERS_COUNT", "7")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers.Count)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	mutations := []func(*Config){
		func(c *Config) { c.Workers.Count = 0 },
		func(c *Config) { c.Planners.Count = 0 },
		func(c *Config) { c.Judges.Count = 2 },
		func(c *Config) { c.Task.MaxAttempts = 0 },
		func(c *Config) { c.Cycle.JudgeTimeout = 0 },
		func(c *Config) { c.Heartbeat.Timeout = c.Heartbeat.Interval },
		func(c *Config) { c.Repo.MainBranch = "" },
	}
	for i, mutate := range mutations {
		cfg, err := Load("")
		require.NoError(t, err)
		mutate(cfg)
		assert.Error(t, cfg.Validate(), "mutation %d must fail validation", i)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
