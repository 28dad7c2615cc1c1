// Package config loads layered configuration: defaults, optional YAML
// file, then COLONY_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"colony/internal/domain/task"
)

// Config is the full runtime configuration tree.
type Config struct {
	Planners PoolConfig   `mapstructure:"planners"`
	Workers  PoolConfig   `mapstructure:"workers"`
	Judges   PoolConfig   `mapstructure:"judges"`
	Models   ModelsConfig `mapstructure:"models"`
	Cycle    CycleConfig  `mapstructure:"cycle"`
	Task     TaskConfig   `mapstructure:"task"`
	Heartbeat struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"heartbeat"`
	Agent struct {
		ErrorBudget int `mapstructure:"error_budget"`
	} `mapstructure:"agent"`
	Backoff struct {
		Initial time.Duration `mapstructure:"initial"`
		Max     time.Duration `mapstructure:"max"`
	} `mapstructure:"backoff"`
	Repo struct {
		Root       string `mapstructure:"root"`
		MainBranch string `mapstructure:"main_branch"`
	} `mapstructure:"repo"`
	Poll struct {
		Idle       time.Duration `mapstructure:"idle"`
		Planner    time.Duration `mapstructure:"planner"`
		Quiescence time.Duration `mapstructure:"quiescence"`
	} `mapstructure:"poll"`
	Server struct {
		Addr       string `mapstructure:"addr"`
		EnableCORS bool   `mapstructure:"enable_cors"`
	} `mapstructure:"server"`
	LLM struct {
		BaseURL     string        `mapstructure:"base_url"`
		APIKey      string        `mapstructure:"api_key"`
		Timeout     time.Duration `mapstructure:"timeout"`
		MaxInflight int64         `mapstructure:"max_inflight"`
	} `mapstructure:"llm"`
	Planner struct {
		Goal       string `mapstructure:"goal"`
		PromptPath string `mapstructure:"prompt_path"`
	} `mapstructure:"planner"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Otel struct {
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"otel"`
}

// PoolConfig sizes one agent pool.
type PoolConfig struct {
	Count int `mapstructure:"count"`
}

// ModelsConfig names the model per role.
type ModelsConfig struct {
	Planner string `mapstructure:"planner"`
	Worker  string `mapstructure:"worker"`
	Judge   string `mapstructure:"judge"`
}

// CycleConfig bounds the controller's windows.
type CycleConfig struct {
	PlanningWindow  time.Duration `mapstructure:"planning_window"`
	ExecutionWindow time.Duration `mapstructure:"execution_window"`
	JudgeTimeout    time.Duration `mapstructure:"judge_timeout"`
}

// TaskConfig holds retry and timeout settings.
type TaskConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	Timeout     struct {
		Low    time.Duration `mapstructure:"low"`
		Medium time.Duration `mapstructure:"medium"`
		High   time.Duration `mapstructure:"high"`
	} `mapstructure:"timeout"`
}

// TimeoutFor returns the configured budget for a complexity, falling
// back to the canonical defaults.
func (t TaskConfig) TimeoutFor(c task.Complexity) time.Duration {
	switch c {
	case task.ComplexityLow:
		if t.Timeout.Low > 0 {
			return t.Timeout.Low
		}
	case task.ComplexityHigh:
		if t.Timeout.High > 0 {
			return t.Timeout.High
		}
	default:
		if t.Timeout.Medium > 0 {
			return t.Timeout.Medium
		}
	}
	return c.DefaultTimeout()
}

// Load reads configuration from path (optional) with environment
// overrides (COLONY_CYCLE_PLANNING_WINDOW and so on).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COLONY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("planners.count", 1)
	v.SetDefault("workers.count", 3)
	v.SetDefault("judges.count", 1)
	v.SetDefault("models.planner", "gpt-4o")
	v.SetDefault("models.worker", "gpt-4o")
	v.SetDefault("models.judge", "gpt-4o")
	v.SetDefault("cycle.planning_window", 2*time.Minute)
	v.SetDefault("cycle.execution_window", 30*time.Minute)
	v.SetDefault("cycle.judge_timeout", 5*time.Minute)
	v.SetDefault("task.max_attempts", 3)
	v.SetDefault("task.timeout.low", 30*time.Minute)
	v.SetDefault("task.timeout.medium", 2*time.Hour)
	v.SetDefault("task.timeout.high", 8*time.Hour)
	v.SetDefault("heartbeat.interval", 10*time.Second)
	v.SetDefault("heartbeat.timeout", time.Minute)
	v.SetDefault("agent.error_budget", 5)
	v.SetDefault("backoff.initial", time.Second)
	v.SetDefault("backoff.max", 2*time.Minute)
	v.SetDefault("repo.root", ".")
	v.SetDefault("repo.main_branch", "main")
	v.SetDefault("poll.idle", 2*time.Second)
	v.SetDefault("poll.planner", 15*time.Second)
	v.SetDefault("poll.quiescence", 5*time.Second)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.enable_cors", true)
	v.SetDefault("llm.max_inflight", 8)
	v.SetDefault("log.level", "info")
}

// Validate rejects configurations the runtime cannot operate with.
func (c *Config) Validate() error {
	if c.Workers.Count < 1 {
		return fmt.Errorf("config: workers.count must be at least 1")
	}
	if c.Planners.Count < 1 {
		return fmt.Errorf("config: planners.count must be at least 1")
	}
	if c.Judges.Count != 1 {
		return fmt.Errorf("config: judges.count must be exactly 1")
	}
	if c.Task.MaxAttempts < 1 {
		return fmt.Errorf("config: task.max_attempts must be at least 1")
	}
	if c.Cycle.PlanningWindow <= 0 || c.Cycle.ExecutionWindow <= 0 || c.Cycle.JudgeTimeout <= 0 {
		return fmt.Errorf("config: cycle windows must be positive")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("config: heartbeat.timeout must exceed heartbeat.interval")
	}
	if c.Repo.Root == "" || c.Repo.MainBranch == "" {
		return fmt.Errorf("config: repo.root and repo.main_branch are required")
	}
	return nil
}
