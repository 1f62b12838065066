// Package config loads and validates the luigi configuration file
// (luigi.yaml or luigi.json) found next to the target repository.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/luigidev/luigi/internal/errdefs"
)

// AgentSpec describes one configured agent.
type AgentSpec struct {
	ID      string            `mapstructure:"id"`
	Command []string          `mapstructure:"command"`
	Env     map[string]string `mapstructure:"env"`
}

// RetryConfig bounds agent invocation retries.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// AssignmentConfig controls the plan-to-executor fan-out.
type AssignmentConfig struct {
	ExecutorsPerPlan int `mapstructure:"executors_per_plan"`
}

// AgentsConfig groups the agent roster and interaction bounds.
type AgentsConfig struct {
	Reviewers              []AgentSpec      `mapstructure:"reviewers"`
	Executors              []AgentSpec      `mapstructure:"executors"`
	Assignment             AssignmentConfig `mapstructure:"assignment"`
	MaxQuestionRounds      int              `mapstructure:"max_question_rounds"`
	MaxClarificationRounds int              `mapstructure:"max_clarification_rounds"`
	Retry                  RetryConfig      `mapstructure:"retry"`
}

// WorkspaceConfig controls workspace provisioning and disposal.
type WorkspaceConfig struct {
	Strategy     string   `mapstructure:"strategy"`
	BranchPrefix string   `mapstructure:"branch_prefix"`
	CopyIgnore   []string `mapstructure:"copy_ignore"`
	Cleanup      string   `mapstructure:"cleanup"`
	CarryForward bool     `mapstructure:"carry_forward"`
}

// TestingConfig controls test-command execution and fallbacks.
type TestingConfig struct {
	TimeoutSec       int      `mapstructure:"timeout_sec"`
	InstallIfMissing bool     `mapstructure:"install_if_missing"`
	InstallCommand   []string `mapstructure:"install_command"`
	UnitCommand      []string `mapstructure:"unit_command"`
	E2ECommand       []string `mapstructure:"e2e_command"`
	MaxOutputChars   int      `mapstructure:"max_output_chars"`
}

// IterationsConfig bounds the orchestration loop.
type IterationsConfig struct {
	// Max of 0 means unlimited.
	Max int `mapstructure:"max"`
}

// PersistenceConfig controls post-approval persistence.
type PersistenceConfig struct {
	AutoMergeOnApproval bool   `mapstructure:"auto_merge_on_approval"`
	TargetBranch        string `mapstructure:"target_branch"`
	// DirtyTarget is "commit" or "abort".
	DirtyTarget string `mapstructure:"dirty_target"`
}

// PromptConfig controls the human prompt channel.
type PromptConfig struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	TimeoutSec     int `mapstructure:"timeout_sec"`
}

// Config is the complete luigi configuration.
type Config struct {
	RepoPath    string            `mapstructure:"repo_path"`
	LogsRoot    string            `mapstructure:"logs_root"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Testing     TestingConfig     `mapstructure:"testing"`
	Iterations  IterationsConfig  `mapstructure:"iterations"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Prompt      PromptConfig      `mapstructure:"prompt"`
	SessionMode bool              `mapstructure:"session_mode"`
}

// PollInterval returns the prompt poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	if c.Prompt.PollIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Prompt.PollIntervalMs) * time.Millisecond
}

// setDefaults registers default values with viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("repo_path", ".")
	v.SetDefault("logs_root", "logs")
	v.SetDefault("agents.assignment.executors_per_plan", 1)
	v.SetDefault("agents.max_question_rounds", 3)
	v.SetDefault("agents.max_clarification_rounds", 3)
	v.SetDefault("agents.retry.max_attempts", 3)
	v.SetDefault("agents.retry.backoff_initial_ms", 500)
	v.SetDefault("agents.retry.backoff_max_ms", 10000)
	v.SetDefault("workspace.strategy", "auto")
	v.SetDefault("workspace.branch_prefix", "luigi")
	v.SetDefault("workspace.cleanup", "on_success")
	v.SetDefault("workspace.carry_forward", true)
	v.SetDefault("testing.timeout_sec", 1800)
	v.SetDefault("testing.install_command", []string{"npm", "install"})
	v.SetDefault("testing.unit_command", []string{"npm", "test"})
	v.SetDefault("testing.e2e_command", []string{"npx", "playwright", "test"})
	v.SetDefault("testing.max_output_chars", 8000)
	v.SetDefault("iterations.max", 0)
	v.SetDefault("persistence.dirty_target", "abort")
	v.SetDefault("prompt.poll_interval_ms", 2000)
}

// Load reads the config file at path, or searches repoPath for luigi.yaml /
// luigi.json when path is empty. A missing file yields defaults.
func Load(path, repoPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	searchDir := repoPath
	if searchDir == "" {
		searchDir = "."
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errdefs.WrapErr(errdefs.ErrConfig, err, "failed to read config file")
		}
	} else {
		v.SetConfigName("luigi")
		v.AddConfigPath(searchDir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errdefs.WrapErr(errdefs.ErrConfig, err, "failed to read config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrConfig, err, "failed to decode config")
	}

	applyRosterDefaults(&cfg)

	if repoPath != "" {
		cfg.RepoPath = repoPath
	}
	if !filepath.IsAbs(cfg.RepoPath) {
		abs, err := filepath.Abs(cfg.RepoPath)
		if err != nil {
			return nil, errdefs.WrapErr(errdefs.ErrConfig, err, "failed to resolve repo path")
		}
		cfg.RepoPath = abs
	}
	if !filepath.IsAbs(cfg.LogsRoot) {
		cfg.LogsRoot = filepath.Join(cfg.RepoPath, cfg.LogsRoot)
	}
	return &cfg, nil
}

// applyRosterDefaults fills in a single default reviewer/executor when the
// config names none, mirroring the zero-config quick start.
func applyRosterDefaults(cfg *Config) {
	if len(cfg.Agents.Reviewers) == 0 {
		cfg.Agents.Reviewers = []AgentSpec{{ID: "reviewer-1", Command: []string{"codex"}}}
	}
	if len(cfg.Agents.Executors) == 0 {
		cfg.Agents.Executors = []AgentSpec{{ID: "executor-1", Command: []string{"claude"}}}
	}
	for i := range cfg.Agents.Reviewers {
		if cfg.Agents.Reviewers[i].ID == "" {
			cfg.Agents.Reviewers[i].ID = fmt.Sprintf("reviewer-%d", i+1)
		}
	}
	for i := range cfg.Agents.Executors {
		if cfg.Agents.Executors[i].ID == "" {
			cfg.Agents.Executors[i].ID = fmt.Sprintf("executor-%d", i+1)
		}
	}
}

// Validate checks the configuration and returns user-friendly error messages.
func (c *Config) Validate() error {
	if info, err := os.Stat(c.RepoPath); err != nil || !info.IsDir() {
		return errdefs.Wrap(errdefs.ErrConfig,
			"configuration error: repo_path %q is not a directory\n\nHint: pass --repo PATH or set repo_path in luigi.yaml", c.RepoPath)
	}

	seen := map[string]bool{}
	for _, a := range append(append([]AgentSpec{}, c.Agents.Reviewers...), c.Agents.Executors...) {
		if len(a.Command) == 0 {
			return errdefs.Wrap(errdefs.ErrConfig,
				"configuration error: agent %q has empty 'command'\n\nHint: specify the agent binary, e.g.\n  command: [\"claude\"]", a.ID)
		}
		if seen[a.ID] {
			return errdefs.Wrap(errdefs.ErrConfig,
				"configuration error: duplicate agent id %q\n\nHint: agent ids must be unique across reviewers and executors", a.ID)
		}
		seen[a.ID] = true
	}

	if c.Agents.Assignment.ExecutorsPerPlan < 1 {
		return errdefs.Wrap(errdefs.ErrConfig,
			"configuration error: agents.assignment.executors_per_plan must be >= 1 (got %d)", c.Agents.Assignment.ExecutorsPerPlan)
	}

	switch c.Workspace.Strategy {
	case "auto", "in_place", "copy", "worktree":
	default:
		return errdefs.Wrap(errdefs.ErrConfig,
			"configuration error: unknown workspace.strategy %q\n\nHint: valid strategies are auto, in_place, copy, worktree", c.Workspace.Strategy)
	}

	switch c.Workspace.Cleanup {
	case "always", "on_success", "never":
	default:
		return errdefs.Wrap(errdefs.ErrConfig,
			"configuration error: unknown workspace.cleanup %q\n\nHint: valid policies are always, on_success, never", c.Workspace.Cleanup)
	}

	switch c.Persistence.DirtyTarget {
	case "commit", "abort":
	default:
		return errdefs.Wrap(errdefs.ErrConfig,
			"configuration error: unknown persistence.dirty_target %q\n\nHint: valid modes are commit, abort", c.Persistence.DirtyTarget)
	}

	if c.Testing.TimeoutSec < 0 {
		return errdefs.Wrap(errdefs.ErrConfig,
			"configuration error: testing.timeout_sec must be a positive number or 0 (got %d)", c.Testing.TimeoutSec)
	}
	if c.Iterations.Max < 0 {
		return errdefs.Wrap(errdefs.ErrConfig,
			"configuration error: iterations.max must be >= 0, where 0 means unlimited (got %d)", c.Iterations.Max)
	}
	return nil
}
