package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luigidev/luigi/internal/errdefs"
)

func TestLoadDefaults(t *testing.T) {
	repo := t.TempDir()

	cfg, err := Load("", repo)
	require.NoError(t, err)

	assert.Equal(t, repo, cfg.RepoPath)
	assert.Equal(t, filepath.Join(repo, "logs"), cfg.LogsRoot)
	assert.Equal(t, 1, cfg.Agents.Assignment.ExecutorsPerPlan)
	assert.Equal(t, 3, cfg.Agents.MaxQuestionRounds)
	assert.Equal(t, "auto", cfg.Workspace.Strategy)
	assert.Equal(t, "on_success", cfg.Workspace.Cleanup)
	assert.True(t, cfg.Workspace.CarryForward)
	assert.Equal(t, []string{"npm", "test"}, cfg.Testing.UnitCommand)
	assert.Equal(t, []string{"npx", "playwright", "test"}, cfg.Testing.E2ECommand)
	assert.Equal(t, "abort", cfg.Persistence.DirtyTarget)
	assert.Equal(t, 0, cfg.Iterations.Max)

	// Zero-config roster.
	require.Len(t, cfg.Agents.Reviewers, 1)
	require.Len(t, cfg.Agents.Executors, 1)
	assert.Equal(t, "reviewer-1", cfg.Agents.Reviewers[0].ID)

	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLFile(t *testing.T) {
	repo := t.TempDir()
	cfgPath := filepath.Join(repo, "luigi.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
agents:
  reviewers:
    - id: rev-a
      command: ["codex"]
    - id: rev-b
      command: ["codex", "--profile", "b"]
  executors:
    - id: exec-a
      command: ["claude"]
  assignment:
    executors_per_plan: 2
workspace:
  strategy: worktree
  cleanup: never
iterations:
  max: 5
session_mode: true
`), 0644))

	cfg, err := Load(cfgPath, repo)
	require.NoError(t, err)

	require.Len(t, cfg.Agents.Reviewers, 2)
	assert.Equal(t, []string{"codex", "--profile", "b"}, cfg.Agents.Reviewers[1].Command)
	assert.Equal(t, 2, cfg.Agents.Assignment.ExecutorsPerPlan)
	assert.Equal(t, "worktree", cfg.Workspace.Strategy)
	assert.Equal(t, "never", cfg.Workspace.Cleanup)
	assert.Equal(t, 5, cfg.Iterations.Max)
	assert.True(t, cfg.SessionMode)
	require.NoError(t, cfg.Validate())
}

func TestValidateErrors(t *testing.T) {
	repo := t.TempDir()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad strategy", func(c *Config) { c.Workspace.Strategy = "teleport" }},
		{"bad cleanup", func(c *Config) { c.Workspace.Cleanup = "sometimes" }},
		{"bad dirty target", func(c *Config) { c.Persistence.DirtyTarget = "merge" }},
		{"zero executors per plan", func(c *Config) { c.Agents.Assignment.ExecutorsPerPlan = 0 }},
		{"empty command", func(c *Config) { c.Agents.Executors[0].Command = nil }},
		{"duplicate ids", func(c *Config) { c.Agents.Executors[0].ID = c.Agents.Reviewers[0].ID }},
		{"negative max iterations", func(c *Config) { c.Iterations.Max = -1 }},
		{"missing repo", func(c *Config) { c.RepoPath = filepath.Join(repo, "missing") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("", repo)
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errdefs.ErrConfig), "expected a config error, got %v", err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	repo := t.TempDir()
	_, err := Load(filepath.Join(repo, "nope.yaml"), repo)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConfig))
}

func TestPollInterval(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, "2s", cfg.PollInterval().String())
	cfg.Prompt.PollIntervalMs = 250
	assert.Equal(t, "250ms", cfg.PollInterval().String())
}
