// Package cli wires the cobra command surface onto the orchestrator.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luigidev/luigi/internal/config"
	"github.com/luigidev/luigi/internal/errdefs"
	"github.com/luigidev/luigi/internal/orchestrator"
	"github.com/luigidev/luigi/internal/prompt"
	"github.com/luigidev/luigi/internal/state"
)

var (
	flagRepo        string
	flagConfig      string
	flagResumeRunID string
)

var rootCmd = &cobra.Command{
	Use:   "luigi [task]",
	Short: "Multi-agent coding orchestrator",
	Long: `luigi drives a loop of external planner/reviewer and executor agents to
implement a natural-language task in a target repository, running
plan-provided tests and iterating until a reviewer approves.

Pass the task as the positional argument, or "." to defer to the UI /
prompt channel.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	rootCmd.Flags().StringVar(&flagRepo, "repo", "", "Path to the target repository (default: repo_path from config, else cwd)")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "Path to luigi.yaml / luigi.json (default: search the repo)")
	rootCmd.Flags().StringVar(&flagResumeRunID, "resume-run-id", "", "Resume a previous run by id instead of starting a new one")
}

func runRoot(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(flagConfig, flagRepo)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Info("configuration loaded", "repo", cfg.RepoPath, "logs_root", cfg.LogsRoot)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, prompt.NewStdinTerminalOrNil(), logger)

	if flagResumeRunID != "" {
		run, err := orch.ResumeRun(ctx, flagResumeRunID)
		return finishRun(logger, run, err)
	}

	task := ""
	if len(args) > 0 {
		task = args[0]
	}
	run, err := orch.RunSession(ctx, task)
	return finishRun(logger, run, err)
}

// finishRun reports the terminal status and turns a failed run into a
// non-zero exit even when the loop itself ended cleanly.
func finishRun(logger *slog.Logger, run *state.Run, err error) error {
	if run != nil {
		logger.Info("run finished", "run_id", run.RunID, "status", run.Status)
	}
	if err != nil {
		return err
	}
	if run != nil && run.Status == state.RunFailed {
		return fmt.Errorf("run %s failed: %s", run.RunID, run.FailureReason)
	}
	return nil
}

// Execute runs the root command and maps the error taxonomy onto distinct
// exit codes.
func Execute() int {
	rootCmd.SetContext(context.Background())
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "luigi: %v\n", err)
	return ExitCode(err)
}

// ExitCode maps an error to the process exit code contract.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errdefs.ErrConfig):
		return 2
	case errors.Is(err, errdefs.ErrAgentInvocation), errors.Is(err, errdefs.ErrAgentProtocol):
		return 3
	case errors.Is(err, errdefs.ErrTestCommand):
		return 4
	case errors.Is(err, errdefs.ErrWorkspace), errors.Is(err, errdefs.ErrMergeConflict):
		return 5
	case errors.Is(err, errdefs.ErrUserAborted), errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
