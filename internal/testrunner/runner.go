// Package testrunner executes plan-provided test commands inside a candidate
// workspace and records their outcomes. Failing tests are data for the
// reviewers, never fatal to the iteration.
package testrunner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/luigidev/luigi/internal/protocol"
)

// timeoutExitCode mirrors the shell convention for timed-out commands.
const timeoutExitCode = 124

const truncationMarker = "\n... [truncated] ..."

// CommandResult is the captured outcome of one test command.
type CommandResult struct {
	Argv       []string `json:"argv"`
	ExitCode   int      `json:"exit_code"`
	DurationMs int64    `json:"duration_ms"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	TimedOut   bool     `json:"timed_out,omitempty"`
}

// Failed reports whether the command failed, by exit code or timeout.
func (r *CommandResult) Failed() bool { return r.ExitCode != 0 || r.TimedOut }

// Report aggregates every command run for a candidate.
type Report struct {
	Cwd           string           `json:"cwd"`
	InstalledDeps *CommandResult   `json:"installed_deps,omitempty"`
	Commands      []*CommandResult `json:"commands"`
}

// AllPassed reports whether every command exited zero without timing out.
func (r *Report) AllPassed() bool {
	for _, c := range r.Commands {
		if c.Failed() {
			return false
		}
	}
	return true
}

// Summary renders a short per-command exit-code line for reviewer prompts.
func (r *Report) Summary() string {
	if len(r.Commands) == 0 {
		return "No tests were run."
	}
	parts := make([]string, 0, len(r.Commands))
	for _, c := range r.Commands {
		name := "test"
		if len(c.Argv) > 0 {
			name = c.Argv[0]
		}
		if c.TimedOut {
			parts = append(parts, fmt.Sprintf("%s: timed out", name))
		} else {
			parts = append(parts, fmt.Sprintf("%s: exit %d", name, c.ExitCode))
		}
	}
	return strings.Join(parts, "; ")
}

// Options controls command execution and fallback selection.
type Options struct {
	// DefaultTimeout applies when a command carries no per-command timeout.
	// Zero means unbounded.
	DefaultTimeout time.Duration
	// MaxOutputChars caps each captured stream; overflow is truncated with a
	// marker. Zero selects 8000.
	MaxOutputChars int
	// InstallIfMissing runs InstallCommand before the first test when a
	// package.json exists but node_modules does not.
	InstallIfMissing bool
	InstallCommand   []string
	// UnitCommand and E2ECommand substitute for a plan that reported
	// test_commands: null.
	UnitCommand []string
	E2ECommand  []string
}

func (o Options) maxOutput() int {
	if o.MaxOutputChars <= 0 {
		return 8000
	}
	return o.MaxOutputChars
}

// Runner executes test commands in workspaces.
type Runner struct {
	opts   Options
	logger *slog.Logger
}

// NewRunner creates a runner with the given options.
func NewRunner(opts Options, logger *slog.Logger) *Runner {
	return &Runner{opts: opts, logger: logger}
}

// Run executes the plan's commands (or the configured fallbacks when
// commands is nil) in dir. A failing or timed-out command does not stop the
// remaining commands.
func (r *Runner) Run(ctx context.Context, dir string, commands []protocol.TestCommand) (*Report, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	report := &Report{Cwd: abs}

	if r.opts.InstallIfMissing && r.nodeDepsMissing(abs) {
		install := r.runOne(ctx, abs, protocol.TestCommand{Argv: r.opts.InstallCommand})
		report.InstalledDeps = install
		if install.Failed() {
			// Tests would fail for the same reason; report the install
			// failure alone.
			r.logger.Warn("dependency install failed, skipping tests", "exit_code", install.ExitCode)
			return report, nil
		}
	}

	if commands == nil {
		commands = []protocol.TestCommand{
			{Argv: r.opts.UnitCommand},
			{Argv: r.opts.E2ECommand},
		}
	}

	for _, tc := range commands {
		if len(tc.Argv) == 0 {
			continue
		}
		res := r.runOne(ctx, abs, tc)
		report.Commands = append(report.Commands, res)
		r.logger.Info("test command finished",
			"argv", tc.Argv,
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
			"duration_ms", res.DurationMs)
		if ctx.Err() != nil {
			break
		}
	}
	return report, nil
}

func (r *Runner) nodeDepsMissing(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, "node_modules"))
	return err != nil
}

func (r *Runner) runOne(parent context.Context, dir string, tc protocol.TestCommand) *CommandResult {
	timeout := r.opts.DefaultTimeout
	if tc.TimeoutSec > 0 {
		timeout = time.Duration(tc.TimeoutSec) * time.Second
	}

	ctx := parent
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	cwd := dir
	if tc.Cwd != "" {
		if filepath.IsAbs(tc.Cwd) {
			cwd = tc.Cwd
		} else {
			cwd = filepath.Join(dir, tc.Cwd)
		}
	}

	cmd := exec.CommandContext(ctx, tc.Argv[0], tc.Argv[1:]...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	res := &CommandResult{
		Argv:       tc.Argv,
		DurationMs: elapsed,
		Stdout:     truncate(stdout.String(), r.opts.maxOutput()),
		Stderr:     truncate(stderr.String(), r.opts.maxOutput()),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = timeoutExitCode
		return res
	}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
		} else {
			// Could not launch at all (missing binary, bad cwd).
			res.ExitCode = 127
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	return res
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + truncationMarker
}
