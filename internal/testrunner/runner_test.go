package testrunner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luigidev/luigi/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunCapturesExitCodesAndContinues(t *testing.T) {
	r := NewRunner(Options{}, testLogger())
	report, err := r.Run(context.Background(), t.TempDir(), []protocol.TestCommand{
		{Argv: []string{"sh", "-c", "echo ok"}},
		{Argv: []string{"sh", "-c", "echo boom >&2; exit 3"}},
		{Argv: []string{"sh", "-c", "echo after"}},
	})
	require.NoError(t, err)
	require.Len(t, report.Commands, 3)

	assert.Equal(t, 0, report.Commands[0].ExitCode)
	assert.Contains(t, report.Commands[0].Stdout, "ok")

	assert.Equal(t, 3, report.Commands[1].ExitCode)
	assert.Contains(t, report.Commands[1].Stderr, "boom")
	assert.True(t, report.Commands[1].Failed())

	// A failing command does not abort the remaining commands.
	assert.Equal(t, 0, report.Commands[2].ExitCode)
	assert.False(t, report.AllPassed())
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner(Options{}, testLogger())
	start := time.Now()
	report, err := r.Run(context.Background(), t.TempDir(), []protocol.TestCommand{
		{Argv: []string{"sleep", "30"}, TimeoutSec: 1},
	})
	require.NoError(t, err)
	require.Len(t, report.Commands, 1)

	res := report.Commands[0]
	assert.True(t, res.TimedOut)
	assert.Equal(t, 124, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunPerCommandTimeoutOverridesGlobal(t *testing.T) {
	r := NewRunner(Options{DefaultTimeout: time.Second}, testLogger())
	report, err := r.Run(context.Background(), t.TempDir(), []protocol.TestCommand{
		{Argv: []string{"sh", "-c", "sleep 2; echo done"}, TimeoutSec: 5},
	})
	require.NoError(t, err)
	assert.False(t, report.Commands[0].TimedOut)
	assert.Equal(t, 0, report.Commands[0].ExitCode)
}

func TestRunTruncatesOutput(t *testing.T) {
	r := NewRunner(Options{MaxOutputChars: 50}, testLogger())
	report, err := r.Run(context.Background(), t.TempDir(), []protocol.TestCommand{
		{Argv: []string{"sh", "-c", "yes x | head -c 500"}},
	})
	require.NoError(t, err)
	out := report.Commands[0].Stdout
	assert.True(t, strings.HasSuffix(out, truncationMarker))
	assert.LessOrEqual(t, len(out), 50+len(truncationMarker))
}

func TestRunFallbackCommands(t *testing.T) {
	r := NewRunner(Options{
		UnitCommand: []string{"sh", "-c", "echo unit"},
		E2ECommand:  []string{"sh", "-c", "echo e2e"},
	}, testLogger())

	report, err := r.Run(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	require.Len(t, report.Commands, 2)
	assert.Contains(t, report.Commands[0].Stdout, "unit")
	assert.Contains(t, report.Commands[1].Stdout, "e2e")
}

func TestRunCommandCwdOverride(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0755))

	r := NewRunner(Options{}, testLogger())
	report, err := r.Run(context.Background(), dir, []protocol.TestCommand{
		{Argv: []string{"pwd"}, Cwd: "pkg"},
	})
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(sub)
	require.NoError(t, err)
	assert.Equal(t, resolved, strings.TrimSpace(report.Commands[0].Stdout))
}

func TestInstallIfMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0644))

	r := NewRunner(Options{
		InstallIfMissing: true,
		InstallCommand:   []string{"sh", "-c", "mkdir node_modules; echo installed"},
	}, testLogger())

	report, err := r.Run(context.Background(), dir, []protocol.TestCommand{
		{Argv: []string{"sh", "-c", "echo tested"}},
	})
	require.NoError(t, err)
	require.NotNil(t, report.InstalledDeps)
	assert.Contains(t, report.InstalledDeps.Stdout, "installed")
	require.Len(t, report.Commands, 1)
}

func TestInstallFailureSkipsTests(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0644))

	r := NewRunner(Options{
		InstallIfMissing: true,
		InstallCommand:   []string{"sh", "-c", "exit 1"},
	}, testLogger())

	report, err := r.Run(context.Background(), dir, []protocol.TestCommand{
		{Argv: []string{"sh", "-c", "echo should-not-run"}},
	})
	require.NoError(t, err)
	require.NotNil(t, report.InstalledDeps)
	assert.True(t, report.InstalledDeps.Failed())
	assert.Empty(t, report.Commands)
}

func TestReportSummary(t *testing.T) {
	report := &Report{Commands: []*CommandResult{
		{Argv: []string{"node", "t.js"}, ExitCode: 0},
		{Argv: []string{"npm", "test"}, ExitCode: 1},
		{Argv: []string{"slowtest"}, TimedOut: true, ExitCode: 124},
	}}
	s := report.Summary()
	assert.Contains(t, s, "node: exit 0")
	assert.Contains(t, s, "npm: exit 1")
	assert.Contains(t, s, "slowtest: timed out")

	assert.Equal(t, "No tests were run.", (&Report{}).Summary())
}

func TestMissingBinaryIsFailedCommandNotError(t *testing.T) {
	r := NewRunner(Options{}, testLogger())
	report, err := r.Run(context.Background(), t.TempDir(), []protocol.TestCommand{
		{Argv: []string{"definitely-not-a-binary-xyz"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 127, report.Commands[0].ExitCode)
	assert.True(t, report.Commands[0].Failed())
}
