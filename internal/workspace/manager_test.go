package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luigidev/luigi/internal/gitutil"
	"github.com/luigidev/luigi/pkg/testharness"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	return NewManager(base, "luigi", nil, testLogger()), base
}

func TestProvisionCopy(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir()
	require.NoError(t, testharness.WriteFiles(repo, map[string]string{
		"src/divide.js": "module.exports = (a, b) => a / b;\n",
		"logs/old.log":  "noise",
	}))

	ws, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyCopy)
	require.NoError(t, err)
	assert.Equal(t, StrategyCopy, ws.Strategy)

	// Workspace and baseline both carry the source file; the ignore set
	// keeps logs out.
	for _, root := range []string{ws.Path, ws.BaselinePath} {
		_, err := os.Stat(filepath.Join(root, "src", "divide.js"))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(root, "logs"))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestProvisionCopyIdempotent(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir()
	require.NoError(t, testharness.WriteFiles(repo, map[string]string{"a.txt": "1"}))

	ws1, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyCopy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws1.Path, "edited.txt"), []byte("x"), 0644))

	ws2, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyCopy)
	require.NoError(t, err)
	assert.Equal(t, ws1.Path, ws2.Path)

	// Re-provisioning reused the workspace instead of clobbering it.
	_, err = os.Stat(filepath.Join(ws2.Path, "edited.txt"))
	assert.NoError(t, err)
}

func TestSnapshotChangesCopy(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir()
	require.NoError(t, testharness.WriteFiles(repo, map[string]string{
		"src/divide.js": "old\n",
		"README.md":     "readme\n",
	}))

	ws, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyCopy)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "src", "divide.js"), []byte("new\n"), 0644))
	require.NoError(t, os.Remove(filepath.Join(ws.Path, "README.md")))
	require.NoError(t, testharness.WriteFiles(ws.Path, map[string]string{"src/added.js": "x\n"}))

	summary, err := m.SnapshotChanges(ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/added.js", "src/divide.js"}, summary.Changed)
	assert.Equal(t, []string{"README.md"}, summary.Deleted)
}

func TestApplyCopyOverwritesAndDeletes(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir()
	require.NoError(t, testharness.WriteFiles(repo, map[string]string{
		"src/divide.js": "old\n",
		"README.md":     "readme\n",
	}))

	ws, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyCopy)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "src", "divide.js"), []byte("fixed\n"), 0644))
	require.NoError(t, os.Remove(filepath.Join(ws.Path, "README.md")))

	require.NoError(t, m.ApplyCopy(ws))

	data, err := os.ReadFile(filepath.Join(repo, "src", "divide.js"))
	require.NoError(t, err)
	assert.Equal(t, "fixed\n", string(data))
	_, err = os.Stat(filepath.Join(repo, "README.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestAdoptAsBaselineUsesCopy(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir()
	require.NoError(t, testharness.WriteFiles(repo, map[string]string{"a.txt": "base\n"}))

	ws, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyCopy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "a.txt"), []byte("winner\n"), 0644))

	baseline, err := m.AdoptAsBaseline(ws, "run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, StrategyCopy, baseline.Strategy)

	// The adopted baseline contains exactly the winner's files.
	data, err := os.ReadFile(filepath.Join(baseline.Path, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "winner\n", string(data))
}

func TestDisposeRemovesCandidateDir(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir()
	require.NoError(t, testharness.WriteFiles(repo, map[string]string{"a.txt": "1"}))

	ws, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyCopy)
	require.NoError(t, err)

	m.Dispose(ws, CleanupOnSuccess, false)
	_, err = os.Stat(ws.RunDir)
	assert.True(t, os.IsNotExist(err))
}

func TestDisposeNeverKeeps(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir()
	require.NoError(t, testharness.WriteFiles(repo, map[string]string{"a.txt": "1"}))

	ws, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyCopy)
	require.NoError(t, err)

	m.Dispose(ws, CleanupNever, false)
	_, err = os.Stat(ws.Path)
	assert.NoError(t, err)
}

func TestProvisionWorktree(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir()
	testharness.InitGitRepo(t, repo, map[string]string{"main.go": "package main\n"})

	ws, err := m.ProvisionCandidate(repo, "", "run-abc123", 0, "c1", StrategyWorktree)
	require.NoError(t, err)
	assert.Equal(t, StrategyWorktree, ws.Strategy)
	assert.True(t, gitutil.IsRepo(ws.Path))
	assert.Contains(t, ws.BranchName, "luigi/")
	assert.Contains(t, ws.BranchName, "-i0-")

	// Deterministic: the same candidate gets the same branch.
	ws2, err := m.ProvisionCandidate(repo, "", "run-abc123", 0, "c1", StrategyWorktree)
	require.NoError(t, err)
	assert.Equal(t, ws.BranchName, ws2.BranchName)
	assert.Equal(t, ws.Path, ws2.Path)
}

func TestProvisionWorktreeRequiresCommit(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir() // not a git repo

	_, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyWorktree)
	require.Error(t, err)
}

func TestResolveAuto(t *testing.T) {
	m, _ := newManager(t)

	plain := t.TempDir()
	assert.Equal(t, StrategyCopy, m.Resolve(StrategyAuto, plain))

	gitRepo := t.TempDir()
	testharness.InitGitRepo(t, gitRepo, map[string]string{"f": "x"})
	assert.Equal(t, StrategyWorktree, m.Resolve(StrategyAuto, gitRepo))

	assert.Equal(t, StrategyInPlace, m.Resolve(StrategyInPlace, gitRepo))
}

func TestMergeIntoTargetConflict(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir()
	testharness.InitGitRepo(t, repo, map[string]string{"shared.txt": "base\n"})

	ws, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyWorktree)
	require.NoError(t, err)

	// Candidate edits the file on its branch.
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "shared.txt"), []byte("candidate\n"), 0644))
	_, err = m.Commit(ws, "candidate change")
	require.NoError(t, err)

	// Target branch diverges on the same lines.
	require.NoError(t, os.WriteFile(filepath.Join(repo, "shared.txt"), []byte("target\n"), 0644))
	testharness.Commit(t, repo, "conflicting change")

	err = m.MergeIntoTarget(ws, "", "abort", "merge candidate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared.txt")
	gitutil.AbortMerge(repo)
}

func TestMergeIntoTargetDirtyAbort(t *testing.T) {
	m, _ := newManager(t)
	repo := t.TempDir()
	testharness.InitGitRepo(t, repo, map[string]string{"a.txt": "base\n"})

	ws, err := m.ProvisionCandidate(repo, "", "run-1", 0, "c1", StrategyWorktree)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "a.txt"), []byte("new\n"), 0644))
	_, err = m.Commit(ws, "change")
	require.NoError(t, err)

	// Uncommitted change in the target with dirty_target=abort.
	require.NoError(t, os.WriteFile(filepath.Join(repo, "dirty.txt"), []byte("wip\n"), 0644))
	err = m.MergeIntoTarget(ws, "", "abort", "merge")
	require.Error(t, err)

	// dirty_target=commit auto-commits and proceeds.
	err = m.MergeIntoTarget(ws, "", "commit", "merge")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(repo, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))
}
