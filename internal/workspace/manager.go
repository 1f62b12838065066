// Package workspace creates, snapshots, and disposes the isolated working
// trees candidates run in. Three strategies exist: in_place (operate on the
// repo itself), copy (baseline + workspace snapshots), and worktree (a git
// worktree on a deterministically named branch).
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/luigidev/luigi/internal/errdefs"
	"github.com/luigidev/luigi/internal/fsutil"
	"github.com/luigidev/luigi/internal/gitutil"
	"github.com/luigidev/luigi/internal/state"
)

// Strategy selects how a workspace is materialized.
type Strategy string

const (
	StrategyAuto     Strategy = "auto"
	StrategyInPlace  Strategy = "in_place"
	StrategyCopy     Strategy = "copy"
	StrategyWorktree Strategy = "worktree"
)

// CleanupPolicy controls disposal of candidate workspaces.
type CleanupPolicy string

const (
	CleanupAlways    CleanupPolicy = "always"
	CleanupOnSuccess CleanupPolicy = "on_success"
	CleanupNever     CleanupPolicy = "never"
)

// maxDiffChars bounds the textual diff carried in a change summary.
const maxDiffChars = 200_000

// Workspace is a materialized working tree owned by one candidate or one
// iteration baseline.
type Workspace struct {
	Strategy     Strategy
	RepoPath     string
	Path         string
	RunDir       string
	BaselinePath string
	BranchName   string
	CreatedAt    time.Time
}

// Ref converts the workspace to its serializable form.
func (w *Workspace) Ref() *state.WorkspaceRef {
	return &state.WorkspaceRef{
		Strategy:     string(w.Strategy),
		Path:         w.Path,
		RunDir:       w.RunDir,
		BaselinePath: w.BaselinePath,
		BranchName:   w.BranchName,
	}
}

// ChangeSummary describes what a candidate changed relative to its baseline.
type ChangeSummary struct {
	Changed   []string `json:"changed"`
	Deleted   []string `json:"deleted"`
	TotalSize int64    `json:"total_size"`
	Diff      string   `json:"diff"`
}

// Paths returns the union of changed and deleted paths.
func (s *ChangeSummary) Paths() []string {
	all := append(append([]string{}, s.Changed...), s.Deleted...)
	sort.Strings(all)
	return all
}

// defaultCopyIgnore lists directories never copied into a snapshot.
var defaultCopyIgnore = []string{
	".git", "node_modules", ".venv", "venv", "__pycache__",
	".pytest_cache", ".mypy_cache", ".ruff_cache", ".DS_Store", "logs",
}

// Manager provisions and disposes workspaces. Operations touching the source
// repository's git state are serialized; operations on distinct workspaces
// are independent.
type Manager struct {
	baseDir      string
	branchPrefix string
	copyIgnore   []string
	logger       *slog.Logger

	repoMu sync.Mutex
}

// NewManager creates a manager rooted at baseDir (the logs root).
func NewManager(baseDir, branchPrefix string, extraIgnore []string, logger *slog.Logger) *Manager {
	ignore := append(append([]string{}, defaultCopyIgnore...), extraIgnore...)
	if branchPrefix == "" {
		branchPrefix = "luigi"
	}
	return &Manager{
		baseDir:      baseDir,
		branchPrefix: sanitizeComponent(branchPrefix, 24),
		copyIgnore:   ignore,
		logger:       logger,
	}
}

func (m *Manager) ignoreFor(source string) []string {
	ignore := append([]string{}, m.copyIgnore...)
	// When the logs root nests inside the tree being copied, exclude its top
	// directory to avoid recursive snapshots.
	if rel, err := filepath.Rel(source, m.baseDir); err == nil && !strings.HasPrefix(rel, "..") {
		ignore = append(ignore, strings.Split(rel, string(os.PathSeparator))[0])
	}
	return ignore
}

// Resolve maps the auto strategy to a concrete one for repo.
func (m *Manager) Resolve(strategy Strategy, repo string) Strategy {
	if strategy != StrategyAuto {
		return strategy
	}
	if gitutil.IsRepo(repo) && gitutil.HasCommit(repo) {
		return StrategyWorktree
	}
	return StrategyCopy
}

// ProvisionCandidate materializes a workspace for one candidate, sourcing
// file content from source (the iteration baseline; usually the repo itself).
// Provisioning is idempotent: an existing workspace for the same candidate is
// reattached rather than recreated.
func (m *Manager) ProvisionCandidate(repo, source, runID string, iteration int, candidateID string, strategy Strategy) (*Workspace, error) {
	repo, err := filepath.Abs(repo)
	if err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to resolve repo path")
	}
	if source == "" {
		source = repo
	}

	slug := sanitizeComponent(candidateID, 80)
	runDir := filepath.Join(m.baseDir, runID, fmt.Sprintf("iter_%d", iteration), "cand_"+slug)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to create candidate directory")
	}

	resolved := m.Resolve(strategy, repo)
	switch resolved {
	case StrategyWorktree:
		return m.provisionWorktree(repo, runDir, runID, iteration, candidateID)
	case StrategyCopy:
		return m.provisionCopy(repo, source, runDir)
	case StrategyInPlace:
		return m.provisionInPlace(repo, source, runDir)
	default:
		return nil, errdefs.Wrap(errdefs.ErrWorkspace, "unknown workspace strategy %q", resolved)
	}
}

func (m *Manager) provisionWorktree(repo, runDir, runID string, iteration int, candidateID string) (*Workspace, error) {
	if !gitutil.IsRepo(repo) || !gitutil.HasCommit(repo) {
		return nil, errdefs.Wrap(errdefs.ErrWorkspace, "worktree strategy requires a git repo with at least one commit: %s", repo)
	}

	worktreePath := filepath.Join(runDir, "worktree")
	branch := fmt.Sprintf("%s/%s-i%d-%s", m.branchPrefix, shortID(runID, 8), iteration, shortHash(candidateID, 6))

	ws := &Workspace{
		Strategy:   StrategyWorktree,
		RepoPath:   repo,
		Path:       worktreePath,
		RunDir:     runDir,
		BranchName: branch,
		CreatedAt:  time.Now().UTC(),
	}

	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	// Crash-resume: reuse an existing worktree, either at the expected path
	// or wherever the branch is already checked out.
	if isDir(worktreePath) && gitutil.IsRepo(worktreePath) {
		return ws, nil
	}
	if existing := gitutil.WorktreeForBranch(repo, branch); existing != "" {
		if isDir(existing) && gitutil.IsRepo(existing) {
			ws.Path = existing
			return ws, nil
		}
		m.cleanupStaleWorktree(repo, existing)
	}

	force := m.cleanupStaleWorktree(repo, worktreePath)
	if err := gitutil.WorktreeAdd(repo, worktreePath, branch, force); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to create git worktree")
	}
	return ws, nil
}

// cleanupStaleWorktree removes a registered worktree whose directory is gone.
func (m *Manager) cleanupStaleWorktree(repo, path string) bool {
	if isDir(path) {
		return false
	}
	for _, registered := range gitutil.Worktrees(repo) {
		if registered == path {
			gitutil.WorktreeRemove(repo, path)
			gitutil.WorktreePrune(repo)
			return true
		}
	}
	return false
}

func (m *Manager) provisionCopy(repo, source, runDir string) (*Workspace, error) {
	baseline := filepath.Join(runDir, "baseline")
	workspacePath := filepath.Join(runDir, "workspace")

	ws := &Workspace{
		Strategy:     StrategyCopy,
		RepoPath:     repo,
		Path:         workspacePath,
		RunDir:       runDir,
		BaselinePath: baseline,
		CreatedAt:    time.Now().UTC(),
	}

	// Crash-resume: baseline + workspace already materialized.
	if isDir(baseline) && isDir(workspacePath) {
		return ws, nil
	}
	os.RemoveAll(baseline)
	os.RemoveAll(workspacePath)

	ignore := m.ignoreFor(source)
	if err := fsutil.CopyTree(source, baseline, ignore); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to snapshot baseline")
	}
	if err := fsutil.CopyTree(baseline, workspacePath, nil); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to materialize workspace")
	}
	return ws, nil
}

func (m *Manager) provisionInPlace(repo, source, runDir string) (*Workspace, error) {
	baseline := filepath.Join(runDir, "baseline")
	ws := &Workspace{
		Strategy:     StrategyInPlace,
		RepoPath:     repo,
		Path:         repo,
		RunDir:       runDir,
		BaselinePath: baseline,
		CreatedAt:    time.Now().UTC(),
	}
	if isDir(baseline) {
		return ws, nil
	}
	if err := fsutil.CopyTree(source, baseline, m.ignoreFor(source)); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to snapshot baseline")
	}
	return ws, nil
}

// Reattach rebuilds a Workspace from its persisted ref, reporting ok=false
// when the on-disk directories no longer support it.
func (m *Manager) Reattach(ref *state.WorkspaceRef, repo string) (*Workspace, bool) {
	if ref == nil {
		return nil, false
	}
	ws := &Workspace{
		Strategy:     Strategy(ref.Strategy),
		RepoPath:     repo,
		Path:         ref.Path,
		RunDir:       ref.RunDir,
		BaselinePath: ref.BaselinePath,
		BranchName:   ref.BranchName,
	}
	switch ws.Strategy {
	case StrategyWorktree:
		if isDir(ws.Path) && gitutil.IsRepo(ws.Path) {
			return ws, true
		}
	case StrategyCopy:
		if isDir(ws.Path) && isDir(ws.BaselinePath) {
			return ws, true
		}
	case StrategyInPlace:
		ws.Path = repo
		if isDir(ws.BaselinePath) {
			return ws, true
		}
	}
	return nil, false
}

// SnapshotChanges summarizes what changed in ws relative to its baseline.
// Never mutates the workspace.
func (m *Manager) SnapshotChanges(ws *Workspace) (*ChangeSummary, error) {
	if ws.Strategy == StrategyWorktree {
		return m.snapshotGit(ws)
	}
	if ws.BaselinePath == "" {
		return nil, errdefs.Wrap(errdefs.ErrWorkspace, "cannot summarize changes without a baseline snapshot")
	}
	return m.snapshotTree(ws)
}

func (m *Manager) snapshotGit(ws *Workspace) (*ChangeSummary, error) {
	status, err := gitutil.StatusPorcelain(ws.Path)
	if err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to read workspace status")
	}
	summary := &ChangeSummary{}
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if strings.HasPrefix(line[:2], "D") || strings.HasPrefix(line[1:2], "D") {
			summary.Deleted = append(summary.Deleted, path)
			continue
		}
		summary.Changed = append(summary.Changed, path)
		if info, err := os.Stat(filepath.Join(ws.Path, path)); err == nil {
			summary.TotalSize += info.Size()
		}
	}
	sort.Strings(summary.Changed)
	sort.Strings(summary.Deleted)
	summary.Diff = truncateDiff(gitutil.Diff(ws.Path))
	return summary, nil
}

func (m *Manager) snapshotTree(ws *Workspace) (*ChangeSummary, error) {
	workFiles, err := fsutil.ListFiles(ws.Path)
	if err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to list workspace files")
	}
	baseFiles, err := fsutil.ListFiles(ws.BaselinePath)
	if err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to list baseline files")
	}

	baseSet := make(map[string]bool, len(baseFiles))
	for _, f := range baseFiles {
		baseSet[f] = true
	}
	workSet := make(map[string]bool, len(workFiles))

	summary := &ChangeSummary{}
	for _, rel := range workFiles {
		workSet[rel] = true
		wPath := filepath.Join(ws.Path, rel)
		if !baseSet[rel] {
			summary.Changed = append(summary.Changed, rel)
		} else if !sameContent(wPath, filepath.Join(ws.BaselinePath, rel)) {
			summary.Changed = append(summary.Changed, rel)
		} else {
			continue
		}
		if info, err := os.Stat(wPath); err == nil {
			summary.TotalSize += info.Size()
		}
	}
	for _, rel := range baseFiles {
		if !workSet[rel] {
			summary.Deleted = append(summary.Deleted, rel)
		}
	}
	summary.Diff = truncateDiff(gitutil.DiffNoIndex(ws.BaselinePath, ws.Path))
	return summary, nil
}

// ApplyCopy merges a copy-strategy workspace back into the repo: changed
// paths are overwritten whole-file, paths deleted relative to the baseline
// are removed.
func (m *Manager) ApplyCopy(ws *Workspace) error {
	if ws.Strategy != StrategyCopy {
		return nil
	}
	if ws.BaselinePath == "" {
		return errdefs.Wrap(errdefs.ErrWorkspace, "cannot apply copy-workspace changes without a baseline snapshot")
	}
	if err := fsutil.SyncTree(ws.Path, ws.RepoPath, ws.BaselinePath); err != nil {
		return errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to apply workspace changes")
	}
	return nil
}

// Commit stages and commits everything in a git workspace, returning the new
// commit SHA or "" when the tree was clean.
func (m *Manager) Commit(ws *Workspace, message string) (string, error) {
	if !gitutil.IsRepo(ws.Path) {
		return "", nil
	}
	sha, err := gitutil.CommitAll(ws.Path, message)
	if err != nil {
		return "", errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to commit workspace changes")
	}
	return sha, nil
}

// MergeIntoTarget merges a worktree branch into targetBranch on the source
// repo. dirtyMode decides what happens to uncommitted target changes:
// "commit" auto-commits them, "abort" refuses the merge. Conflicts surface
// as ErrMergeConflict with the conflicting paths in the message.
func (m *Manager) MergeIntoTarget(ws *Workspace, targetBranch, dirtyMode, message string) error {
	if ws.Strategy != StrategyWorktree {
		return nil
	}

	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	dirty, err := gitutil.IsDirty(ws.RepoPath)
	if err != nil {
		return errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to inspect target repo")
	}
	if dirty {
		switch dirtyMode {
		case "commit":
			if _, err := gitutil.CommitAll(ws.RepoPath, "luigi: auto-commit local changes before merge"); err != nil {
				return errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to auto-commit dirty target")
			}
		default:
			return errdefs.Wrap(errdefs.ErrWorkspace, "target repo has uncommitted changes; refusing to merge (persistence.dirty_target=abort)")
		}
	}

	if targetBranch != "" {
		current, err := gitutil.CurrentBranch(ws.RepoPath)
		if err != nil {
			return errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to determine target branch")
		}
		if current != targetBranch {
			if err := gitutil.Checkout(ws.RepoPath, targetBranch); err != nil {
				return errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to check out target branch")
			}
		}
	}

	ok, conflicts, err := gitutil.Merge(ws.RepoPath, ws.BranchName, message)
	if err != nil {
		return errdefs.WrapErr(errdefs.ErrWorkspace, err, "merge failed")
	}
	if !ok {
		return errdefs.Wrap(errdefs.ErrMergeConflict, "merge of %s conflicts: %s", ws.BranchName, strings.Join(conflicts, ", "))
	}
	return nil
}

// RetryMerge re-attempts a conflicted merge after an executor resolved it.
// The resolver works in the repo itself, so any in-progress merge is
// committed; otherwise the merge is replayed.
func (m *Manager) RetryMerge(ws *Workspace, message string) error {
	m.repoMu.Lock()
	inProgress := gitutil.MergeInProgress(ws.RepoPath)
	m.repoMu.Unlock()

	if inProgress {
		if len(gitutil.UnmergedFiles(ws.RepoPath)) > 0 {
			return errdefs.Wrap(errdefs.ErrMergeConflict, "conflicts remain after delegation")
		}
		if _, err := gitutil.CommitAll(ws.RepoPath, message); err != nil {
			return errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to commit resolved merge")
		}
		return nil
	}
	return m.MergeIntoTarget(ws, "", "commit", message)
}

// AdoptAsBaseline converts a rejected-but-best candidate workspace into the
// next iteration's baseline. Always uses the copy strategy so uncommitted
// changes survive regardless of the run's strategy.
func (m *Manager) AdoptAsBaseline(ws *Workspace, runID string, nextIteration int) (*Workspace, error) {
	runDir := filepath.Join(m.baseDir, runID, fmt.Sprintf("iter_%d", nextIteration), "baseline_src")
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrWorkspace, err, "failed to create baseline directory")
	}
	return m.provisionCopy(ws.RepoPath, ws.Path, runDir)
}

// Dispose tears down a workspace according to policy. keep short-circuits
// disposal for workspaces that must survive (the pending winner). Disposal
// is best-effort and never fatal.
func (m *Manager) Dispose(ws *Workspace, policy CleanupPolicy, keep bool) {
	if ws == nil || keep {
		return
	}
	if policy == CleanupNever {
		return
	}

	if ws.Strategy == StrategyWorktree {
		m.repoMu.Lock()
		// Unregister nested worktrees before removing directories so git
		// does not keep stale entries that later runs would resurrect.
		for _, registered := range gitutil.Worktrees(ws.RepoPath) {
			if within(ws.RunDir, registered) {
				if err := gitutil.WorktreeRemove(ws.RepoPath, registered); err != nil {
					m.logger.Warn("failed to remove worktree", "path", registered, "error", err)
				}
			}
		}
		gitutil.WorktreePrune(ws.RepoPath)
		if ws.BranchName != "" {
			gitutil.DeleteBranch(ws.RepoPath, ws.BranchName)
		}
		m.repoMu.Unlock()
	}

	// RunDir is a luigi-owned directory under the logs root (which may itself
	// sit inside the repo); it never holds repository files, so removing it
	// is safe for every strategy including in_place.
	if ws.RunDir != "" {
		if err := os.RemoveAll(ws.RunDir); err != nil {
			m.logger.Warn("failed to remove workspace directory", "path", ws.RunDir, "error", err)
		}
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func sameContent(a, b string) bool {
	ha, err := hashFile(a)
	if err != nil {
		return false
	}
	hb, err := hashFile(b)
	if err != nil {
		return false
	}
	return ha == hb
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func truncateDiff(diff string) string {
	if len(diff) <= maxDiffChars {
		return diff
	}
	return diff[:maxDiffChars] + "\n... [diff truncated] ..."
}

var componentSafeRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeComponent(value string, maxLen int) string {
	raw := strings.ReplaceAll(value, "..", "_")
	raw = strings.ReplaceAll(raw, string(os.PathSeparator), "_")
	cleaned := strings.Trim(componentSafeRe.ReplaceAllString(raw, "_"), "._-")
	if cleaned == "" {
		cleaned = "x"
	}
	if len(cleaned) > maxLen {
		digest := sha256.Sum256([]byte(value))
		suffix := hex.EncodeToString(digest[:])[:12]
		keep := maxLen - 13
		if keep < 1 {
			keep = 1
		}
		cleaned = cleaned[:keep] + "_" + suffix
	}
	return cleaned
}

func shortID(value string, length int) string {
	cleaned := regexp.MustCompile(`[^A-Za-z0-9]+`).ReplaceAllString(value, "")
	if cleaned == "" {
		cleaned = sanitizeComponent(value, length)
	}
	if len(cleaned) > length {
		cleaned = cleaned[:length]
	}
	return cleaned
}

func shortHash(value string, length int) string {
	digest := sha256.Sum256([]byte(value))
	return hex.EncodeToString(digest[:])[:length]
}
