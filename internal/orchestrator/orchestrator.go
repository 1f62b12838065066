// Package orchestrator owns the top-level run loop: iteration slots and the
// iteration cap, carry-forward, post-approval persistence, and session mode.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/luigidev/luigi/internal/agent"
	"github.com/luigidev/luigi/internal/config"
	"github.com/luigidev/luigi/internal/errdefs"
	"github.com/luigidev/luigi/internal/prompt"
	"github.com/luigidev/luigi/internal/resume"
	"github.com/luigidev/luigi/internal/scheduler"
	"github.com/luigidev/luigi/internal/state"
	"github.com/luigidev/luigi/internal/testrunner"
	"github.com/luigidev/luigi/internal/workspace"
)

// Orchestrator drives runs to a terminal status.
type Orchestrator struct {
	cfg       *config.Config
	logger    *slog.Logger
	terminal  prompt.Terminal
	notifiers []prompt.Notifier

	// adapterOverride replaces the CLI-backed agent roster; used by tests
	// and embedding callers.
	adapterOverride map[string]agent.Adapter
}

// SetAdapters overrides the agent roster for every subsequent run.
func (o *Orchestrator) SetAdapters(adapters map[string]agent.Adapter) {
	o.adapterOverride = adapters
}

// New creates an orchestrator. terminal may be nil for headless operation.
func New(cfg *config.Config, terminal prompt.Terminal, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, terminal: terminal, logger: logger}
}

// AddNotifier registers an external notifier replicated onto every run's
// prompt channel.
func (o *Orchestrator) AddNotifier(n prompt.Notifier) {
	o.notifiers = append(o.notifiers, n)
}

// runDeps bundles the per-run collaborators.
type runDeps struct {
	store    *state.Store
	sched    *scheduler.Scheduler
	wm       *workspace.Manager
	prompts  *prompt.Channel
	adapters map[string]agent.Adapter
}

func (o *Orchestrator) buildDeps(store *state.Store) *runDeps {
	wm := workspace.NewManager(o.cfg.LogsRoot, o.cfg.Workspace.BranchPrefix, o.cfg.Workspace.CopyIgnore, o.logger)
	adapters := o.adapterOverride
	if adapters == nil {
		adapters = agent.Roster(o.cfg, filepath.Join(store.Dir(), "agents"), o.logger)
	}
	tests := testrunner.NewRunner(testrunner.Options{
		DefaultTimeout:   time.Duration(o.cfg.Testing.TimeoutSec) * time.Second,
		MaxOutputChars:   o.cfg.Testing.MaxOutputChars,
		InstallIfMissing: o.cfg.Testing.InstallIfMissing,
		InstallCommand:   o.cfg.Testing.InstallCommand,
		UnitCommand:      o.cfg.Testing.UnitCommand,
		E2ECommand:       o.cfg.Testing.E2ECommand,
	}, o.logger)
	prompts := prompt.NewChannel(store.PromptsDir(), o.cfg.PollInterval(), o.terminal, o.logger)
	for _, n := range o.notifiers {
		prompts.AddNotifier(n)
	}
	sched := scheduler.New(o.cfg, store, adapters, wm, tests, prompts, o.logger)
	return &runDeps{store: store, sched: sched, wm: wm, prompts: prompts, adapters: adapters}
}

// StartRun creates a new run for task and drives it to a terminal status.
func (o *Orchestrator) StartRun(ctx context.Context, task string) (*state.Run, error) {
	runID := fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])

	run := state.NewRun(runID, o.cfg.RepoPath, task, o.cfg.Workspace.Strategy)
	run.PersistRequested = o.persistRequested()

	store, err := state.New(o.cfg.LogsRoot, run, o.logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	deps := o.buildDeps(store)

	// The auto strategy resolves once per run so provisioning stays
	// deterministic across iterations and resumes.
	resolved := deps.wm.Resolve(workspace.Strategy(o.cfg.Workspace.Strategy), o.cfg.RepoPath)
	if err := store.Update("run.created", map[string]any{"task": task, "strategy": resolved}, func(r *state.Run) {
		r.Strategy = string(resolved)
		r.Status = state.RunRunning
	}); err != nil {
		return nil, err
	}

	o.logger.Info("run started", "run_id", runID, "strategy", resolved)
	return o.drive(ctx, deps, run)
}

// ResumeRun reloads a persisted run and re-enters the scheduler at the stage
// the snapshot implies.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) (*state.Run, error) {
	store, err := state.Load(o.cfg.LogsRoot, runID, o.logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	run := store.Snapshot()
	stage := resume.Classify(run, len(o.cfg.Agents.Reviewers))
	o.logger.Info("resuming run", "run_id", runID, "stage", stage)
	if stage == resume.StageDone {
		return run, nil
	}

	deps := o.buildDeps(store)

	// Reload through the store so the scheduler mutates the live run.
	liveRun := deps.liveRun()
	if err := store.Update("run.resumed", map[string]any{"stage": stage}, func(r *state.Run) {
		r.Status = state.RunRunning
	}); err != nil {
		return nil, err
	}
	return o.drive(ctx, deps, liveRun)
}

// liveRun exposes the store's authoritative run pointer to the loop. The
// snapshot copy is only for read-side callers.
func (d *runDeps) liveRun() *state.Run {
	return d.store.Live()
}

func (o *Orchestrator) persistRequested() bool {
	return o.cfg.Workspace.Strategy != string(workspace.StrategyInPlace)
}

// drive loops the scheduler until approval, the iteration cap, abort, or an
// unrecoverable error. Iteration n+1 never opens before iteration n's
// disposition completed.
func (o *Orchestrator) drive(ctx context.Context, deps *runDeps, run *state.Run) (*state.Run, error) {
	// carried holds the adopted baseline path between a rejection and the
	// next iteration slot; it is re-recorded on that slot for resume.
	carried := ""
	for {
		it := run.CurrentIteration()
		// A rejected tail iteration opens the next slot; admin-escalated is
		// transient and re-enters consensus instead.
		if it == nil || it.Decision == state.DecisionRejected {
			next := len(run.Iterations)
			if max := o.cfg.Iterations.Max; max > 0 && next >= max {
				err := deps.store.Update("run.failed", map[string]any{"reason": "max-iterations-exceeded"}, func(r *state.Run) {
					r.MarkFailed("max-iterations-exceeded", "", fmt.Sprintf("no approval after %d iterations", max))
				})
				return run, err
			}

			baselineSrc := run.RepoPath
			if carried == "" && it != nil && it.NextBaselineSrc != "" {
				// Resume path: the prior process adopted a baseline before
				// dying.
				carried = it.NextBaselineSrc
			}
			if carried != "" {
				baselineSrc = carried
				carried = ""
			}

			if err := deps.store.Update("iteration.opened", map[string]any{"index": next}, func(r *state.Run) {
				r.Iterations = append(r.Iterations, &state.Iteration{
					Index:       next,
					Stage:       state.StagePlanning,
					BaselineSrc: baselineSrc,
					StartedAt:   time.Now().UTC(),
				})
			}); err != nil {
				return run, err
			}
			it = run.CurrentIteration()
		}

		outcome, err := deps.sched.RunIteration(ctx, run, it.BaselineSrc)
		if err != nil {
			return run, o.failOrAbort(deps, run, it, err)
		}

		switch outcome.Decision {
		case state.DecisionApproved:
			if err := o.persistApproval(ctx, deps, run, it, outcome); err != nil {
				return run, err
			}
			return run, nil
		default:
			o.logger.Info("iteration rejected", "iteration", it.Index, "winner", outcome.WinnerID)
			if outcome.NextBaseline != nil {
				carried = outcome.NextBaseline.Path
			}
		}
	}
}

func (o *Orchestrator) failOrAbort(deps *runDeps, run *state.Run, it *state.Iteration, cause error) error {
	if errors.Is(cause, errdefs.ErrUserAborted) || errors.Is(cause, context.Canceled) {
		deps.store.Update("run.aborted", nil, func(r *state.Run) {
			it.Decision = state.DecisionAborted
			it.Stage = state.StageDecided
			r.MarkAborted()
		})
		return errdefs.WrapErr(errdefs.ErrUserAborted, cause, "run aborted")
	}
	deps.store.Update("run.failed", map[string]any{"error": cause.Error()}, func(r *state.Run) {
		r.MarkFailed("iteration-failed", errdefs.KindName(cause), cause.Error())
	})
	return cause
}

// persistApproval commits/merges/applies the winning workspace per the
// configured strategy, then finalizes the run.
func (o *Orchestrator) persistApproval(ctx context.Context, deps *runDeps, run *state.Run, it *state.Iteration, outcome *scheduler.Outcome) error {
	winner := outcome.Winner
	if winner == nil {
		if cand := it.FindCandidate(outcome.WinnerID); cand != nil {
			if ws, ok := deps.wm.Reattach(cand.Workspace, run.RepoPath); ok {
				winner = ws
			}
		}
	}
	if run.PersistRequested {
		if winner == nil {
			deps.store.Update("run.failed", map[string]any{"reason": "approved-not-persisted"}, func(r *state.Run) {
				r.MarkFailed("approved-not-persisted", "workspace", "winner workspace lost before persistence")
			})
			return errdefs.Wrap(errdefs.ErrWorkspace, "winner workspace lost before persistence")
		}
		if err := o.persist(ctx, deps, run, it, winner); err != nil {
			deps.store.Update("run.failed", map[string]any{"reason": "approved-not-persisted", "error": err.Error()}, func(r *state.Run) {
				r.MarkFailed("approved-not-persisted", errdefs.KindName(err), err.Error())
			})
			return err
		}
	}

	if err := deps.store.Update("run.completed", map[string]any{"winner": outcome.WinnerID, "iteration": it.Index}, func(r *state.Run) {
		r.WinnerIteration = it.Index
		r.Persisted = run.PersistRequested
		r.MarkCompleted()
	}); err != nil {
		return err
	}

	// Winner workspace outlived persistence; the always policy reclaims it.
	if workspace.CleanupPolicy(o.cfg.Workspace.Cleanup) == workspace.CleanupAlways {
		deps.wm.Dispose(winner, workspace.CleanupAlways, false)
	}
	o.logger.Info("run completed", "run_id", run.RunID, "winner", outcome.WinnerID)
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, deps *runDeps, run *state.Run, it *state.Iteration, winner *workspace.Workspace) error {
	switch winner.Strategy {
	case workspace.StrategyCopy:
		if err := deps.wm.ApplyCopy(winner); err != nil {
			return err
		}
		deps.store.Update("persist.applied", map[string]any{"strategy": "copy"}, nil)
		return nil

	case workspace.StrategyWorktree:
		message := fmt.Sprintf("luigi: %s (run %s)", firstLine(run.Task), run.RunID)
		sha, err := deps.wm.Commit(winner, message)
		if err != nil {
			return err
		}
		deps.store.Update("persist.committed", map[string]any{"sha": sha, "branch": winner.BranchName}, nil)

		if !o.cfg.Persistence.AutoMergeOnApproval {
			return nil
		}
		mergeMsg := fmt.Sprintf("luigi: merge %s (run %s)", winner.BranchName, run.RunID)
		err = deps.wm.MergeIntoTarget(winner, o.cfg.Persistence.TargetBranch, o.cfg.Persistence.DirtyTarget, mergeMsg)
		if errors.Is(err, errdefs.ErrMergeConflict) {
			err = o.delegateMergeConflict(ctx, deps, run, it, winner, mergeMsg)
		}
		if err != nil {
			return err
		}
		deps.store.Update("persist.merged", map[string]any{"branch": winner.BranchName}, nil)
		return nil

	default: // in_place: changes already live in the repo
		return nil
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
