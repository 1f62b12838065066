package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/luigidev/luigi/internal/errdefs"
	"github.com/luigidev/luigi/internal/gitutil"
	"github.com/luigidev/luigi/internal/protocol"
	"github.com/luigidev/luigi/internal/state"
	"github.com/luigidev/luigi/internal/workspace"
)

// delegateMergeConflict hands a conflicted merge to an executor agent working
// directly in the target repo, then retries the merge. Failure leaves the run
// approved but not persisted.
func (o *Orchestrator) delegateMergeConflict(ctx context.Context, deps *runDeps, run *state.Run, it *state.Iteration, winner *workspace.Workspace, mergeMsg string) error {
	executorID := o.cfg.Agents.Executors[0].ID
	executor := deps.adapters[executorID]

	conflicts := gitutil.UnmergedFiles(run.RepoPath)
	deps.store.Update("merge.conflict", map[string]any{"files": conflicts, "delegate": executorID}, nil)
	o.logger.Warn("merge conflict, delegating resolution", "files", conflicts, "executor", executorID)

	result, err := executor.Execute(ctx, run.RepoPath, conflictPrompt(run, it, conflicts), "")
	if err != nil {
		gitutil.AbortMerge(run.RepoPath)
		return errdefs.WrapErr(errdefs.ErrMergeConflict, err, "conflict resolution failed")
	}
	if result.Status != protocol.ExecutorDone {
		gitutil.AbortMerge(run.RepoPath)
		return errdefs.Wrap(errdefs.ErrMergeConflict, "executor could not resolve conflicts: %s", result.Summary)
	}

	if err := deps.wm.RetryMerge(winner, mergeMsg); err != nil {
		gitutil.AbortMerge(run.RepoPath)
		return err
	}
	deps.store.Update("merge.resolved", map[string]any{"files": conflicts}, nil)
	return nil
}

func conflictPrompt(run *state.Run, it *state.Iteration, conflicts []string) string {
	var b strings.Builder
	b.WriteString(protocol.PhaseExecute + "\n")
	b.WriteString("A merge of the approved changes into the target branch hit conflicts.\n")
	b.WriteString("Resolve every conflict in this repository, keeping the approved behavior, then stage the results.\n")
	b.WriteString("Finish with JSON matching the executor_result schema (status DONE or FAILED).\n\n")
	fmt.Fprintf(&b, "User task:\n%s\n\n", run.Task)
	if winner := it.FindCandidate(it.WinnerID); winner != nil {
		if plan := it.FindPlan(winner.PlanID); plan != nil {
			fmt.Fprintf(&b, "Approved plan:\n%s\n\n", plan.ClaudePrompt)
		}
	}
	b.WriteString("Conflicting files:\n")
	for _, f := range conflicts {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}
