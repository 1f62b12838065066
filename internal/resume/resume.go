// Package resume classifies a persisted run snapshot into the stage the
// scheduler should re-enter after a crash or restart.
package resume

import (
	"github.com/luigidev/luigi/internal/state"
)

// Stage is the re-entry point for a resumed run.
type Stage string

const (
	// StagePlanning: no plans recorded yet.
	StagePlanning Stage = "planning"
	// StageExecution: plans present, some candidate has not finished its
	// execute/test pipeline.
	StageExecution Stage = "execution"
	// StageReview: candidates complete, some (reviewer, candidate) review
	// is missing.
	StageReview Stage = "review"
	// StageConsensus: all reviews recorded, decision absent.
	StageConsensus Stage = "consensus"
	// StageDisposition: decision approved, persistence incomplete.
	StageDisposition Stage = "disposition"
	// StageDone: the run reached a terminal status.
	StageDone Stage = "done"
)

// Classify inspects the snapshot and names the stage to re-enter.
// reviewerCount is the number of configured reviewers (N in the N×M review
// matrix).
func Classify(run *state.Run, reviewerCount int) Stage {
	switch run.Status {
	case state.RunCompleted, state.RunFailed, state.RunAborted:
		return StageDone
	}

	it := run.CurrentIteration()
	if it == nil || len(it.Plans) == 0 {
		return StagePlanning
	}

	if it.Decision == state.DecisionApproved {
		if run.PersistRequested && !run.Persisted {
			return StageDisposition
		}
		return StageDone
	}
	if it.Decision == state.DecisionRejected || it.Decision == state.DecisionAborted {
		// A decided-but-rejected tail iteration means the next slot was
		// never opened; planning starts the next cycle.
		return StagePlanning
	}

	if len(it.Candidates) == 0 || candidatesIncomplete(it) {
		return StageExecution
	}

	reviewable := 0
	for _, cand := range it.Candidates {
		if cand.Status == state.CandidateDone {
			reviewable++
		}
	}
	if len(it.Reviews) < reviewerCount*reviewable {
		return StageReview
	}
	return StageConsensus
}

func candidatesIncomplete(it *state.Iteration) bool {
	for _, cand := range it.Candidates {
		switch cand.Status {
		case state.CandidateDone:
			if cand.TestReport == nil {
				return true
			}
		case state.CandidateFailed:
		default:
			return true
		}
	}
	return false
}
