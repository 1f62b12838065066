// Package state owns the persisted shadow of a run: the atomically rewritten
// state.json snapshot and the append-only history.log. In-memory structures
// are authoritative while the process lives; the snapshot becomes
// authoritative after a crash.
package state

import (
	"time"

	"github.com/luigidev/luigi/internal/protocol"
	"github.com/luigidev/luigi/internal/testrunner"
)

// RunStatus is the overall state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunIdle      RunStatus = "idle"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Decision is the outcome of one iteration.
type Decision string

const (
	DecisionNone           Decision = ""
	DecisionApproved       Decision = "approved"
	DecisionRejected       Decision = "rejected"
	DecisionAdminEscalated Decision = "admin-escalated"
	DecisionAborted        Decision = "aborted"
)

// CandidateStatus tracks one executor attempt.
type CandidateStatus string

const (
	CandidatePending            CandidateStatus = "pending"
	CandidateRunning            CandidateStatus = "running"
	CandidateNeedsClarification CandidateStatus = "needs-clarification"
	CandidateDone               CandidateStatus = "done"
	CandidateFailed             CandidateStatus = "failed"
)

// IterationStage tracks scheduler progress within an iteration.
type IterationStage string

const (
	StagePlanning  IterationStage = "planning"
	StageExecuting IterationStage = "executing"
	StageTesting   IterationStage = "testing"
	StageReviewing IterationStage = "reviewing"
	StageDecided   IterationStage = "decided"
)

// PromptKind classifies an outstanding human question.
type PromptKind string

const (
	PromptInitialTask     PromptKind = "initial-task"
	PromptReviewerClarify PromptKind = "reviewer-clarification"
	PromptAdminTiebreak   PromptKind = "admin-tiebreak"
	PromptSessionNextTask PromptKind = "session-next-task"
)

// PromptStatus is the lifecycle of a PromptRequest.
type PromptStatus string

const (
	PromptPending   PromptStatus = "pending"
	PromptResolved  PromptStatus = "resolved"
	PromptCancelled PromptStatus = "cancelled"
)

// WorkspaceRef is the serializable handle to a materialized working tree.
// Re-attachment on resume goes by Path.
type WorkspaceRef struct {
	Strategy     string `json:"strategy"`
	Path         string `json:"path"`
	RunDir       string `json:"run_dir"`
	BaselinePath string `json:"baseline_path,omitempty"`
	BranchName   string `json:"branch_name,omitempty"`
	Dirty        bool   `json:"dirty,omitempty"`
}

// CandidateContext is the per-candidate material attached to an
// admin-tiebreak prompt.
type CandidateContext struct {
	CandidateID string `json:"candidate_id"`
	DiffSummary string `json:"diff_summary,omitempty"`
	TestSummary string `json:"test_summary,omitempty"`
}

// PromptRequest is a question awaiting a human.
type PromptRequest struct {
	ID         string             `json:"id"`
	Kind       PromptKind         `json:"kind"`
	Questions  []string           `json:"questions"`
	Reviews    []*protocol.Review `json:"reviews,omitempty"`
	Candidates []CandidateContext `json:"candidates,omitempty"`
	Status     PromptStatus       `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	Deadline   *time.Time         `json:"deadline,omitempty"`
}

// Candidate is one executor's attempt to implement a plan.
type Candidate struct {
	ID            string                   `json:"id"`
	ExecutorID    string                   `json:"executor_id"`
	PlanID        string                   `json:"plan_id"`
	Workspace     *WorkspaceRef            `json:"workspace,omitempty"`
	Status        CandidateStatus          `json:"status"`
	SessionID     string                   `json:"session_id,omitempty"`
	LastResult    *protocol.ExecutorResult `json:"last_result,omitempty"`
	TestReport    *testrunner.Report       `json:"test_report,omitempty"`
	ClarifyRounds int                      `json:"clarify_rounds,omitempty"`
	DiffSummary   string                   `json:"diff_summary,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// Iteration is one plan/execute/test/review cycle.
type Iteration struct {
	Index      int                `json:"index"`
	Stage      IterationStage     `json:"stage"`
	// BaselineSrc is the directory candidate workspaces are seeded from:
	// the repo itself, or a carried-forward winner from the prior iteration.
	BaselineSrc string `json:"baseline_src,omitempty"`
	// NextBaselineSrc records the adopted carry-forward baseline after a
	// rejection, so resume can seed the next iteration identically.
	NextBaselineSrc string `json:"next_baseline_src,omitempty"`
	Plans      []*protocol.Plan   `json:"plans"`
	Candidates []*Candidate       `json:"candidates"`
	Reviews    []*protocol.Review `json:"reviews"`
	Decision   Decision           `json:"decision,omitempty"`
	WinnerID   string             `json:"winner_id,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	DecidedAt  *time.Time         `json:"decided_at,omitempty"`
}

// Run is the unit of work for one task.
type Run struct {
	RunID            string           `json:"run_id"`
	RepoPath         string           `json:"repo_path"`
	Task             string           `json:"task"`
	Strategy         string           `json:"strategy"`
	Status           RunStatus        `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	Iterations       []*Iteration     `json:"iterations"`
	WinnerIteration  int              `json:"winner_iteration"`
	Prompts          []*PromptRequest `json:"prompts,omitempty"`
	PersistRequested bool             `json:"persist_requested,omitempty"`
	Persisted        bool             `json:"persisted,omitempty"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	ErrorKind        string           `json:"error_kind,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
}

// NewRun creates a pending run.
func NewRun(runID, repoPath, task, strategy string) *Run {
	return &Run{
		RunID:           runID,
		RepoPath:        repoPath,
		Task:            task,
		Strategy:        strategy,
		Status:          RunPending,
		CreatedAt:       time.Now().UTC(),
		WinnerIteration: -1,
	}
}

// CurrentIteration returns the last iteration, or nil when none started.
func (r *Run) CurrentIteration() *Iteration {
	if len(r.Iterations) == 0 {
		return nil
	}
	return r.Iterations[len(r.Iterations)-1]
}

// FindPlan resolves a plan id within the iteration.
func (it *Iteration) FindPlan(id string) *protocol.Plan {
	for _, p := range it.Plans {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// FindCandidate resolves a candidate id within the iteration.
func (it *Iteration) FindCandidate(id string) *Candidate {
	for _, c := range it.Candidates {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ReviewFor returns the review a reviewer gave a candidate, or nil.
func (it *Iteration) ReviewFor(reviewerID, candidateID string) *protocol.Review {
	for _, rv := range it.Reviews {
		if rv.ReviewerID == reviewerID && rv.CandidateID == candidateID {
			return rv
		}
	}
	return nil
}

// MarkCompleted transitions the run to completed.
func (r *Run) MarkCompleted() {
	r.Status = RunCompleted
	now := time.Now().UTC()
	r.CompletedAt = &now
}

// MarkFailed transitions the run to failed with a machine-readable reason.
func (r *Run) MarkFailed(reason, kind, message string) {
	r.Status = RunFailed
	r.FailureReason = reason
	r.ErrorKind = kind
	r.ErrorMessage = message
	now := time.Now().UTC()
	r.CompletedAt = &now
}

// MarkAborted transitions the run to aborted.
func (r *Run) MarkAborted() {
	r.Status = RunAborted
	now := time.Now().UTC()
	r.CompletedAt = &now
}
