// Package protocol defines the structured JSON contract between luigi and
// its agent child processes: planner/reviewer plans, executor results, and
// reviewer decisions. The orchestrator never interprets anything an agent
// prints beyond the final structured message.
package protocol

import "time"

// Phase sentinels. Every prompt sent to an agent begins with one of these so
// mocks and future agents can route on the first line alone.
const (
	PhasePlan    = "PHASE: PLAN"
	PhaseExecute = "PHASE: EXECUTE"
	PhaseReview  = "PHASE: REVIEW"
)

// Executor result statuses.
const (
	ExecutorDone   = "DONE"
	ExecutorFailed = "FAILED"
	// ExecutorNeedsReviewer asks the orchestrator to relay questions to the
	// reviewers and resume the executor session with their answers.
	ExecutorNeedsReviewer = "NEEDS_REVIEWER"
	// ExecutorNeedsCodex is the historical spelling of NEEDS_REVIEWER, still
	// emitted by older executor builds.
	ExecutorNeedsCodex = "NEEDS_CODEX"
)

// Reviewer statuses, shared by plans and reviews.
const (
	ReviewApproved       = "APPROVED"
	ReviewRejected       = "REJECTED"
	ReviewNeedsUserInput = "NEEDS_USER_INPUT"
	PlanOK               = "OK"
)

// TestCommand is one test invocation requested by a plan.
type TestCommand struct {
	Argv       []string `json:"argv"`
	Cwd        string   `json:"cwd,omitempty"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`
}

// Plan is the structured output of a planner call. TestCommands == nil is
// the "use fallback" sentinel; an empty non-nil slice is invalid.
type Plan struct {
	ID           string        `json:"id"`
	ReviewerID   string        `json:"reviewer_id"`
	Status       string        `json:"status"`
	ClaudePrompt string        `json:"claude_prompt"`
	Tasks        []string      `json:"tasks"`
	TestCommands []TestCommand `json:"test_commands"`
	Questions    []string      `json:"questions,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// UseFallbackTests reports whether the plan left test selection to the
// configured fallback commands.
func (p *Plan) UseFallbackTests() bool { return p.TestCommands == nil }

// NeedsUserInput reports whether the planner paused for clarification.
func (p *Plan) NeedsUserInput() bool { return p.Status == ReviewNeedsUserInput }

// ExecutorResult is the structured output of an executor call.
type ExecutorResult struct {
	Status    string   `json:"status"`
	Summary   string   `json:"summary"`
	Questions []string `json:"questions,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// NeedsClarification reports whether the executor paused for reviewer input,
// accepting both the current and the historical status spelling.
func (r *ExecutorResult) NeedsClarification() bool {
	return r.Status == ExecutorNeedsReviewer || r.Status == ExecutorNeedsCodex
}

// Review is one reviewer's evaluation of one candidate.
type Review struct {
	ReviewerID  string    `json:"reviewer_id"`
	CandidateID string    `json:"candidate_id"`
	Status      string    `json:"status"`
	Ranking     []string  `json:"ranking"`
	Feedback    string    `json:"feedback"`
	Questions   []string  `json:"questions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Final reports whether the review carries a usable verdict rather than a
// request for user input.
func (r *Review) Final() bool {
	return r.Status == ReviewApproved || r.Status == ReviewRejected
}
