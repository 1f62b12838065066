// Package testharness provides in-process fake agents and repo fixtures for
// exercising the orchestration loop without real agent CLIs.
package testharness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/luigidev/luigi/internal/protocol"
)

// Call records one invocation of a fake agent.
type Call struct {
	Op      string // "plan" | "execute" | "review"
	Dir     string
	Prompt  string
	Session string
}

// FakeAgent implements agent.Adapter with pluggable behavior.
type FakeAgent struct {
	AgentID     string
	PlanFunc    func(dir, prompt string) (*protocol.Plan, error)
	ExecuteFunc func(dir, prompt, session string) (*protocol.ExecutorResult, error)
	ReviewFunc  func(dir, prompt string) (*protocol.Review, error)

	mu    sync.Mutex
	calls []Call
}

// NewFakeAgent creates a fake agent with the given id.
func NewFakeAgent(id string) *FakeAgent {
	return &FakeAgent{AgentID: id}
}

// ID implements agent.Adapter.
func (f *FakeAgent) ID() string { return f.AgentID }

// Plan implements agent.Adapter.
func (f *FakeAgent) Plan(_ context.Context, dir, prompt string) (*protocol.Plan, error) {
	f.record(Call{Op: "plan", Dir: dir, Prompt: prompt})
	if f.PlanFunc == nil {
		return nil, fmt.Errorf("fake agent %s has no PlanFunc", f.AgentID)
	}
	plan, err := f.PlanFunc(dir, prompt)
	if err != nil {
		return nil, err
	}
	plan.ReviewerID = f.AgentID
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	return plan, nil
}

// Execute implements agent.Adapter.
func (f *FakeAgent) Execute(_ context.Context, dir, prompt, session string) (*protocol.ExecutorResult, error) {
	f.record(Call{Op: "execute", Dir: dir, Prompt: prompt, Session: session})
	if f.ExecuteFunc == nil {
		return nil, fmt.Errorf("fake agent %s has no ExecuteFunc", f.AgentID)
	}
	return f.ExecuteFunc(dir, prompt, session)
}

// Review implements agent.Adapter.
func (f *FakeAgent) Review(_ context.Context, dir, prompt string) (*protocol.Review, error) {
	f.record(Call{Op: "review", Dir: dir, Prompt: prompt})
	if f.ReviewFunc == nil {
		return nil, fmt.Errorf("fake agent %s has no ReviewFunc", f.AgentID)
	}
	review, err := f.ReviewFunc(dir, prompt)
	if err != nil {
		return nil, err
	}
	review.ReviewerID = f.AgentID
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}
	return review, nil
}

func (f *FakeAgent) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

// Calls returns a copy of the recorded invocations.
func (f *FakeAgent) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call{}, f.calls...)
}

// CallCount returns how many times op was invoked.
func (f *FakeAgent) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// StaticPlan returns a PlanFunc that always yields the same OK plan.
func StaticPlan(promptText string, tasks []string, testCommands []protocol.TestCommand) func(string, string) (*protocol.Plan, error) {
	return func(string, string) (*protocol.Plan, error) {
		return &protocol.Plan{
			Status:       protocol.PlanOK,
			ClaudePrompt: promptText,
			Tasks:        tasks,
			TestCommands: testCommands,
		}, nil
	}
}

// ApproveAll returns a ReviewFunc approving every candidate with the ranking
// parsed from the prompt's candidate list order.
func ApproveAll() func(string, string) (*protocol.Review, error) {
	return RankedReview(protocol.ReviewApproved, nil)
}

// RejectAll returns a ReviewFunc rejecting every candidate.
func RejectAll(feedback string) func(string, string) (*protocol.Review, error) {
	f := RankedReview(protocol.ReviewRejected, nil)
	return func(dir, prompt string) (*protocol.Review, error) {
		rv, err := f(dir, prompt)
		if err == nil {
			rv.Feedback = feedback
		}
		return rv, err
	}
}

// RankedReview returns a ReviewFunc with a fixed status and ranking. A nil
// ranking is recovered from the candidate ids listed in the prompt.
func RankedReview(status string, ranking []string) func(string, string) (*protocol.Review, error) {
	return func(_, prompt string) (*protocol.Review, error) {
		r := ranking
		if r == nil {
			r = CandidateIDsFromPrompt(prompt)
		}
		return &protocol.Review{
			Status:   status,
			Ranking:  r,
			Feedback: "looks " + strings.ToLower(status),
		}, nil
	}
}

// CandidateIDsFromPrompt extracts candidate ids from a review prompt in
// listing order.
func CandidateIDsFromPrompt(prompt string) []string {
	var ids []string
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "candidate_id: "); ok {
			ids = append(ids, rest)
		}
	}
	return ids
}

// DoneExecutor returns an ExecuteFunc that writes files into the workspace
// and reports DONE.
func DoneExecutor(files map[string]string, summary string) func(string, string, string) (*protocol.ExecutorResult, error) {
	return func(dir, _, _ string) (*protocol.ExecutorResult, error) {
		if err := WriteFiles(dir, files); err != nil {
			return nil, err
		}
		return &protocol.ExecutorResult{Status: protocol.ExecutorDone, Summary: summary}, nil
	}
}
