// Package agent invokes the external planner/reviewer and executor programs
// and normalizes their structured JSON output. Agents are child processes;
// the adapter owns the invocation contract and session-resume semantics.
package agent

import (
	"context"

	"github.com/luigidev/luigi/internal/protocol"
)

// Adapter is the capability behind which agent implementations live. One
// adapter instance fronts one configured agent.
type Adapter interface {
	// ID returns the configured agent id.
	ID() string

	// Plan asks a reviewer-role agent for a plan. The prompt carries the
	// PHASE: PLAN sentinel and any accumulated Q&A context.
	Plan(ctx context.Context, dir, prompt string) (*protocol.Plan, error)

	// Execute asks an executor-role agent to implement a plan inside dir.
	// A non-empty session resumes the executor's prior conversation.
	Execute(ctx context.Context, dir, prompt, session string) (*protocol.ExecutorResult, error)

	// Review asks a reviewer-role agent to evaluate candidates.
	Review(ctx context.Context, dir, prompt string) (*protocol.Review, error)
}
