package protocol

import (
	"github.com/luigidev/luigi/internal/errdefs"
)

// ValidatePlan checks a planner message for the shape the scheduler relies
// on. A NEEDS_USER_INPUT plan only needs questions; a normal plan needs a
// prompt, tasks, and either nil test_commands (use fallback) or a non-empty
// list of well-formed commands.
func ValidatePlan(p *Plan) error {
	if p == nil {
		return errdefs.Wrap(errdefs.ErrAgentProtocol, "plan: expected an object")
	}
	if p.Status == ReviewNeedsUserInput {
		if len(p.Questions) == 0 {
			return errdefs.Wrap(errdefs.ErrAgentProtocol, "plan: NEEDS_USER_INPUT requires questions")
		}
		return nil
	}
	if p.Status != PlanOK {
		return errdefs.Wrap(errdefs.ErrAgentProtocol, "plan: unknown status %q", p.Status)
	}
	if p.ClaudePrompt == "" {
		return errdefs.Wrap(errdefs.ErrAgentProtocol, "plan: claude_prompt must be a non-empty string")
	}
	if len(p.Tasks) == 0 {
		return errdefs.Wrap(errdefs.ErrAgentProtocol, "plan: tasks must be a non-empty list")
	}
	if p.TestCommands != nil {
		if len(p.TestCommands) == 0 {
			return errdefs.Wrap(errdefs.ErrAgentProtocol, "plan: test_commands must be null or a non-empty list")
		}
		for i, tc := range p.TestCommands {
			if len(tc.Argv) == 0 {
				return errdefs.Wrap(errdefs.ErrAgentProtocol, "plan: test_commands[%d].argv must be non-empty", i)
			}
			if tc.TimeoutSec < 0 {
				return errdefs.Wrap(errdefs.ErrAgentProtocol, "plan: test_commands[%d].timeout_sec must be positive", i)
			}
		}
	}
	return nil
}

// ValidateExecutorResult checks an executor message and canonicalizes the
// historical NEEDS_CODEX status to NEEDS_REVIEWER.
func ValidateExecutorResult(r *ExecutorResult) error {
	if r == nil {
		return errdefs.Wrap(errdefs.ErrAgentProtocol, "executor result: expected an object")
	}
	switch r.Status {
	case ExecutorDone, ExecutorFailed:
		return nil
	case ExecutorNeedsCodex:
		r.Status = ExecutorNeedsReviewer
		fallthrough
	case ExecutorNeedsReviewer:
		if len(r.Questions) == 0 {
			return errdefs.Wrap(errdefs.ErrAgentProtocol, "executor result: %s requires questions", ExecutorNeedsReviewer)
		}
		return nil
	default:
		return errdefs.Wrap(errdefs.ErrAgentProtocol, "executor result: unknown status %q", r.Status)
	}
}

// ValidateReview checks a reviewer decision against the candidate set it
// ranks. candidateIDs may be nil to skip membership checks.
func ValidateReview(r *Review, candidateIDs map[string]bool) error {
	if r == nil {
		return errdefs.Wrap(errdefs.ErrAgentProtocol, "review: expected an object")
	}
	if r.Status == ReviewNeedsUserInput {
		if len(r.Questions) == 0 {
			return errdefs.Wrap(errdefs.ErrAgentProtocol, "review: NEEDS_USER_INPUT requires questions")
		}
		return nil
	}
	if r.Status != ReviewApproved && r.Status != ReviewRejected {
		return errdefs.Wrap(errdefs.ErrAgentProtocol, "review: unknown status %q", r.Status)
	}
	if len(r.Ranking) == 0 {
		return errdefs.Wrap(errdefs.ErrAgentProtocol, "review: ranking must be a non-empty list")
	}
	if candidateIDs != nil {
		for _, id := range r.Ranking {
			if !candidateIDs[id] {
				return errdefs.Wrap(errdefs.ErrAgentProtocol, "review: ranking references unknown candidate %q", id)
			}
		}
	}
	return nil
}
