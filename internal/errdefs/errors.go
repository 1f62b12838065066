// Package errdefs defines the error kinds shared across luigi components.
// Every kind is a sentinel usable with errors.Is; Wrap attaches context while
// preserving the kind for exit-code classification at the CLI boundary.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig indicates an invalid or unusable configuration. Surfaced
	// before any run starts; never retried.
	ErrConfig = errors.New("config error")

	// ErrStorage indicates the state store cannot persist. Fatal for the run.
	ErrStorage = errors.New("storage error")

	// ErrWorkspace indicates a workspace could not be provisioned or applied.
	// Fatal for the owning candidate; the iteration may continue with others.
	ErrWorkspace = errors.New("workspace error")

	// ErrAgentInvocation indicates an agent process failed without producing
	// a structured message.
	ErrAgentInvocation = errors.New("agent invocation error")

	// ErrAgentProtocol indicates an agent produced a structured message that
	// does not validate.
	ErrAgentProtocol = errors.New("agent protocol error")

	// ErrTestCommand indicates the test runner itself failed for a candidate.
	// A test command that fails, times out or cannot be launched is recorded
	// as data in the report (exit code 127 for a launch failure), not as an
	// error.
	ErrTestCommand = errors.New("test command error")

	// ErrMergeConflict indicates a worktree merge hit conflicts.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrUserAborted indicates a deliberate shutdown (signal or prompt cancel).
	ErrUserAborted = errors.New("user aborted")

	// ErrDeadline indicates a bounded operation ran out of time.
	ErrDeadline = errors.New("deadline exceeded")
)

// Wrap builds an error from format and args and tags it with kind. The result
// satisfies errors.Is(result, kind), and errors.Is also matches any error
// wrapped in format with %w.
func Wrap(kind error, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// WrapErr attaches an underlying cause in addition to the kind.
func WrapErr(kind error, cause error, msg string) error {
	if cause == nil {
		return &kindError{kind: kind, err: errors.New(msg)}
	}
	return &kindError{kind: kind, err: fmt.Errorf("%s: %w", msg, cause)}
}

// Kind returns the sentinel kind of err, or nil when err carries none.
func Kind(err error) error {
	for _, k := range []error{
		ErrConfig, ErrStorage, ErrWorkspace, ErrAgentInvocation,
		ErrAgentProtocol, ErrTestCommand, ErrMergeConflict,
		ErrUserAborted, ErrDeadline,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName returns a machine-readable name for the error kind carried by err.
func KindName(err error) string {
	switch Kind(err) {
	case ErrConfig:
		return "config"
	case ErrStorage:
		return "storage"
	case ErrWorkspace:
		return "workspace"
	case ErrAgentInvocation:
		return "agent_invocation"
	case ErrAgentProtocol:
		return "agent_protocol"
	case ErrTestCommand:
		return "test_command"
	case ErrMergeConflict:
		return "merge_conflict"
	case ErrUserAborted:
		return "user_aborted"
	case ErrDeadline:
		return "deadline_exceeded"
	default:
		return "internal"
	}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.err }
