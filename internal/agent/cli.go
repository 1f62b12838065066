package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/luigidev/luigi/internal/config"
	"github.com/luigidev/luigi/internal/errdefs"
	"github.com/luigidev/luigi/internal/protocol"
)

// PythonOverrideEnv selects an interpreter for legacy Python agent scripts.
const PythonOverrideEnv = "LUIGI_PYTHON"

// stderrTailBytes bounds the stderr excerpt kept in the invocation log.
const stderrTailBytes = 4096

// CLIAgent invokes one configured agent binary per the child-process
// contract: working-directory flag, an output-last-message file the agent
// writes its final structured message to, and the prompt as the final
// positional argument.
type CLIAgent struct {
	id      string
	command []string
	env     map[string]string
	logPath string
	retry   config.RetryConfig
	logger  *slog.Logger
}

// NewCLIAgent builds an adapter for spec, logging invocations to logPath.
func NewCLIAgent(spec config.AgentSpec, retry config.RetryConfig, logPath string, logger *slog.Logger) *CLIAgent {
	return &CLIAgent{
		id:      spec.ID,
		command: spec.Command,
		env:     spec.Env,
		logPath: logPath,
		retry:   retry,
		logger:  logger,
	}
}

// ID returns the configured agent id.
func (a *CLIAgent) ID() string { return a.id }

// Plan implements Adapter.
func (a *CLIAgent) Plan(ctx context.Context, dir, prompt string) (*protocol.Plan, error) {
	var plan protocol.Plan
	err := a.invokeStructured(ctx, dir, prompt, "", func(data []byte) error {
		if err := json.Unmarshal(data, &plan); err != nil {
			return errdefs.WrapErr(errdefs.ErrAgentProtocol, err, "plan message does not parse")
		}
		return protocol.ValidatePlan(&plan)
	})
	if err != nil {
		return nil, err
	}
	plan.ReviewerID = a.id
	plan.CreatedAt = time.Now().UTC()
	return &plan, nil
}

// Execute implements Adapter.
func (a *CLIAgent) Execute(ctx context.Context, dir, prompt, session string) (*protocol.ExecutorResult, error) {
	var result protocol.ExecutorResult
	err := a.invokeStructured(ctx, dir, prompt, session, func(data []byte) error {
		if err := json.Unmarshal(data, &result); err != nil {
			return errdefs.WrapErr(errdefs.ErrAgentProtocol, err, "executor message does not parse")
		}
		return protocol.ValidateExecutorResult(&result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Review implements Adapter.
func (a *CLIAgent) Review(ctx context.Context, dir, prompt string) (*protocol.Review, error) {
	var review protocol.Review
	err := a.invokeStructured(ctx, dir, prompt, "", func(data []byte) error {
		if err := json.Unmarshal(data, &review); err != nil {
			return errdefs.WrapErr(errdefs.ErrAgentProtocol, err, "review message does not parse")
		}
		return protocol.ValidateReview(&review, nil)
	})
	if err != nil {
		return nil, err
	}
	review.ReviewerID = a.id
	review.CreatedAt = time.Now().UTC()
	return &review, nil
}

// invokeStructured runs the agent with retries and exponential backoff,
// handing the final structured message to decode. Only invocation and
// protocol errors are retried.
func (a *CLIAgent) invokeStructured(ctx context.Context, dir, prompt, session string, decode func([]byte) error) error {
	attempts := a.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(a.retry.BackoffInitialMs) * time.Millisecond
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := time.Duration(a.retry.BackoffMaxMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			a.logger.Warn("retrying agent invocation", "agent", a.id, "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return errdefs.WrapErr(errdefs.ErrUserAborted, ctx.Err(), "agent invocation cancelled")
			case <-time.After(backoff):
			}
			backoff *= 2
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		data, err := a.invokeOnce(ctx, dir, prompt, session)
		if err == nil {
			err = decode(data)
			if err == nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return errdefs.WrapErr(errdefs.ErrUserAborted, ctx.Err(), "agent invocation cancelled")
		}
		lastErr = err
	}
	return lastErr
}

func (a *CLIAgent) invokeOnce(ctx context.Context, dir, prompt, session string) ([]byte, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrAgentInvocation, err, "failed to resolve working directory")
	}

	outFile, err := os.CreateTemp("", "luigi-last-message-*.json")
	if err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrAgentInvocation, err, "failed to create output capture file")
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	argv := a.buildArgv(absDir, outPath, prompt, session)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = absDir
	// Environment passes through untouched apart from configured extras.
	cmd.Env = os.Environ()
	for k, v := range a.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if runErr != nil {
		exitCode = -1
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}
	a.logInvocation(prompt, exitCode, elapsed, stderr.Bytes())

	data, readErr := os.ReadFile(outPath)
	hasMessage := readErr == nil && len(bytes.TrimSpace(data)) > 0

	if runErr != nil && !hasMessage {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errdefs.Wrap(errdefs.ErrDeadline, "agent %s timed out after %s", a.id, elapsed.Round(time.Second))
		}
		return nil, errdefs.Wrap(errdefs.ErrAgentInvocation,
			"agent %s exited %d with no structured message: %s", a.id, exitCode, tail(stderr.String(), 500))
	}
	if !hasMessage {
		return nil, errdefs.Wrap(errdefs.ErrAgentProtocol, "agent %s produced no structured message", a.id)
	}
	return data, nil
}

func (a *CLIAgent) buildArgv(absDir, outPath, prompt, session string) []string {
	argv := append([]string{}, a.command...)
	if py := os.Getenv(PythonOverrideEnv); py != "" && strings.HasSuffix(argv[0], ".py") {
		argv = append([]string{py}, argv...)
	}
	argv = append(argv, "--cd", absDir, "--output-last-message", outPath)
	if session != "" {
		argv = append(argv, "--resume", session)
	}
	return append(argv, prompt)
}

// logInvocation appends one NDJSON record per invocation to the agent's log.
func (a *CLIAgent) logInvocation(prompt string, exitCode int, elapsed time.Duration, stderr []byte) {
	if a.logPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0755); err != nil {
		return
	}
	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	record := map[string]any{
		"ts":          time.Now().UTC().Format(time.RFC3339),
		"agent":       a.id,
		"phase":       extractPhase(prompt),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
	}
	if len(stderr) > 0 {
		record["stderr_tail"] = tail(string(stderr), stderrTailBytes)
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
}

// extractPhase pulls the PHASE sentinel off the first prompt line.
func extractPhase(prompt string) string {
	line, _, _ := strings.Cut(prompt, "\n")
	if rest, ok := strings.CutPrefix(line, "PHASE: "); ok {
		return rest
	}
	return "UNKNOWN"
}

func tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}

var _ Adapter = (*CLIAgent)(nil)

// Roster builds adapters for every configured agent, keyed by id.
func Roster(cfg *config.Config, agentLogDir string, logger *slog.Logger) map[string]Adapter {
	adapters := make(map[string]Adapter)
	for _, spec := range cfg.Agents.Reviewers {
		adapters[spec.ID] = NewCLIAgent(spec, cfg.Agents.Retry, filepath.Join(agentLogDir, spec.ID+".ndjson"), logger)
	}
	for _, spec := range cfg.Agents.Executors {
		adapters[spec.ID] = NewCLIAgent(spec, cfg.Agents.Retry, filepath.Join(agentLogDir, spec.ID+".ndjson"), logger)
	}
	return adapters
}

// Prompt builders shared by the scheduler and orchestrator. Prompts always
// lead with the phase sentinel so mocks can route on the first line.

// PlanPrompt builds the planner prompt for task with optional Q&A context.
func PlanPrompt(task, userContext string) string {
	var b strings.Builder
	b.WriteString(protocol.PhasePlan + "\n")
	b.WriteString("You are a reviewer planning the work. Output JSON matching the plan schema exactly.\n")
	b.WriteString("- Always include: status, claude_prompt, tasks, test_commands, questions, notes.\n")
	b.WriteString("- For a normal plan set status to \"OK\"; for clarification set status to \"NEEDS_USER_INPUT\".\n")
	b.WriteString("- Keep tasks incremental and testable.\n")
	b.WriteString("- Include test_commands only if the project already has tests; otherwise set null.\n\n")
	fmt.Fprintf(&b, "User task:\n%s\n", task)
	if userContext != "" {
		fmt.Fprintf(&b, "\nUser context / answers:\n%s\n", userContext)
	}
	return b.String()
}

// ClarifyPrompt builds the reviewer prompt answering an executor's questions
// mid-candidate, reusing the plan phase with conversation context.
func ClarifyPrompt(task string, questions []string, planPrompt string) string {
	var b strings.Builder
	b.WriteString(protocol.PhasePlan + "\n")
	b.WriteString("An executor working on your plan needs answers before continuing.\n")
	b.WriteString("Output JSON matching the plan schema with status \"OK\"; put your answers in claude_prompt and keep tasks/test_commands from the original plan.\n\n")
	fmt.Fprintf(&b, "User task:\n%s\n\n", task)
	fmt.Fprintf(&b, "Original plan prompt:\n%s\n\n", planPrompt)
	b.WriteString("Executor questions:\n")
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	return b.String()
}

// ExecutePrompt builds the executor prompt for a plan.
func ExecutePrompt(planPrompt string) string {
	var b strings.Builder
	b.WriteString(protocol.PhaseExecute + "\n")
	b.WriteString("You are the executor. Implement the plan in this workspace.\n")
	b.WriteString("When finished, output JSON matching the executor_result schema:\n")
	b.WriteString("- Always include: status, summary, questions, session_id, notes.\n")
	b.WriteString("- Use status \"DONE\" or \"FAILED\"; use \"NEEDS_REVIEWER\" with questions to pause for guidance.\n\n")
	fmt.Fprintf(&b, "Plan prompt:\n%s\n", planPrompt)
	return b.String()
}

// ResumePrompt builds the follow-up executor prompt carrying reviewer answers.
func ResumePrompt(answers []string) string {
	var b strings.Builder
	b.WriteString(protocol.PhaseExecute + "\n")
	b.WriteString("The reviewers answered your questions. Continue implementing and finish with the same structured output.\n\n")
	b.WriteString("Answers:\n")
	for i, a := range answers {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}
	return b.String()
}

// ReviewPrompt builds the reviewer prompt over all candidates.
func ReviewPrompt(task, candidatesText, userContext string) string {
	var b strings.Builder
	b.WriteString(protocol.PhaseReview + "\n")
	b.WriteString("You are a reviewer. Rank all candidates and decide whether the task is done.\n")
	b.WriteString("Output JSON matching the review schema:\n")
	b.WriteString("- Always include: status, candidate_id, ranking, feedback, questions.\n")
	b.WriteString("- ranking lists every candidate id, best first.\n")
	b.WriteString("- Only set status \"APPROVED\" if all user requirements are fully satisfied.\n")
	b.WriteString("- If ANY required work remains (missing features, bugs, failing tests), set status \"REJECTED\".\n")
	b.WriteString("- If you need clarification from the admin, set status \"NEEDS_USER_INPUT\" and add questions.\n\n")
	fmt.Fprintf(&b, "User task:\n%s\n\n", task)
	fmt.Fprintf(&b, "Candidates:\n%s\n", candidatesText)
	if userContext != "" {
		fmt.Fprintf(&b, "\nUser context / answers:\n%s\n", userContext)
	}
	return b.String()
}
