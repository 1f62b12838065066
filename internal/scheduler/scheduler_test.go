package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luigidev/luigi/internal/agent"
	"github.com/luigidev/luigi/internal/config"
	"github.com/luigidev/luigi/internal/prompt"
	"github.com/luigidev/luigi/internal/protocol"
	"github.com/luigidev/luigi/internal/state"
	"github.com/luigidev/luigi/internal/testrunner"
	"github.com/luigidev/luigi/internal/workspace"
	"github.com/luigidev/luigi/pkg/testharness"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedTerminal satisfies prompts programmatically.
type scriptedTerminal struct {
	requests []*state.PromptRequest
	answer   func(*state.PromptRequest) *prompt.Response
}

func (s *scriptedTerminal) Ask(req *state.PromptRequest) (*prompt.Response, error) {
	s.requests = append(s.requests, req)
	return s.answer(req), nil
}

type env struct {
	cfg   *config.Config
	store *state.Store
	sched *Scheduler
	repo  string
	wm    *workspace.Manager
}

func newEnv(t *testing.T, fakes []*testharness.FakeAgent, reviewerIDs, executorIDs []string, perPlan int, term prompt.Terminal) *env {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, testharness.WriteFiles(repo, map[string]string{
		"src/divide.js": "module.exports = (a, b) => a / b;\n",
	}))
	logsRoot := t.TempDir()

	cfg := &config.Config{
		RepoPath: repo,
		LogsRoot: logsRoot,
		Agents: config.AgentsConfig{
			Assignment:             config.AssignmentConfig{ExecutorsPerPlan: perPlan},
			MaxQuestionRounds:      3,
			MaxClarificationRounds: 3,
		},
		Workspace: config.WorkspaceConfig{
			Strategy:     "copy",
			BranchPrefix: "luigi",
			Cleanup:      "on_success",
			CarryForward: true,
		},
		Testing: config.TestingConfig{
			UnitCommand: []string{"sh", "-c", "exit 0"},
			E2ECommand:  []string{"sh", "-c", "exit 0"},
		},
	}
	for _, id := range reviewerIDs {
		cfg.Agents.Reviewers = append(cfg.Agents.Reviewers, config.AgentSpec{ID: id, Command: []string{"fake"}})
	}
	for _, id := range executorIDs {
		cfg.Agents.Executors = append(cfg.Agents.Executors, config.AgentSpec{ID: id, Command: []string{"fake"}})
	}

	adapters := map[string]agent.Adapter{}
	for _, f := range fakes {
		adapters[f.AgentID] = f
	}

	run := state.NewRun("run-sched", repo, "add divide-by-zero handling", "copy")
	run.Status = state.RunRunning
	store, err := state.New(logsRoot, run, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Update("iteration.opened", nil, func(r *state.Run) {
		r.Iterations = append(r.Iterations, &state.Iteration{
			Index: 0, Stage: state.StagePlanning, BaselineSrc: repo, StartedAt: time.Now().UTC(),
		})
	}))

	wm := workspace.NewManager(logsRoot, "luigi", nil, testLogger())
	tests := testrunner.NewRunner(testrunner.Options{
		UnitCommand: cfg.Testing.UnitCommand,
		E2ECommand:  cfg.Testing.E2ECommand,
	}, testLogger())
	prompts := prompt.NewChannel(store.PromptsDir(), 20*time.Millisecond, term, testLogger())
	sched := New(cfg, store, adapters, wm, tests, prompts, testLogger())

	return &env{cfg: cfg, store: store, sched: sched, repo: repo, wm: wm}
}

// S1: minimal happy path — one reviewer, one executor, tests pass, approved.
func TestIterationHappyPath(t *testing.T) {
	reviewer := testharness.NewFakeAgent("rev-1")
	reviewer.PlanFunc = testharness.StaticPlan(
		"implement divide-by-zero throw",
		[]string{"guard divide"},
		[]protocol.TestCommand{{Argv: []string{"sh", "-c", "grep -q zero src/divide.js"}}},
	)
	reviewer.ReviewFunc = testharness.ApproveAll()

	executor := testharness.NewFakeAgent("exec-1")
	executor.ExecuteFunc = testharness.DoneExecutor(map[string]string{
		"src/divide.js": "module.exports = (a, b) => { if (b === 0) throw new Error('zero'); return a / b; };\n",
	}, "rewrote divide")

	e := newEnv(t, []*testharness.FakeAgent{reviewer, executor}, []string{"rev-1"}, []string{"exec-1"}, 1, nil)

	outcome, err := e.sched.RunIteration(context.Background(), e.store.Live(), e.repo)
	require.NoError(t, err)

	assert.Equal(t, state.DecisionApproved, outcome.Decision)
	assert.Equal(t, "c1", outcome.WinnerID)
	require.NotNil(t, outcome.Winner)

	summary, err := e.wm.SnapshotChanges(outcome.Winner)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/divide.js"}, summary.Changed)

	it := e.store.Live().CurrentIteration()
	assert.Equal(t, state.StageDecided, it.Stage)
	require.Len(t, it.Candidates, 1)
	assert.Equal(t, state.CandidateDone, it.Candidates[0].Status)
	require.NotNil(t, it.Candidates[0].TestReport)
	assert.True(t, it.Candidates[0].TestReport.AllPassed())
}

// S2: an executor clarification round resumes the same session.
func TestIterationClarificationRoundReusesSession(t *testing.T) {
	planCalls := 0
	reviewer := testharness.NewFakeAgent("rev-1")
	reviewer.PlanFunc = func(dir, prompt string) (*protocol.Plan, error) {
		planCalls++
		if planCalls == 1 {
			return &protocol.Plan{
				Status:       protocol.PlanOK,
				ClaudePrompt: "implement divide-by-zero handling",
				Tasks:        []string{"t"},
			}, nil
		}
		// Clarification call: answer the executor's question.
		return &protocol.Plan{
			Status:       protocol.PlanOK,
			ClaudePrompt: "throw",
			Tasks:        []string{"t"},
		}, nil
	}
	reviewer.ReviewFunc = testharness.ApproveAll()

	execCalls := 0
	executor := testharness.NewFakeAgent("exec-1")
	executor.ExecuteFunc = func(dir, promptText, session string) (*protocol.ExecutorResult, error) {
		execCalls++
		if execCalls == 1 {
			assert.Empty(t, session)
			return &protocol.ExecutorResult{
				Status:    protocol.ExecutorNeedsReviewer,
				Summary:   "need guidance",
				Questions: []string{"Throw or return null?"},
				SessionID: "sess-42",
			}, nil
		}
		assert.Equal(t, "sess-42", session, "resume must reuse the executor session")
		assert.Contains(t, promptText, "throw")
		testharness.WriteFiles(dir, map[string]string{"src/divide.js": "throws now\n"})
		return &protocol.ExecutorResult{Status: protocol.ExecutorDone, Summary: "done"}, nil
	}

	e := newEnv(t, []*testharness.FakeAgent{reviewer, executor}, []string{"rev-1"}, []string{"exec-1"}, 1, nil)

	outcome, err := e.sched.RunIteration(context.Background(), e.store.Live(), e.repo)
	require.NoError(t, err)

	assert.Equal(t, state.DecisionApproved, outcome.Decision)
	assert.Equal(t, 2, execCalls)
	assert.Equal(t, 2, planCalls, "one plan call, one clarification call")

	cand := e.store.Live().CurrentIteration().Candidates[0]
	assert.Equal(t, "sess-42", cand.SessionID)
	assert.Equal(t, 1, cand.ClarifyRounds)
}

// S3: Borda tie + verdict split escalates to the admin, whose choice wins.
func TestIterationAdminTiebreak(t *testing.T) {
	revA := testharness.NewFakeAgent("rev-a")
	revA.PlanFunc = testharness.StaticPlan("implement", []string{"t"}, nil)
	revA.ReviewFunc = func(dir, promptText string) (*protocol.Review, error) {
		return &protocol.Review{Status: protocol.ReviewApproved, Ranking: []string{"c1", "c2"}, Feedback: "c1 best"}, nil
	}

	revB := testharness.NewFakeAgent("rev-b")
	revB.PlanFunc = func(dir, prompt string) (*protocol.Plan, error) {
		return nil, fmt.Errorf("planner offline") // single plan, two executors
	}
	revB.ReviewFunc = func(dir, promptText string) (*protocol.Review, error) {
		return &protocol.Review{Status: protocol.ReviewRejected, Ranking: []string{"c2", "c1"}, Feedback: "c2 best"}, nil
	}

	mkExec := func(id, content string) *testharness.FakeAgent {
		f := testharness.NewFakeAgent(id)
		f.ExecuteFunc = testharness.DoneExecutor(map[string]string{"src/divide.js": content}, id+" attempt")
		return f
	}
	execA := mkExec("exec-a", "attempt a\n")
	execB := mkExec("exec-b", "attempt b\n")

	term := &scriptedTerminal{}
	term.answer = func(req *state.PromptRequest) *prompt.Response {
		return &prompt.Response{Winner: "c2", Verdict: "approved"}
	}

	e := newEnv(t,
		[]*testharness.FakeAgent{revA, revB, execA, execB},
		[]string{"rev-a", "rev-b"}, []string{"exec-a", "exec-b"}, 2, term)

	outcome, err := e.sched.RunIteration(context.Background(), e.store.Live(), e.repo)
	require.NoError(t, err)

	it := e.store.Live().CurrentIteration()
	require.Len(t, it.Plans, 1)
	require.Len(t, it.Candidates, 2)
	// Consensus waits for all reviewer × candidate reviews.
	require.Len(t, it.Reviews, 4)

	// The tie-break prompt carried every review and both candidate diffs.
	require.Len(t, term.requests, 1)
	req := term.requests[0]
	assert.Equal(t, state.PromptAdminTiebreak, req.Kind)
	assert.Len(t, req.Reviews, 4)
	assert.Len(t, req.Candidates, 2)

	assert.Equal(t, state.DecisionApproved, outcome.Decision)
	assert.Equal(t, "c2", outcome.WinnerID)
}

// Rejection with carry-forward adopts the winner as the next baseline.
func TestIterationRejectionCarriesForward(t *testing.T) {
	reviewer := testharness.NewFakeAgent("rev-1")
	reviewer.PlanFunc = testharness.StaticPlan("implement", []string{"t"}, nil)
	reviewer.ReviewFunc = testharness.RejectAll("not finished")

	executor := testharness.NewFakeAgent("exec-1")
	executor.ExecuteFunc = testharness.DoneExecutor(map[string]string{"src/divide.js": "partial fix\n"}, "partial")

	e := newEnv(t, []*testharness.FakeAgent{reviewer, executor}, []string{"rev-1"}, []string{"exec-1"}, 1, nil)

	outcome, err := e.sched.RunIteration(context.Background(), e.store.Live(), e.repo)
	require.NoError(t, err)

	assert.Equal(t, state.DecisionRejected, outcome.Decision)
	require.NotNil(t, outcome.NextBaseline)

	// The adopted baseline contains exactly the rejected winner's files.
	data, err := os.ReadFile(filepath.Join(outcome.NextBaseline.Path, "src", "divide.js"))
	require.NoError(t, err)
	assert.Equal(t, "partial fix\n", string(data))

	it := e.store.Live().CurrentIteration()
	assert.Equal(t, outcome.NextBaseline.Path, it.NextBaselineSrc)
}

// Resume: a snapshot with executed+tested candidates re-enters at review
// without re-running executors.
func TestIterationResumeSkipsExecution(t *testing.T) {
	reviewer := testharness.NewFakeAgent("rev-1")
	reviewer.PlanFunc = testharness.StaticPlan("implement", []string{"t"}, nil)
	reviewer.ReviewFunc = testharness.ApproveAll()

	executor := testharness.NewFakeAgent("exec-1")
	executor.ExecuteFunc = testharness.DoneExecutor(map[string]string{"src/divide.js": "done\n"}, "done")

	e := newEnv(t, []*testharness.FakeAgent{reviewer, executor}, []string{"rev-1"}, []string{"exec-1"}, 1, nil)

	// First pass up to testing: run the full iteration, then strip reviews
	// and the decision to simulate a crash between testing and review.
	_, err := e.sched.RunIteration(context.Background(), e.store.Live(), e.repo)
	require.NoError(t, err)
	require.NoError(t, e.store.Update("simulate.crash", nil, func(r *state.Run) {
		it := r.CurrentIteration()
		it.Reviews = nil
		it.Decision = state.DecisionNone
		it.DecidedAt = nil
		it.Stage = state.StageExecuting
	}))

	executorCallsBefore := executor.CallCount("execute")

	outcome, err := e.sched.RunIteration(context.Background(), e.store.Live(), e.repo)
	require.NoError(t, err)
	assert.Equal(t, state.DecisionApproved, outcome.Decision)
	assert.Equal(t, executorCallsBefore, executor.CallCount("execute"), "resume must not re-run executors")
	assert.Greater(t, reviewer.CallCount("review"), 0)
}

// All candidates failing fails the iteration.
func TestIterationAllCandidatesFailed(t *testing.T) {
	reviewer := testharness.NewFakeAgent("rev-1")
	reviewer.PlanFunc = testharness.StaticPlan("implement", []string{"t"}, nil)
	reviewer.ReviewFunc = testharness.ApproveAll()

	executor := testharness.NewFakeAgent("exec-1")
	executor.ExecuteFunc = func(dir, promptText, session string) (*protocol.ExecutorResult, error) {
		return &protocol.ExecutorResult{Status: protocol.ExecutorFailed, Summary: "could not build"}, nil
	}

	e := newEnv(t, []*testharness.FakeAgent{reviewer, executor}, []string{"rev-1"}, []string{"exec-1"}, 1, nil)

	_, err := e.sched.RunIteration(context.Background(), e.store.Live(), e.repo)
	require.Error(t, err)

	cand := e.store.Live().CurrentIteration().Candidates[0]
	assert.Equal(t, state.CandidateFailed, cand.Status)
	assert.NotEmpty(t, cand.Error)
}

// The clarification cap fails the candidate instead of looping forever.
func TestIterationClarificationCap(t *testing.T) {
	reviewer := testharness.NewFakeAgent("rev-1")
	reviewer.PlanFunc = testharness.StaticPlan("implement", []string{"t"}, nil)
	reviewer.ReviewFunc = testharness.ApproveAll()

	executor := testharness.NewFakeAgent("exec-1")
	executor.ExecuteFunc = func(dir, promptText, session string) (*protocol.ExecutorResult, error) {
		return &protocol.ExecutorResult{
			Status:    protocol.ExecutorNeedsReviewer,
			Questions: []string{"still unsure"},
			SessionID: "sess-loop",
		}, nil
	}

	e := newEnv(t, []*testharness.FakeAgent{reviewer, executor}, []string{"rev-1"}, []string{"exec-1"}, 1, nil)

	_, err := e.sched.RunIteration(context.Background(), e.store.Live(), e.repo)
	require.Error(t, err)

	cand := e.store.Live().CurrentIteration().Candidates[0]
	assert.Equal(t, state.CandidateFailed, cand.Status)
	assert.Equal(t, e.cfg.Agents.MaxClarificationRounds, cand.ClarifyRounds)
}
