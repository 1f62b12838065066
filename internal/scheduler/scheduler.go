// Package scheduler coordinates one iteration of the orchestration loop:
// planning, candidate assignment, execution, testing, review, consensus, and
// disposition. Candidate pipelines run concurrently; a candidate's tests
// start as soon as its executor finishes, and reviews start only after every
// candidate has its test results recorded.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/luigidev/luigi/internal/agent"
	"github.com/luigidev/luigi/internal/config"
	"github.com/luigidev/luigi/internal/errdefs"
	"github.com/luigidev/luigi/internal/prompt"
	"github.com/luigidev/luigi/internal/protocol"
	"github.com/luigidev/luigi/internal/state"
	"github.com/luigidev/luigi/internal/testrunner"
	"github.com/luigidev/luigi/internal/workspace"
)

// diffPreviewChars bounds the per-candidate diff excerpt shown to reviewers.
const diffPreviewChars = 4000

// Outcome is the result of one iteration.
type Outcome struct {
	Decision state.Decision
	WinnerID string
	// Winner is the winning workspace, kept alive for persistence when the
	// iteration was approved.
	Winner *workspace.Workspace
	// NextBaseline is set when the iteration was rejected and carry-forward
	// adopted the winner as the next iteration's baseline.
	NextBaseline *workspace.Workspace
}

// Scheduler drives iterations for one run.
type Scheduler struct {
	cfg        *config.Config
	store      *state.Store
	adapters   map[string]agent.Adapter
	workspaces *workspace.Manager
	tests      *testrunner.Runner
	prompts    *prompt.Channel
	logger     *slog.Logger

	// userContext accumulates Q&A pairs shown to planners and reviewers.
	ctxMu       sync.Mutex
	userContext []string

	wsMu   sync.Mutex
	wsByID map[string]*workspace.Workspace
}

// New creates a scheduler.
func New(cfg *config.Config, store *state.Store, adapters map[string]agent.Adapter, wm *workspace.Manager, tests *testrunner.Runner, prompts *prompt.Channel, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		adapters:   adapters,
		workspaces: wm,
		tests:      tests,
		prompts:    prompts,
		logger:     logger,
		wsByID:     map[string]*workspace.Workspace{},
	}
}

// RunIteration executes (or, on resume, finishes) the run's current
// iteration using baselineSrc as the file source for candidate workspaces.
// Every phase is idempotent: completed work recorded in the snapshot is
// never redone.
func (s *Scheduler) RunIteration(ctx context.Context, run *state.Run, baselineSrc string) (*Outcome, error) {
	it := run.CurrentIteration()
	if it == nil {
		return nil, fmt.Errorf("scheduler: no iteration slot open")
	}

	if err := s.planning(ctx, run, it, baselineSrc); err != nil {
		return nil, err
	}
	if err := s.assignment(it); err != nil {
		return nil, err
	}
	if err := s.executeAndTest(ctx, run, it, baselineSrc); err != nil {
		return nil, err
	}
	if err := s.review(ctx, run, it); err != nil {
		return nil, err
	}
	return s.decide(ctx, run, it)
}

// ---- Phase 1: planning ----

func (s *Scheduler) planning(ctx context.Context, run *state.Run, it *state.Iteration, dir string) error {
	if len(it.Plans) > 0 {
		return nil
	}
	s.setStage(it, state.StagePlanning)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range s.cfg.Agents.Reviewers {
		reviewer := s.adapters[spec.ID]
		g.Go(func() error {
			plan, err := s.planWithClarifications(gctx, reviewer, run.Task, dir)
			if err != nil {
				if errdefs.Kind(err) == errdefs.ErrUserAborted || gctx.Err() != nil {
					return err
				}
				s.logger.Warn("planner failed", "reviewer", reviewer.ID(), "error", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			return s.store.Update("plan.recorded", map[string]any{"reviewer": reviewer.ID(), "plan_id": plan.ID}, func(r *state.Run) {
				it.Plans = append(it.Plans, plan)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(it.Plans) == 0 {
		return errdefs.Wrap(errdefs.ErrAgentInvocation, "no reviewer produced a plan")
	}
	return nil
}

func (s *Scheduler) planWithClarifications(ctx context.Context, reviewer agent.Adapter, task, dir string) (*protocol.Plan, error) {
	for round := 0; ; round++ {
		plan, err := reviewer.Plan(ctx, dir, agent.PlanPrompt(task, s.currentContext()))
		if err != nil {
			return nil, err
		}
		if !plan.NeedsUserInput() {
			plan.ID = "plan-" + reviewer.ID()
			return plan, nil
		}
		if round >= s.cfg.Agents.MaxQuestionRounds {
			return nil, errdefs.Wrap(errdefs.ErrAgentProtocol,
				"reviewer %s exceeded %d clarification rounds", reviewer.ID(), s.cfg.Agents.MaxQuestionRounds)
		}
		if err := s.askUser(ctx, state.PromptReviewerClarify, plan.Questions); err != nil {
			return nil, err
		}
	}
}

// askUser opens a PromptRequest, waits for the human, and folds the Q&A into
// the shared user context.
func (s *Scheduler) askUser(ctx context.Context, kind state.PromptKind, questions []string) error {
	req := prompt.NewRequest(uuid.New().String(), kind, questions)
	if err := s.recordPrompt(req); err != nil {
		return err
	}
	resp, err := s.prompts.Ask(ctx, req)
	if err != nil {
		s.resolvePrompt(req.ID, state.PromptCancelled)
		return err
	}
	s.resolvePrompt(req.ID, state.PromptResolved)

	s.ctxMu.Lock()
	for i, q := range questions {
		answer := ""
		if i < len(resp.Answers) {
			answer = resp.Answers[i]
		}
		s.userContext = append(s.userContext, fmt.Sprintf("Q: %s\nA: %s", q, answer))
	}
	s.ctxMu.Unlock()
	return nil
}

func (s *Scheduler) currentContext() string {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	return strings.Join(s.userContext, "\n")
}

func (s *Scheduler) recordPrompt(req *state.PromptRequest) error {
	return s.store.Update("prompt.opened", map[string]any{"id": req.ID, "kind": req.Kind}, func(r *state.Run) {
		r.Prompts = append(r.Prompts, req)
	})
}

func (s *Scheduler) resolvePrompt(id string, status state.PromptStatus) {
	s.store.Update("prompt.closed", map[string]any{"id": id, "status": status}, func(r *state.Run) {
		kept := r.Prompts[:0]
		for _, p := range r.Prompts {
			if p.ID != id {
				kept = append(kept, p)
			}
		}
		r.Prompts = kept
	})
}

// ---- Phase 2: assignment ----

// assignment creates one candidate per (plan, executor) pair, assigning
// executors_per_plan distinct executors to each plan round-robin. The
// Cartesian blow-up is deliberate: candidate count = plans × executors_per_plan.
func (s *Scheduler) assignment(it *state.Iteration) error {
	if len(it.Candidates) > 0 {
		return nil
	}
	executors := s.cfg.Agents.Executors
	perPlan := s.cfg.Agents.Assignment.ExecutorsPerPlan

	var candidates []*state.Candidate
	index := 0
	n := 0
	for _, plan := range it.Plans {
		for range perPlan {
			executor := executors[index%len(executors)]
			index++
			n++
			candidates = append(candidates, &state.Candidate{
				ID:         fmt.Sprintf("c%d", n),
				ExecutorID: executor.ID,
				PlanID:     plan.ID,
				Status:     state.CandidatePending,
			})
		}
	}
	return s.store.Update("candidates.assigned", map[string]any{"count": len(candidates)}, func(r *state.Run) {
		it.Candidates = candidates
	})
}

// ---- Phases 3+4: execution and testing, pipelined per candidate ----

func (s *Scheduler) executeAndTest(ctx context.Context, run *state.Run, it *state.Iteration, baselineSrc string) error {
	s.setStage(it, state.StageExecuting)

	g, gctx := errgroup.WithContext(ctx)
	for _, cand := range it.Candidates {
		if cand.Status == state.CandidateDone && cand.TestReport != nil {
			continue
		}
		if cand.Status == state.CandidateFailed {
			continue
		}
		g.Go(func() error {
			return s.runCandidate(gctx, run, it, cand, baselineSrc)
		})
	}
	return g.Wait()
}

// runCandidate drives one candidate through provisioning, execution with
// clarification rounds, and testing. Per-candidate failures are recorded on
// the candidate, never propagated, so sibling candidates keep running.
func (s *Scheduler) runCandidate(ctx context.Context, run *state.Run, it *state.Iteration, cand *state.Candidate, baselineSrc string) error {
	plan := it.FindPlan(cand.PlanID)
	if plan == nil {
		return s.failCandidate(cand, fmt.Errorf("candidate %s references unknown plan %s", cand.ID, cand.PlanID))
	}

	ws, err := s.provision(run, it, cand, baselineSrc)
	if err != nil {
		return s.failCandidate(cand, err)
	}

	if cand.Status != state.CandidateDone {
		if err := s.executeCandidate(ctx, run, plan, cand, ws); err != nil {
			if errdefs.Kind(err) == errdefs.ErrUserAborted || ctx.Err() != nil {
				return err
			}
			return s.failCandidate(cand, err)
		}
	}
	if cand.Status != state.CandidateDone {
		return nil
	}

	if cand.TestReport == nil {
		report, err := s.tests.Run(ctx, ws.Path, plan.TestCommands)
		if err != nil {
			if ctx.Err() != nil {
				return errdefs.WrapErr(errdefs.ErrUserAborted, ctx.Err(), "testing cancelled")
			}
			return s.failCandidate(cand, errdefs.WrapErr(errdefs.ErrTestCommand, err, "test runner failed"))
		}
		summary, serr := s.workspaces.SnapshotChanges(ws)
		diff := ""
		if serr != nil {
			s.logger.Warn("failed to summarize workspace changes", "candidate", cand.ID, "error", serr)
		} else {
			diff = summary.Diff
		}
		if err := s.store.Update("tests.recorded", map[string]any{"candidate": cand.ID, "passed": report.AllPassed()}, func(r *state.Run) {
			cand.TestReport = report
			cand.DiffSummary = diff
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) provision(run *state.Run, it *state.Iteration, cand *state.Candidate, baselineSrc string) (*workspace.Workspace, error) {
	// Resume path: reattach the recorded workspace when it still exists.
	if cand.Workspace != nil {
		if ws, ok := s.workspaces.Reattach(cand.Workspace, run.RepoPath); ok {
			s.keepWorkspace(cand.ID, ws)
			return ws, nil
		}
	}
	ws, err := s.workspaces.ProvisionCandidate(run.RepoPath, baselineSrc, run.RunID, it.Index, cand.ID, workspace.Strategy(run.Strategy))
	if err != nil {
		return nil, err
	}
	s.keepWorkspace(cand.ID, ws)
	if err := s.store.Update("workspace.provisioned", map[string]any{"candidate": cand.ID, "path": ws.Path}, func(r *state.Run) {
		cand.Workspace = ws.Ref()
	}); err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *Scheduler) executeCandidate(ctx context.Context, run *state.Run, plan *protocol.Plan, cand *state.Candidate, ws *workspace.Workspace) error {
	executor, ok := s.adapters[cand.ExecutorID]
	if !ok {
		return fmt.Errorf("unknown executor %s", cand.ExecutorID)
	}

	if err := s.setCandidateStatus(cand, state.CandidateRunning); err != nil {
		return err
	}

	promptText := agent.ExecutePrompt(plan.ClaudePrompt)
	for {
		result, err := executor.Execute(ctx, ws.Path, promptText, cand.SessionID)
		if err != nil {
			return err
		}
		if err := s.store.Update("executor.result", map[string]any{"candidate": cand.ID, "status": result.Status}, func(r *state.Run) {
			cand.LastResult = result
			if result.SessionID != "" {
				cand.SessionID = result.SessionID
			}
		}); err != nil {
			return err
		}

		switch {
		case result.Status == protocol.ExecutorDone:
			return s.setCandidateStatus(cand, state.CandidateDone)
		case result.NeedsClarification():
			if cand.ClarifyRounds >= s.cfg.Agents.MaxClarificationRounds {
				return errdefs.Wrap(errdefs.ErrAgentProtocol,
					"candidate %s exceeded %d clarification rounds", cand.ID, s.cfg.Agents.MaxClarificationRounds)
			}
			if err := s.setCandidateStatus(cand, state.CandidateNeedsClarification); err != nil {
				return err
			}
			answer, err := s.askReviewerForCandidate(ctx, run, plan, result.Questions)
			if err != nil {
				return err
			}
			if err := s.store.Update("candidate.clarified", map[string]any{"candidate": cand.ID}, func(r *state.Run) {
				cand.ClarifyRounds++
			}); err != nil {
				return err
			}
			if err := s.setCandidateStatus(cand, state.CandidateRunning); err != nil {
				return err
			}
			promptText = agent.ResumePrompt([]string{answer})
		default: // FAILED
			return errdefs.Wrap(errdefs.ErrAgentInvocation, "executor reported failure: %s", result.Summary)
		}
	}
}

// askReviewerForCandidate forwards executor questions to the plan's issuing
// reviewer and returns the answer text.
func (s *Scheduler) askReviewerForCandidate(ctx context.Context, run *state.Run, plan *protocol.Plan, questions []string) (string, error) {
	reviewer, ok := s.adapters[plan.ReviewerID]
	if !ok {
		return "", fmt.Errorf("unknown reviewer %s", plan.ReviewerID)
	}
	answerPlan, err := reviewer.Plan(ctx, run.RepoPath, agent.ClarifyPrompt(run.Task, questions, plan.ClaudePrompt))
	if err != nil {
		return "", err
	}
	if answerPlan.NeedsUserInput() {
		// The reviewer bounced the question to the human; relay it.
		if err := s.askUser(ctx, state.PromptReviewerClarify, answerPlan.Questions); err != nil {
			return "", err
		}
		return s.currentContext(), nil
	}
	return answerPlan.ClaudePrompt, nil
}

func (s *Scheduler) setCandidateStatus(cand *state.Candidate, status state.CandidateStatus) error {
	return s.store.Update("candidate.status", map[string]any{"candidate": cand.ID, "status": status}, func(r *state.Run) {
		cand.Status = status
	})
}

func (s *Scheduler) failCandidate(cand *state.Candidate, cause error) error {
	s.logger.Warn("candidate failed", "candidate", cand.ID, "error", cause)
	return s.store.Update("candidate.failed", map[string]any{"candidate": cand.ID, "error": cause.Error()}, func(r *state.Run) {
		cand.Status = state.CandidateFailed
		cand.Error = cause.Error()
	})
}

// ---- Phase 5: review ----

func (s *Scheduler) review(ctx context.Context, run *state.Run, it *state.Iteration) error {
	reviewable := reviewableIDs(it)
	if len(reviewable) == 0 {
		return errdefs.Wrap(errdefs.ErrWorkspace, "all candidates failed; nothing to review")
	}
	s.setStage(it, state.StageReviewing)

	candidatesText := s.candidatesText(it, reviewable)
	idSet := make(map[string]bool, len(reviewable))
	for _, id := range reviewable {
		idSet[id] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, spec := range s.cfg.Agents.Reviewers {
		reviewer := s.adapters[spec.ID]
		for _, candID := range reviewable {
			if it.ReviewFor(spec.ID, candID) != nil {
				continue
			}
			g.Go(func() error {
				review, err := s.reviewWithClarifications(gctx, reviewer, run, candID, candidatesText, idSet)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				return s.store.Update("review.recorded", map[string]any{
					"reviewer": spec.ID, "candidate": candID, "status": review.Status,
				}, func(r *state.Run) {
					it.Reviews = append(it.Reviews, review)
				})
			})
		}
	}
	return g.Wait()
}

func (s *Scheduler) reviewWithClarifications(ctx context.Context, reviewer agent.Adapter, run *state.Run, candID, candidatesText string, idSet map[string]bool) (*protocol.Review, error) {
	focused := fmt.Sprintf("%s\n\nThis review's verdict applies to candidate %s.", candidatesText, candID)
	for round := 0; ; round++ {
		review, err := reviewer.Review(ctx, run.RepoPath, agent.ReviewPrompt(run.Task, focused, s.currentContext()))
		if err != nil {
			return nil, err
		}
		if review.Final() {
			review.CandidateID = candID
			if err := protocol.ValidateReview(review, idSet); err != nil {
				return nil, err
			}
			return review, nil
		}
		if round >= s.cfg.Agents.MaxQuestionRounds {
			return nil, errdefs.Wrap(errdefs.ErrAgentProtocol,
				"reviewer %s exceeded %d clarification rounds", reviewer.ID(), s.cfg.Agents.MaxQuestionRounds)
		}
		if err := s.askUser(ctx, state.PromptReviewerClarify, review.Questions); err != nil {
			return nil, err
		}
	}
}

func (s *Scheduler) candidatesText(it *state.Iteration, ids []string) string {
	var b strings.Builder
	for _, id := range ids {
		cand := it.FindCandidate(id)
		fmt.Fprintf(&b, "candidate_id: %s\n", cand.ID)
		fmt.Fprintf(&b, "executor_id: %s\n", cand.ExecutorID)
		if cand.TestReport != nil {
			fmt.Fprintf(&b, "tests: %s\n", cand.TestReport.Summary())
		}
		if cand.LastResult != nil && cand.LastResult.Summary != "" {
			fmt.Fprintf(&b, "executor_summary: %s\n", cand.LastResult.Summary)
		}
		if cand.DiffSummary != "" {
			fmt.Fprintf(&b, "diff_preview:\n%s\n", truncate(cand.DiffSummary, diffPreviewChars))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ---- Phases 6+7: consensus and disposition ----

func (s *Scheduler) decide(ctx context.Context, run *state.Run, it *state.Iteration) (*Outcome, error) {
	// Resume path: the decision already landed before a crash; only the
	// disposition needs to be replayed.
	if it.Decision == state.DecisionApproved || it.Decision == state.DecisionRejected {
		return s.disposition(run, it, it.Decision, it.WinnerID)
	}

	reviewable := reviewableIDs(it)
	consensus := computeConsensus(it.Reviews, reviewable)

	winnerID := consensus.WinnerID
	verdict := consensus.Verdict

	if !consensus.Unanimous || winnerID == "" {
		// Reviewers disagree: escalate to the admin with full context.
		if err := s.store.Update("consensus.escalated", map[string]any{"scores": consensus.Scores}, func(r *state.Run) {
			it.Decision = state.DecisionAdminEscalated
		}); err != nil {
			return nil, err
		}
		chosenID, chosenVerdict, err := s.adminTiebreak(ctx, it, reviewable)
		if err != nil {
			return nil, err
		}
		winnerID = chosenID
		verdict = chosenVerdict
	}

	now := time.Now().UTC()
	if err := s.store.Update("iteration.decided", map[string]any{
		"iteration": it.Index, "decision": verdict, "winner": winnerID,
		"ranking": sortedScoreIDs(consensus.Scores, reviewable),
	}, func(r *state.Run) {
		it.Decision = verdict
		it.WinnerID = winnerID
		it.Stage = state.StageDecided
		it.DecidedAt = &now
	}); err != nil {
		return nil, err
	}

	return s.disposition(run, it, verdict, winnerID)
}

func (s *Scheduler) adminTiebreak(ctx context.Context, it *state.Iteration, reviewable []string) (string, state.Decision, error) {
	req := prompt.NewRequest(uuid.New().String(), state.PromptAdminTiebreak,
		[]string{"Reviewers disagree. Choose the winning candidate and a verdict."})
	req.Reviews = it.Reviews
	for _, id := range reviewable {
		cand := it.FindCandidate(id)
		ctxEntry := state.CandidateContext{CandidateID: id, DiffSummary: cand.DiffSummary}
		if cand.TestReport != nil {
			ctxEntry.TestSummary = cand.TestReport.Summary()
		}
		req.Candidates = append(req.Candidates, ctxEntry)
	}

	if err := s.recordPrompt(req); err != nil {
		return "", state.DecisionNone, err
	}
	resp, err := s.prompts.Ask(ctx, req)
	if err != nil {
		s.resolvePrompt(req.ID, state.PromptCancelled)
		return "", state.DecisionNone, err
	}
	s.resolvePrompt(req.ID, state.PromptResolved)

	winner := resp.Winner
	if it.FindCandidate(winner) == nil {
		return "", state.DecisionNone, errdefs.Wrap(errdefs.ErrAgentProtocol, "admin chose unknown candidate %q", winner)
	}
	verdict := state.DecisionRejected
	if strings.EqualFold(resp.Verdict, string(state.DecisionApproved)) || strings.EqualFold(resp.Verdict, protocol.ReviewApproved) {
		verdict = state.DecisionApproved
	}
	return winner, verdict, nil
}

func (s *Scheduler) disposition(run *state.Run, it *state.Iteration, verdict state.Decision, winnerID string) (*Outcome, error) {
	policy := workspace.CleanupPolicy(s.cfg.Workspace.Cleanup)

	var winnerWS *workspace.Workspace
	for _, cand := range it.Candidates {
		ws := s.workspaceFor(run, cand)
		if cand.ID == winnerID {
			winnerWS = ws
			continue
		}
		// Non-winning workspaces are destructible immediately after review.
		s.workspaces.Dispose(ws, policy, false)
	}

	outcome := &Outcome{Decision: verdict, WinnerID: winnerID}
	if verdict == state.DecisionApproved {
		outcome.Winner = winnerWS
		return outcome, nil
	}

	if s.cfg.Workspace.CarryForward && winnerWS != nil {
		baseline, err := s.workspaces.AdoptAsBaseline(winnerWS, run.RunID, it.Index+1)
		if err != nil {
			return nil, err
		}
		outcome.NextBaseline = baseline
		if err := s.store.Update("baseline.adopted", map[string]any{"path": baseline.Path}, func(r *state.Run) {
			it.NextBaselineSrc = baseline.Path
		}); err != nil {
			return nil, err
		}
	}
	s.workspaces.Dispose(winnerWS, policy, false)
	return outcome, nil
}

func (s *Scheduler) workspaceFor(run *state.Run, cand *state.Candidate) *workspace.Workspace {
	s.wsMu.Lock()
	ws := s.wsByID[cand.ID]
	s.wsMu.Unlock()
	if ws != nil {
		return ws
	}
	if reattached, ok := s.workspaces.Reattach(cand.Workspace, run.RepoPath); ok {
		return reattached
	}
	return nil
}

func (s *Scheduler) keepWorkspace(id string, ws *workspace.Workspace) {
	s.wsMu.Lock()
	s.wsByID[id] = ws
	s.wsMu.Unlock()
}

func (s *Scheduler) setStage(it *state.Iteration, stage state.IterationStage) {
	if it.Stage == stage {
		return
	}
	s.store.Update("iteration.stage", map[string]any{"iteration": it.Index, "stage": stage}, func(r *state.Run) {
		it.Stage = stage
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated] ..."
}
