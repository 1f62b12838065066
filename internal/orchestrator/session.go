package orchestrator

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/luigidev/luigi/internal/errdefs"
	"github.com/luigidev/luigi/internal/prompt"
	"github.com/luigidev/luigi/internal/state"
)

// RunSession drives one run for task, then — in session mode — stays idle
// waiting for follow-up tasks, starting a new run per task in the same
// process. An empty or "." task defers to the prompt channel (UI-first).
func (o *Orchestrator) RunSession(ctx context.Context, task string) (*state.Run, error) {
	intake := prompt.NewChannel(filepath.Join(o.cfg.LogsRoot, "prompts"), o.cfg.PollInterval(), o.terminal, o.logger)
	for _, n := range o.notifiers {
		intake.AddNotifier(n)
	}

	if task == "" || task == "." {
		next, err := o.askTask(ctx, intake, state.PromptInitialTask)
		if err != nil {
			return nil, err
		}
		task = next
	}

	for {
		run, err := o.StartRun(ctx, task)
		if err != nil || !o.cfg.SessionMode {
			return run, err
		}

		o.logger.Info("session idle, awaiting next task")
		next, err := o.askTask(ctx, intake, state.PromptSessionNextTask)
		if err != nil {
			if errors.Is(err, errdefs.ErrUserAborted) {
				return run, nil
			}
			return run, err
		}
		task = next
	}
}

func (o *Orchestrator) askTask(ctx context.Context, intake *prompt.Channel, kind state.PromptKind) (string, error) {
	req := prompt.NewRequest(uuid.New().String(), kind, []string{"What should luigi work on next?"})
	resp, err := intake.Ask(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.Task == "" {
		return "", errdefs.Wrap(errdefs.ErrUserAborted, "empty task provided")
	}
	return resp.Task, nil
}
