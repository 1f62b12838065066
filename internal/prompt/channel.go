// Package prompt implements the human rendezvous: requests are serialized
// into the run's prompt directory where UI or notifier collaborators can see
// them, and the first response file (or terminal reply) resolves the request.
package prompt

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/luigidev/luigi/internal/errdefs"
	"github.com/luigidev/luigi/internal/fsutil"
	"github.com/luigidev/luigi/internal/state"
)

// Response is a human answer to a PromptRequest. Which fields are populated
// depends on the request kind.
type Response struct {
	ID      string   `json:"id"`
	Answers []string `json:"answers,omitempty"`
	Task    string   `json:"task,omitempty"`
	Winner  string   `json:"winner,omitempty"`
	Verdict string   `json:"verdict,omitempty"`
	Notes   string   `json:"notes,omitempty"`
}

// Notifier mirrors a request to an external delivery channel (chat bot,
// webhook). Implementations must not block.
type Notifier interface {
	NotifyRequest(req *state.PromptRequest)
}

// Terminal satisfies requests interactively. When a Channel has a terminal,
// every request is answered there at once; the channel does not check
// whether a UI is watching the prompt directory.
type Terminal interface {
	Ask(req *state.PromptRequest) (*Response, error)
}

// Channel resolves PromptRequests over the run's prompt directory.
type Channel struct {
	dir          string
	pollInterval time.Duration
	notifiers    []Notifier
	terminal     Terminal
	logger       *slog.Logger
}

// NewChannel creates a channel over dir. terminal may be nil for headless
// operation.
func NewChannel(dir string, pollInterval time.Duration, terminal Terminal, logger *slog.Logger) *Channel {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Channel{dir: dir, pollInterval: pollInterval, terminal: terminal, logger: logger}
}

// AddNotifier registers an external notifier for request fan-out.
func (c *Channel) AddNotifier(n Notifier) { c.notifiers = append(c.notifiers, n) }

func (c *Channel) requestPath(id string) string {
	return filepath.Join(c.dir, id+".request.json")
}

func (c *Channel) responsePath(id string) string {
	return filepath.Join(c.dir, id+".response.json")
}

// Ask publishes req and blocks until a response arrives, the request
// deadline passes (ErrDeadline), or ctx is cancelled (ErrUserAborted).
// Request and response files are deleted once resolved.
func (c *Channel) Ask(ctx context.Context, req *state.PromptRequest) (*Response, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrStorage, err, "failed to create prompt directory")
	}
	if err := fsutil.AtomicWriteJSON(c.requestPath(req.ID), req); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrStorage, err, "failed to write prompt request")
	}
	defer os.Remove(c.requestPath(req.ID))

	for _, n := range c.notifiers {
		n.NotifyRequest(req)
	}

	// Terminal fallback: answer immediately when interactive.
	if c.terminal != nil {
		resp, err := c.terminal.Ask(req)
		if err != nil {
			return nil, err
		}
		resp.ID = req.ID
		return resp, nil
	}

	return c.waitForResponse(ctx, req)
}

func (c *Channel) waitForResponse(ctx context.Context, req *state.PromptRequest) (*Response, error) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(c.dir); err != nil {
			c.logger.Warn("prompt watcher unavailable, polling only", "error", err)
			watcher.Close()
			watcher = nil
		}
	} else {
		c.logger.Warn("fsnotify unavailable, polling only", "error", err)
		watcher = nil
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if req.Deadline != nil {
		timer := time.NewTimer(time.Until(*req.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}

	respPath := c.responsePath(req.ID)
	for {
		if resp, ok := c.tryReadResponse(respPath, req.ID); ok {
			return resp, nil
		}

		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ctx.Done():
			return nil, errdefs.Wrap(errdefs.ErrUserAborted, "prompt %s cancelled", req.ID)
		case <-deadline:
			return nil, errdefs.Wrap(errdefs.ErrDeadline, "prompt %s timed out", req.ID)
		case <-ticker.C:
		case evt := <-events:
			if evt.Name != respPath {
				continue
			}
		}
	}
}

// tryReadResponse reads and consumes the response file once it parses. A
// half-written file is left for the next wakeup.
func (c *Channel) tryReadResponse(path, id string) (*Response, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	os.Remove(path)
	resp.ID = id
	return &resp, true
}

// StdinTerminal prompts on the controlling terminal.
type StdinTerminal struct {
	In  io.Reader
	Out io.Writer
}

// NewStdinTerminalOrNil returns a Terminal over stdin/stderr, or nil when
// stdin is not a TTY (headless operation relies on the file rendezvous).
func NewStdinTerminalOrNil() Terminal {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return nil
	}
	return &StdinTerminal{In: os.Stdin, Out: os.Stderr}
}

// Ask implements Terminal.
func (t *StdinTerminal) Ask(req *state.PromptRequest) (*Response, error) {
	reader := bufio.NewReader(t.In)
	resp := &Response{ID: req.ID}

	switch req.Kind {
	case state.PromptInitialTask, state.PromptSessionNextTask:
		fmt.Fprintln(t.Out, "Enter the task to work on:")
		line, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		resp.Task = line
	case state.PromptAdminTiebreak:
		fmt.Fprintln(t.Out, "Reviewers disagree. Candidates:")
		for _, cand := range req.Candidates {
			fmt.Fprintf(t.Out, "  %s  tests: %s\n", cand.CandidateID, cand.TestSummary)
		}
		fmt.Fprint(t.Out, "Winning candidate id: ")
		winner, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		fmt.Fprint(t.Out, "Verdict (approved/rejected): ")
		verdict, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		resp.Winner = winner
		resp.Verdict = strings.ToUpper(verdict)
	default:
		for _, q := range req.Questions {
			fmt.Fprintf(t.Out, "%s\n> ", q)
			line, err := readLine(reader)
			if err != nil {
				return nil, err
			}
			resp.Answers = append(resp.Answers, line)
		}
	}
	return resp, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", errdefs.WrapErr(errdefs.ErrUserAborted, err, "terminal input closed")
	}
	return strings.TrimSpace(line), nil
}

// NewRequest creates a pending PromptRequest.
func NewRequest(id string, kind state.PromptKind, questions []string) *state.PromptRequest {
	return &state.PromptRequest{
		ID:        id,
		Kind:      kind,
		Questions: questions,
		Status:    state.PromptPending,
		CreatedAt: time.Now().UTC(),
	}
}
