package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/luigidev/luigi/internal/errdefs"
	"github.com/luigidev/luigi/internal/fsutil"
)

// Event is one line of the append-only history log.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
}

// Store persists a run. All mutations flow through Update so state.json and
// history.log advance together; a single mutex serializes writers while
// readers outside the process observe whole atomic snapshots.
type Store struct {
	mu      sync.Mutex
	dir     string
	run     *Run
	history *os.File
	logger  *slog.Logger
}

// RunDir returns the per-run directory under logsRoot.
func RunDir(logsRoot, runID string) string {
	return filepath.Join(logsRoot, runID)
}

// New creates the run directory and an empty store for run.
func New(logsRoot string, run *Run, logger *slog.Logger) (*Store, error) {
	dir := RunDir(logsRoot, run.RunID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrStorage, err, "failed to create run directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, "prompts"), 0755); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrStorage, err, "failed to create prompts directory")
	}
	history, err := os.OpenFile(filepath.Join(dir, "history.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrStorage, err, "failed to open history log")
	}
	s := &Store{dir: dir, run: run, history: history, logger: logger}
	if err := s.writeSnapshotLocked(); err != nil {
		history.Close()
		return nil, err
	}
	return s, nil
}

// Load reopens the store for an existing run directory.
func Load(logsRoot, runID string, logger *slog.Logger) (*Store, error) {
	dir := RunDir(logsRoot, runID)
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrStorage, err, "failed to read state snapshot")
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrStorage, err, "failed to parse state snapshot")
	}
	history, err := os.OpenFile(filepath.Join(dir, "history.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errdefs.WrapErr(errdefs.ErrStorage, err, "failed to open history log")
	}
	return &Store{dir: dir, run: &run, history: history, logger: logger}, nil
}

// Dir returns the run directory.
func (s *Store) Dir() string { return s.dir }

// PromptsDir returns the prompt-channel rendezvous directory.
func (s *Store) PromptsDir() string { return filepath.Join(s.dir, "prompts") }

// AgentLogPath returns the per-agent log file path for agentID.
func (s *Store) AgentLogPath(agentID string) string {
	return filepath.Join(s.dir, "agents", agentID+".ndjson")
}

// Update applies mutate to the run, rewrites the snapshot atomically, and
// appends a history event in the same critical section.
func (s *Store) Update(kind string, payload any, mutate func(*Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mutate != nil {
		mutate(s.run)
	}
	if err := s.writeSnapshotLocked(); err != nil {
		return err
	}
	return s.appendEventLocked(kind, payload)
}

// Live returns the in-memory run, authoritative while the process lives.
// Callers must only mutate it inside Update closures.
func (s *Store) Live() *Run { return s.run }

// Snapshot returns a deep copy of the current run so readers never race the
// next mutation.
func (s *Store) Snapshot() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(s.run)
	if err != nil {
		// The run was marshalled at least once on every prior Update.
		panic(fmt.Sprintf("state: run became unmarshalable: %v", err))
	}
	var copied Run
	if err := json.Unmarshal(data, &copied); err != nil {
		panic(fmt.Sprintf("state: run round-trip failed: %v", err))
	}
	return &copied
}

// Close releases the history log handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history != nil {
		err := s.history.Close()
		s.history = nil
		return err
	}
	return nil
}

func (s *Store) writeSnapshotLocked() error {
	if err := fsutil.AtomicWriteJSON(filepath.Join(s.dir, "state.json"), s.run); err != nil {
		return errdefs.WrapErr(errdefs.ErrStorage, err, "failed to write state snapshot")
	}
	return nil
}

func (s *Store) appendEventLocked(kind string, payload any) error {
	if s.history == nil {
		return errdefs.Wrap(errdefs.ErrStorage, "history log closed")
	}
	evt := Event{Timestamp: time.Now().UTC(), Kind: kind, Payload: payload}
	line, err := json.Marshal(evt)
	if err != nil {
		return errdefs.WrapErr(errdefs.ErrStorage, err, "failed to marshal history event")
	}
	line = append(line, '\n')
	if _, err := s.history.Write(line); err != nil {
		return errdefs.WrapErr(errdefs.ErrStorage, err, "failed to append history event")
	}
	return nil
}
