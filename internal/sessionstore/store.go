// Package sessionstore persists one durable record per supervised session in
// a single JSON document, safe against concurrent supervisors and crashes.
//
// All writes go through an advisory file lock on a sidecar .lock file and are
// applied as read-modify-write of the whole document, written to a temp file
// and renamed into place so readers never observe a partial document.
package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agusx1211/waverun/internal/config"
	"github.com/agusx1211/waverun/internal/debug"
)

const (
	schemaVersion    = 1
	fileName         = "sessions.json"
	taskSummaryLimit = 500

	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 25 * time.Millisecond
)

// ErrLockTimeout is returned when the store lock could not be acquired within
// the configured window. Callers should treat it as transient and retry a
// bounded number of times.
var ErrLockTimeout = errors.New("sessionstore: lock acquisition timed out")

// ErrNotFound is returned by Read for unknown session ids.
var ErrNotFound = errors.New("sessionstore: session not found")

// State is the lifecycle state of a session.
type State string

const (
	StateRunning State = "running"
	StateIdle    State = "idle"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Terminal reports whether the state ends the session lineage.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Session is one supervised execution lineage. PID is non-nil exactly while a
// process is alive, which the store enforces on every upsert.
type Session struct {
	SessionID      string    `json:"session_id"`
	State          State     `json:"state"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	TaskSummary    string    `json:"task_summary,omitempty"`
	Message        string    `json:"message,omitempty"`
	ExitCode       *int      `json:"exit_code"`
	ElapsedSeconds *float64  `json:"elapsed_seconds"`
	PID            *int      `json:"pid"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Update is a partial session update. Nil fields keep their previous value.
type Update struct {
	State *State

	// AgentSessionID records the id the agent process reported in its own
	// output stream, for resuming the agent's conversation out of band.
	AgentSessionID *string

	TaskSummary    *string
	Message        *string
	ExitCode       *int
	ElapsedSeconds *float64
	PID            *int

	// ClearPID drops the stored pid, for sessions parked idle after their
	// process exited. Ignored when PID is also set.
	ClearPID bool
}

type document struct {
	SchemaVersion int                `json:"schema_version"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Sessions      map[string]Session `json:"sessions"`
}

// Store reads and writes the session document for one project.
type Store struct {
	path        string
	lockTimeout time.Duration
}

// New returns a Store rooted at <projectDir>/.waverun/sessions.json.
func New(projectDir string) *Store {
	return &Store{
		path:        filepath.Join(projectDir, config.WaverunDir, fileName),
		lockTimeout: defaultLockTimeout,
	}
}

// NewAtPath creates a Store bound to an explicit document path.
func NewAtPath(path string) *Store {
	return &Store{path: strings.TrimSpace(path), lockTimeout: defaultLockTimeout}
}

// SetLockTimeout overrides the bounded lock wait. Zero restores the default.
func (s *Store) SetLockTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultLockTimeout
	}
	s.lockTimeout = d
}

// Path returns the backing document path.
func (s *Store) Path() string {
	return s.path
}

// Upsert merges upd into the stored session, creating it when absent, and
// returns a copy of the resulting record. UpdatedAt is always refreshed.
func (s *Store) Upsert(sessionID string, upd Update) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("sessionstore: session id is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	lock, err := acquireLock(s.path+".lock", true, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer releaseLock(lock)

	doc := s.loadUnlocked()
	now := time.Now().UTC()

	sess, exists := doc.Sessions[sessionID]
	if !exists {
		sess = Session{
			SessionID: sessionID,
			State:     StateRunning,
			CreatedAt: now,
		}
	}

	if upd.State != nil {
		sess.State = *upd.State
	}
	if upd.AgentSessionID != nil {
		sess.AgentSessionID = *upd.AgentSessionID
	}
	if upd.TaskSummary != nil {
		sess.TaskSummary = truncateSummary(*upd.TaskSummary)
	}
	if upd.Message != nil {
		sess.Message = *upd.Message
	}
	if upd.ExitCode != nil {
		sess.ExitCode = upd.ExitCode
	}
	if upd.ElapsedSeconds != nil {
		sess.ElapsedSeconds = upd.ElapsedSeconds
	}
	if upd.PID != nil {
		sess.PID = upd.PID
	} else if upd.ClearPID {
		sess.PID = nil
	}

	// pid is only meaningful while the process is alive. Idle sessions keep
	// theirs: idle means silent, not exited.
	if sess.State.Terminal() {
		sess.PID = nil
	}

	sess.UpdatedAt = now
	doc.Sessions[sessionID] = sess
	doc.UpdatedAt = now

	if err := s.writeUnlocked(doc); err != nil {
		return nil, err
	}

	out := sess
	return &out, nil
}

// Read returns the stored session, or ErrNotFound.
func (s *Store) Read(sessionID string) (*Session, error) {
	lock, err := acquireLock(s.path+".lock", false, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer releaseLock(lock)

	doc := s.loadUnlocked()
	sess, ok := doc.Sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	out := sess
	return &out, nil
}

// ReadAll returns a copy of every stored session keyed by session id.
func (s *Store) ReadAll() (map[string]Session, error) {
	lock, err := acquireLock(s.path+".lock", false, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer releaseLock(lock)

	doc := s.loadUnlocked()
	out := make(map[string]Session, len(doc.Sessions))
	for id, sess := range doc.Sessions {
		out[id] = sess
	}
	return out, nil
}

// loadUnlocked reads the document under an already-held lock. A missing or
// corrupted document yields an empty one: losing a corrupt file is preferable
// to refusing every future write.
func (s *Store) loadUnlocked() *document {
	empty := &document{SchemaVersion: schemaVersion, Sessions: map[string]Session{}}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			debug.LogKV("sessionstore", "read failed; starting empty", "path", s.path, "error", err)
		}
		return empty
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		debug.LogKV("sessionstore", "corrupted document; starting empty", "path", s.path, "error", err)
		fmt.Fprintf(os.Stderr, "warning: corrupted session store %s, starting empty: %v\n", s.path, err)
		return empty
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]Session{}
	}
	if doc.SchemaVersion <= 0 {
		doc.SchemaVersion = schemaVersion
	}
	return &doc
}

func (s *Store) writeUnlocked(doc *document) error {
	doc.SchemaVersion = schemaVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing temp session store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing session store: %w", err)
	}
	return nil
}

func truncateSummary(summary string) string {
	if len(summary) <= taskSummaryLimit {
		return summary
	}
	return summary[:taskSummaryLimit] + "…"
}
