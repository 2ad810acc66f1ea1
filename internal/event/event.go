// Package event defines the envelope broadcast by the hub and the typed
// payload carried by each event kind.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type discriminates the payload variant carried by an Envelope.
type Type string

const (
	TypeStarted   Type = "started"
	TypeStream    Type = "stream"
	TypeCompleted Type = "completed"
	TypeError     Type = "error"
	TypeHeartbeat Type = "heartbeat"
)

// ErrorKind classifies terminal error events so consumers can distinguish
// "took too long" from "broke".
type ErrorKind string

const (
	ErrorKindSpawn            ErrorKind = "spawn_failure"
	ErrorKindCrash            ErrorKind = "crash"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindRetriesExhausted ErrorKind = "retries_exhausted"
)

// Envelope is the unit broadcast to subscribers. Exactly one payload pointer
// is non-nil and it matches Type.
//
// Seq is assigned by the hub at ingest time, strictly increasing and gapless
// per RunID. Sequence values supplied by producers are ignored.
type Envelope struct {
	ID        string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	Seq       uint64    `json:"seq"`

	Started   *StartedPayload   `json:"started,omitempty"`
	Stream    *StreamPayload    `json:"stream,omitempty"`
	Completed *CompletedPayload `json:"completed,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
}

// StartedPayload is emitted once per attempt, before any stream events.
type StartedPayload struct {
	TaskID  string `json:"task_id,omitempty"`
	Attempt int    `json:"attempt"`
	Resumed bool   `json:"resumed,omitempty"`

	// PreviousSummary carries the prior session summary on resume/retry so
	// subscribers can render continuity without a store lookup.
	PreviousSummary string `json:"previous_summary,omitempty"`
}

// StreamPayload wraps one decoded output line from the supervised process.
type StreamPayload struct {
	Channel string `json:"channel"` // "stdout" or "stderr"
	Line    string `json:"line"`
}

// CompletedPayload is the terminal event of a successful attempt lineage.
type CompletedPayload struct {
	ExitCode       int     `json:"exit_code"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Summary        string  `json:"summary,omitempty"`
}

// ErrorPayload is the terminal event of a failed attempt lineage.
type ErrorPayload struct {
	Kind     ErrorKind `json:"kind"`
	ExitCode int       `json:"exit_code"`
	Message  string    `json:"message"`
}

// HeartbeatPayload is emitted on a fixed interval per active run.
type HeartbeatPayload struct {
	State string `json:"state"` // session state at heartbeat time
}

// Payload returns the variant matching Type, or nil when absent.
func (e *Envelope) Payload() any {
	switch e.Type {
	case TypeStarted:
		if e.Started != nil {
			return e.Started
		}
	case TypeStream:
		if e.Stream != nil {
			return e.Stream
		}
	case TypeCompleted:
		if e.Completed != nil {
			return e.Completed
		}
	case TypeError:
		if e.Error != nil {
			return e.Error
		}
	case TypeHeartbeat:
		if e.Heartbeat != nil {
			return e.Heartbeat
		}
	}
	return nil
}

// Terminal reports whether this event ends its attempt.
func (e *Envelope) Terminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeError
}

// Validate checks the envelope invariants enforced at the ingest boundary:
// known type, non-empty session/run ids, and exactly one payload variant that
// matches the type. Seq and ID are intentionally not checked, the hub owns
// both.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return fmt.Errorf("event: session_id is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("event: run_id is required")
	}

	var want any
	switch e.Type {
	case TypeStarted:
		want = e.Started
	case TypeStream:
		want = e.Stream
	case TypeCompleted:
		want = e.Completed
	case TypeError:
		want = e.Error
	case TypeHeartbeat:
		want = e.Heartbeat
	default:
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	if isNilPayload(want) {
		return fmt.Errorf("event: type %q without matching payload", e.Type)
	}
	if n := e.payloadCount(); n != 1 {
		return fmt.Errorf("event: type %q carries %d payload variants, want 1", e.Type, n)
	}
	return nil
}

func (e *Envelope) payloadCount() int {
	n := 0
	if e.Started != nil {
		n++
	}
	if e.Stream != nil {
		n++
	}
	if e.Completed != nil {
		n++
	}
	if e.Error != nil {
		n++
	}
	if e.Heartbeat != nil {
		n++
	}
	return n
}

func isNilPayload(v any) bool {
	switch p := v.(type) {
	case *StartedPayload:
		return p == nil
	case *StreamPayload:
		return p == nil
	case *CompletedPayload:
		return p == nil
	case *ErrorPayload:
		return p == nil
	case *HeartbeatPayload:
		return p == nil
	}
	return v == nil
}

// Decode parses one JSON-encoded envelope and validates it. Used by the hub's
// network ingest boundary; malformed bodies come back as an error and never
// reach the stream.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
