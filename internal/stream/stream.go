// Package stream reads line-delimited output from supervised processes.
//
// Decoding is best-effort: invalid byte sequences are replaced rather than
// surfaced as errors, because agent CLIs occasionally emit raw terminal
// bytes in the middle of otherwise structured output.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"
)

const maxLineSize = 1024 * 1024 // 1 MB

// Line is one decoded output line from a process stream.
type Line struct {
	Channel string // "stdout" or "stderr"
	Text    string
	Err     error // scanner error, reported once before the channel closes
}

// Lines reads newline-delimited output from r and sends decoded lines on the
// returned channel. The channel is closed when the reader reaches EOF or the
// context is cancelled. Lines longer than 1 MB are truncated by the scanner
// and surface as an error entry rather than a crash.
func Lines(ctx context.Context, r io.Reader, channel string) <-chan Line {
	ch := make(chan Line, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			ch <- Line{Channel: channel, Text: decode(raw)}
		}

		if err := scanner.Err(); err != nil {
			ch <- Line{Channel: channel, Err: err}
		}
	}()
	return ch
}

// decode converts raw bytes to a string, replacing invalid UTF-8 sequences.
func decode(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), "�")
}

// sessionMarker is the distinguished structured record that binds an attempt
// to a session/thread id. Two shapes are recognized: waverun's own
// {"type":"session_started","session_id":"..."} and the claude-style init
// event {"type":"system","subtype":"init","session_id":"..."}.
type sessionMarker struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
}

// SessionID extracts a session/thread identifier from a structured output
// line. It returns ("", false) for anything that is not a recognized marker;
// malformed JSON is never an error, just not a marker.
func SessionID(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}

	var m sessionMarker
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return "", false
	}

	id := strings.TrimSpace(m.SessionID)
	if id == "" {
		id = strings.TrimSpace(m.ThreadID)
	}
	if id == "" {
		return "", false
	}

	switch {
	case m.Type == "session_started":
		return id, true
	case m.Type == "thread_started":
		return id, true
	case m.Type == "system" && m.Subtype == "init":
		return id, true
	}
	return "", false
}
