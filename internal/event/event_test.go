package event

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Envelope
		wantErr string
	}{
		{
			name: "valid stream",
			ev: Envelope{
				Type: TypeStream, SessionID: "s1", RunID: "r1",
				Stream: &StreamPayload{Channel: "stdout", Line: "hi"},
			},
		},
		{
			name: "valid heartbeat",
			ev: Envelope{
				Type: TypeHeartbeat, SessionID: "s1", RunID: "r1",
				Heartbeat: &HeartbeatPayload{State: "running"},
			},
		},
		{
			name:    "missing session id",
			ev:      Envelope{Type: TypeStream, RunID: "r1", Stream: &StreamPayload{}},
			wantErr: "session_id",
		},
		{
			name:    "missing run id",
			ev:      Envelope{Type: TypeStream, SessionID: "s1", Stream: &StreamPayload{}},
			wantErr: "run_id",
		},
		{
			name:    "unknown type",
			ev:      Envelope{Type: "bogus", SessionID: "s1", RunID: "r1"},
			wantErr: "unknown type",
		},
		{
			name:    "payload mismatch",
			ev:      Envelope{Type: TypeCompleted, SessionID: "s1", RunID: "r1", Stream: &StreamPayload{}},
			wantErr: "without matching payload",
		},
		{
			name: "two payloads",
			ev: Envelope{
				Type: TypeError, SessionID: "s1", RunID: "r1",
				Error:  &ErrorPayload{Kind: ErrorKindCrash},
				Stream: &StreamPayload{},
			},
			wantErr: "payload variants",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	body := `{"type":"stream","session_id":"s1","run_id":"r1","seq":999,"stream":{"channel":"stdout","line":"x"}}`
	ev, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != TypeStream || ev.Stream == nil || ev.Stream.Line != "x" {
		t.Fatalf("decoded envelope mismatch: %+v", ev)
	}

	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatal("Decode of malformed body should fail")
	}
	if _, err := Decode([]byte(`{"type":"stream"}`)); err == nil {
		t.Fatal("Decode without ids should fail")
	}
}

func TestPayloadAndTerminal(t *testing.T) {
	done := Envelope{Type: TypeCompleted, Completed: &CompletedPayload{ExitCode: 0}}
	if !done.Terminal() {
		t.Fatal("completed should be terminal")
	}
	if _, ok := done.Payload().(*CompletedPayload); !ok {
		t.Fatalf("Payload() = %T, want *CompletedPayload", done.Payload())
	}

	hb := Envelope{Type: TypeHeartbeat, Heartbeat: &HeartbeatPayload{State: "idle"}}
	if hb.Terminal() {
		t.Fatal("heartbeat should not be terminal")
	}
	mismatched := Envelope{Type: TypeStarted}
	if mismatched.Payload() != nil {
		t.Fatal("Payload() for absent variant should be nil")
	}
}
