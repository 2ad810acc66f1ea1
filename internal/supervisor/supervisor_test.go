package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/agusx1211/waverun/internal/config"
	"github.com/agusx1211/waverun/internal/event"
	"github.com/agusx1211/waverun/internal/hub"
	"github.com/agusx1211/waverun/internal/sessionstore"
	"github.com/agusx1211/waverun/internal/task"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script helper not supported on windows")
	}
}

func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func newTestSupervisor(t *testing.T, script string) (*Supervisor, *sessionstore.Store, *hub.Hub) {
	t.Helper()
	st := sessionstore.NewAtPath(filepath.Join(t.TempDir(), "sessions.json"))
	hb := hub.New(hub.Options{HistorySize: 256})
	t.Cleanup(hb.Close)

	cfg := config.Default()
	cfg.Backoff = config.Backoff{Curve: config.BackoffLinear, BaseMS: 10, MaxMS: 20}

	sup, err := New(Options{
		Store:   st,
		Hub:     hb,
		Config:  cfg,
		Command: "/bin/sh",
		Args:    []string{script},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return sup, st, hb
}

func waitResult(t *testing.T, h *Handle) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return res
}

func terminalEvents(evs []event.Envelope) []event.Envelope {
	var out []event.Envelope
	for _, ev := range evs {
		if ev.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func TestStartSuccess(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "ok.sh", `#!/usr/bin/env sh
echo "alpha"
echo "beta"
exit 0
`)
	sup, st, hb := newTestSupervisor(t, script)

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Category: "worker", Payload: "do the thing"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res := waitResult(t, h)

	if res.State != sessionstore.StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.ExitCode != 0 || res.Attempts != 1 {
		t.Fatalf("exit = %d attempts = %d, want 0/1", res.ExitCode, res.Attempts)
	}

	sess, err := st.Read(res.SessionID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if sess.State != sessionstore.StateDone {
		t.Fatalf("stored state = %s, want done", sess.State)
	}
	if sess.PID != nil {
		t.Fatalf("stored pid = %v, want nil after exit", *sess.PID)
	}
	if sess.ExitCode == nil || *sess.ExitCode != 0 {
		t.Fatalf("stored exit code = %v, want 0", sess.ExitCode)
	}
	if sess.ElapsedSeconds == nil {
		t.Fatal("stored elapsed is nil")
	}
	if !strings.Contains(sess.TaskSummary, "do the thing") {
		t.Fatalf("task summary = %q", sess.TaskSummary)
	}

	evs := hb.History(res.RunID, 0)
	if len(evs) < 3 {
		t.Fatalf("history has %d events, want started + streams + completed", len(evs))
	}
	if evs[0].Type != event.TypeStarted || evs[0].Started.Attempt != 1 || evs[0].Started.Resumed {
		t.Fatalf("first event = %+v, want started attempt 1", evs[0])
	}
	last := evs[len(evs)-1]
	if last.Type != event.TypeCompleted || last.Completed.ExitCode != 0 {
		t.Fatalf("last event = %+v, want completed exit 0", last)
	}
	if n := len(terminalEvents(evs)); n != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", n)
	}

	var lines []string
	for _, ev := range evs {
		if ev.Type == event.TypeStream && ev.Stream.Channel == "stdout" {
			lines = append(lines, ev.Stream.Line)
		}
	}
	if len(lines) != 2 || lines[0] != "alpha" || lines[1] != "beta" {
		t.Fatalf("stream lines = %v", lines)
	}
}

func TestSpawnFailureNotRetried(t *testing.T) {
	st := sessionstore.NewAtPath(filepath.Join(t.TempDir(), "sessions.json"))
	hb := hub.New(hub.Options{})
	t.Cleanup(hb.Close)
	sup, err := New(Options{Store: st, Hub: hb, Command: filepath.Join(t.TempDir(), "no-such-binary")})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Payload: "x", MaxRetries: 3})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res := waitResult(t, h)

	if res.State != sessionstore.StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, spawn failures must not retry", res.Attempts)
	}

	evs := hb.History(res.RunID, 0)
	if len(evs) != 1 || evs[0].Type != event.TypeError {
		t.Fatalf("history = %+v, want single error event", evs)
	}
	if evs[0].Error.Kind != event.ErrorKindSpawn {
		t.Fatalf("error kind = %s, want %s", evs[0].Error.Kind, event.ErrorKindSpawn)
	}
}

func TestCrashRetriesExhausted(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "crash.sh", `#!/usr/bin/env sh
echo "about to fail"
exit 2
`)
	sup, st, hb := newTestSupervisor(t, script)

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Payload: "x", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res := waitResult(t, h)

	if res.State != sessionstore.StateFailed || res.Attempts != 3 {
		t.Fatalf("state = %s attempts = %d, want failed/3", res.State, res.Attempts)
	}

	runs := hb.Runs()
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want one per attempt", len(runs))
	}

	// One terminal event across the whole lineage, on the final run only.
	var terminals []event.Envelope
	attempts := map[int]bool{}
	for _, run := range runs {
		evs := hb.History(run, 0)
		terminals = append(terminals, terminalEvents(evs)...)
		if evs[0].Type != event.TypeStarted {
			t.Fatalf("run %s does not begin with started", run)
		}
		attempts[evs[0].Started.Attempt] = true
		if evs[0].SessionID != res.SessionID {
			t.Fatalf("run %s has session %s, want %s", run, evs[0].SessionID, res.SessionID)
		}
		if evs[0].Started.Attempt > 1 && !evs[0].Started.Resumed {
			t.Fatalf("retry attempt %d not marked resumed", evs[0].Started.Attempt)
		}
	}
	if len(terminals) != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", len(terminals))
	}
	if terminals[0].Type != event.TypeError || terminals[0].Error.Kind != event.ErrorKindRetriesExhausted {
		t.Fatalf("terminal = %+v, want retries_exhausted error", terminals[0])
	}
	if !attempts[1] || !attempts[2] || !attempts[3] {
		t.Fatalf("attempt numbers seen = %v, want 1..3", attempts)
	}

	sess, err := st.Read(res.SessionID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if sess.State != sessionstore.StateFailed {
		t.Fatalf("stored state = %s, want failed", sess.State)
	}
}

func TestCrashWithoutRetryBudget(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "crash.sh", `#!/usr/bin/env sh
exit 7
`)
	sup, _, hb := newTestSupervisor(t, script)

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Payload: "x"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res := waitResult(t, h)

	if res.State != sessionstore.StateFailed || res.ExitCode != 7 {
		t.Fatalf("state = %s exit = %d, want failed/7", res.State, res.ExitCode)
	}
	evs := hb.History(res.RunID, 0)
	last := evs[len(evs)-1]
	if last.Type != event.TypeError || last.Error.Kind != event.ErrorKindCrash {
		t.Fatalf("terminal = %+v, want crash error", last)
	}
}

func TestIdleDetectionAndRecovery(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "pause.sh", `#!/usr/bin/env sh
echo "working"
sleep 1
echo "back"
exit 0
`)
	sup, st, _ := newTestSupervisor(t, script)
	sup.idleWindow = 150 * time.Millisecond

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Payload: "x"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The session should go idle during the silent second, keeping its pid.
	sawIdle := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := st.Read(h.SessionID())
		if err == nil && sess.State == sessionstore.StateIdle {
			sawIdle = true
			if sess.PID == nil {
				t.Fatal("idle session lost its pid")
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !sawIdle {
		t.Fatal("session never went idle during silence")
	}

	res := waitResult(t, h)
	if res.State != sessionstore.StateDone {
		t.Fatalf("final state = %s, want done", res.State)
	}
}

func TestSoftStopParksSessionIdle(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "forever.sh", `#!/usr/bin/env sh
echo "running"
while true; do sleep 0.1; done
`)
	sup, st, hb := newTestSupervisor(t, script)
	sup.grace = 500 * time.Millisecond

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Payload: "x", MaxRetries: 5})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitForActive(t, sup, h.SessionID())
	if err := sup.SoftStop(h.SessionID()); err != nil {
		t.Fatalf("SoftStop() error = %v", err)
	}

	res := waitResult(t, h)
	if res.State != sessionstore.StateIdle {
		t.Fatalf("state = %s, want idle after soft stop", res.State)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, explicit stops must not retry", res.Attempts)
	}

	sess, err := st.Read(res.SessionID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if sess.State != sessionstore.StateIdle || sess.Message != "stopped by request" {
		t.Fatalf("stored session = %+v", sess)
	}

	evs := hb.History(res.RunID, 0)
	last := evs[len(evs)-1]
	if last.Type != event.TypeCompleted {
		t.Fatalf("terminal = %+v, want completed (stop is not an error)", last)
	}
}

func TestForceKill(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "forever.sh", `#!/usr/bin/env sh
echo "running"
while true; do sleep 0.1; done
`)
	sup, _, _ := newTestSupervisor(t, script)

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Payload: "x"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForActive(t, sup, h.SessionID())
	if err := sup.ForceKill(h.SessionID()); err != nil {
		t.Fatalf("ForceKill() error = %v", err)
	}
	res := waitResult(t, h)
	if res.State != sessionstore.StateIdle {
		t.Fatalf("state = %s, want idle", res.State)
	}
}

func TestTimeoutReportedDistinctly(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "forever.sh", `#!/usr/bin/env sh
echo "running"
while true; do sleep 0.1; done
`)
	sup, st, hb := newTestSupervisor(t, script)
	sup.timeout = 300 * time.Millisecond
	sup.grace = 200 * time.Millisecond

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Payload: "x", MaxRetries: 3})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res := waitResult(t, h)

	if res.State != sessionstore.StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, timeouts must not retry", res.Attempts)
	}

	evs := hb.History(res.RunID, 0)
	last := evs[len(evs)-1]
	if last.Type != event.TypeError || last.Error.Kind != event.ErrorKindTimeout {
		t.Fatalf("terminal = %+v, want timeout error, not crash", last)
	}

	sess, err := st.Read(res.SessionID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !strings.Contains(sess.Message, "timed out") {
		t.Fatalf("message = %q", sess.Message)
	}
}

func TestResumeKeepsSessionNewRun(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "ok.sh", `#!/usr/bin/env sh
echo "first pass done"
exit 0
`)
	sup, st, hb := newTestSupervisor(t, script)

	h1, err := sup.Start(context.Background(), task.Task{ID: "t1", Payload: "first"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res1 := waitResult(t, h1)
	if res1.State != sessionstore.StateDone {
		t.Fatalf("first state = %s", res1.State)
	}

	h2, err := sup.Resume(context.Background(), res1.SessionID, "keep going")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	res2 := waitResult(t, h2)

	if res2.SessionID != res1.SessionID {
		t.Fatalf("resume changed session id: %s -> %s", res1.SessionID, res2.SessionID)
	}
	if res2.RunID == res1.RunID {
		t.Fatal("resume reused the run id")
	}

	evs := hb.History(res2.RunID, 0)
	if evs[0].Type != event.TypeStarted || !evs[0].Started.Resumed {
		t.Fatalf("resume start event = %+v", evs[0])
	}
	if evs[0].Started.PreviousSummary == "" {
		t.Fatal("resume start event missing previous summary")
	}

	sess, err := st.Read(res2.SessionID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if sess.State != sessionstore.StateDone {
		t.Fatalf("stored state = %s", sess.State)
	}
}

func TestResumeRejectsRunningSession(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "forever.sh", `#!/usr/bin/env sh
echo "running"
while true; do sleep 0.1; done
`)
	sup, _, _ := newTestSupervisor(t, script)

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Payload: "x"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForActive(t, sup, h.SessionID())

	if _, err := sup.Resume(context.Background(), h.SessionID(), "again"); err == nil {
		t.Fatal("Resume() on a running session should fail")
	}

	_ = sup.ForceKill(h.SessionID())
	waitResult(t, h)
}

func TestStopUnknownSession(t *testing.T) {
	st := sessionstore.NewAtPath(filepath.Join(t.TempDir(), "sessions.json"))
	hb := hub.New(hub.Options{})
	t.Cleanup(hb.Close)
	sup, err := New(Options{Store: st, Hub: hb, Command: "/bin/sh"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := sup.SoftStop("s-missing"); err == nil {
		t.Fatal("SoftStop() on unknown session should fail")
	}
}

func waitForActive(t *testing.T, sup *Supervisor, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range sup.Active() {
			if id == sessionID {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never became active", sessionID)
}

func TestAgentSessionMarkerPersisted(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "marker.sh", `#!/usr/bin/env sh
echo '{"type":"session_started","session_id":"agent-abc123"}'
echo "working"
exit 0
`)
	sup, st, _ := newTestSupervisor(t, script)

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Category: "worker", Payload: "bind me"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res := waitResult(t, h)
	if res.State != sessionstore.StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}

	sess, err := st.Read(h.SessionID())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if sess.AgentSessionID != "agent-abc123" {
		t.Fatalf("agent session id = %q, want agent-abc123", sess.AgentSessionID)
	}
}

func TestAgentSessionMarkerAbsent(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, "plain.sh", `#!/usr/bin/env sh
echo "no marker here"
exit 0
`)
	sup, st, _ := newTestSupervisor(t, script)

	h, err := sup.Start(context.Background(), task.Task{ID: "t1", Category: "worker", Payload: "plain"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitResult(t, h)

	sess, err := st.Read(h.SessionID())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if sess.AgentSessionID != "" {
		t.Fatalf("agent session id = %q, want empty", sess.AgentSessionID)
	}
}
