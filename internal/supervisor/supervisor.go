// Package supervisor owns the lifecycle of spawned agent processes: spawn,
// stream capture, idle detection, wall-clock timeout, retry with backoff, and
// the soft-stop / force-kill controls. Every state transition is written
// through to the session store and mirrored as exactly one hub event.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/waverun/internal/config"
	"github.com/agusx1211/waverun/internal/debug"
	"github.com/agusx1211/waverun/internal/event"
	"github.com/agusx1211/waverun/internal/hexid"
	"github.com/agusx1211/waverun/internal/hub"
	"github.com/agusx1211/waverun/internal/sessionstore"
	"github.com/agusx1211/waverun/internal/stream"
	"github.com/agusx1211/waverun/internal/task"
)

// ErrNotRunning is returned by SoftStop / ForceKill when the session has no
// live process under this supervisor.
var ErrNotRunning = errors.New("supervisor: session has no running process")

// Options configures a Supervisor. Store, Hub, and Command are required.
type Options struct {
	Store  *sessionstore.Store
	Hub    *hub.Hub
	Config *config.Config

	// Command and Args form the agent invocation. The task payload is piped
	// to the process on stdin.
	Command string
	Args    []string

	// Env is overlaid on the inherited environment.
	Env map[string]string
}

// Supervisor spawns and tracks agent processes, one lineage per session.
type Supervisor struct {
	store   *sessionstore.Store
	hub     *hub.Hub
	cfg     *config.Config
	command string
	args    []string
	env     map[string]string

	idleWindow time.Duration
	timeout    time.Duration
	grace      time.Duration

	mu     sync.Mutex
	active map[string]*attempt // session id -> live process
}

// New validates opts and returns a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("supervisor: store is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("supervisor: hub is required")
	}
	if strings.TrimSpace(opts.Command) == "" {
		return nil, fmt.Errorf("supervisor: no agent command configured")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Supervisor{
		store:      opts.Store,
		hub:        opts.Hub,
		cfg:        cfg,
		command:    opts.Command,
		args:       opts.Args,
		env:        opts.Env,
		idleWindow: cfg.IdleWindow(),
		timeout:    cfg.Timeout(),
		grace:      cfg.Grace(),
		active:     make(map[string]*attempt),
	}, nil
}

// Result is the final outcome of an attempt lineage.
type Result struct {
	SessionID string
	RunID     string // last attempt's run id
	State     sessionstore.State
	ExitCode  int
	Attempts  int
	Elapsed   time.Duration
	Message   string
}

// Handle tracks one attempt lineage from Start or Resume until it settles.
type Handle struct {
	sessionID string

	mu     sync.Mutex
	runID  string
	result *Result

	done chan struct{}
}

func newHandle(sessionID string) *Handle {
	return &Handle{sessionID: sessionID, done: make(chan struct{})}
}

// SessionID returns the lineage's session id.
func (h *Handle) SessionID() string { return h.sessionID }

// RunID returns the current attempt's run id. It changes across retries.
func (h *Handle) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

// Done is closed when the lineage settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the lineage settles or ctx expires.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, nil
}

func (h *Handle) setRunID(id string) {
	h.mu.Lock()
	h.runID = id
	h.mu.Unlock()
}

func (h *Handle) settle(r *Result) {
	h.mu.Lock()
	h.result = r
	h.mu.Unlock()
	close(h.done)
}

// stopReason records why a live process was told to stop.
type stopReason int

const (
	stopNone stopReason = iota
	stopUser
	stopTimeout
)

// attempt is the supervisor's view of one live process.
type attempt struct {
	mu       sync.Mutex
	pid      int
	reason   stopReason
	idle     bool
	lastText string
	threadID string

	exited chan struct{}
}

func (a *attempt) requestStop(r stopReason) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reason != stopNone {
		return false
	}
	a.reason = r
	return true
}

func (a *attempt) stopReason() stopReason {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// Start spawns a new attempt lineage for t and returns immediately with a
// Handle. The session record is created on first successful spawn.
func (s *Supervisor) Start(ctx context.Context, t task.Task) (*Handle, error) {
	if strings.TrimSpace(t.Payload) == "" {
		return nil, fmt.Errorf("supervisor: task %q has an empty payload", t.ID)
	}
	h := newHandle("s-" + hexid.New())
	go s.runLineage(ctx, t, h, "", false)
	return h, nil
}

// Resume starts a fresh attempt under an existing session id with a new
// payload. The session must not currently be running.
func (s *Supervisor) Resume(ctx context.Context, sessionID, payload string) (*Handle, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("supervisor: resume payload is empty")
	}
	sess, err := s.store.Read(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, live := s.active[sessionID]
	s.mu.Unlock()
	if live || sess.State == sessionstore.StateRunning {
		return nil, fmt.Errorf("supervisor: session %s is still running", sessionID)
	}

	prev := sess.Message
	if prev == "" {
		prev = sess.TaskSummary
	}
	h := newHandle(sessionID)
	go s.runLineage(ctx, task.Task{ID: sessionID, Payload: payload}, h, prev, true)
	return h, nil
}

// SoftStop asks the session's live process to stop via an interrupt to its
// process group, escalating to a hard kill after the grace period.
func (s *Supervisor) SoftStop(sessionID string) error {
	a := s.lookup(sessionID)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}
	a.requestStop(stopUser)
	debug.LogKV("supervisor", "soft stop", "session_id", sessionID, "pid", a.pid)
	if err := softInterrupt(a.pid); err != nil {
		debug.LogKV("supervisor", "soft interrupt failed, killing", "session_id", sessionID, "error", err)
		return hardKill(a.pid)
	}
	go func() {
		select {
		case <-a.exited:
		case <-time.After(s.grace):
			debug.LogKV("supervisor", "grace expired, killing", "session_id", sessionID, "pid", a.pid)
			_ = hardKill(a.pid)
		}
	}()
	return nil
}

// ForceKill kills the session's live process group immediately.
func (s *Supervisor) ForceKill(sessionID string) error {
	a := s.lookup(sessionID)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}
	a.requestStop(stopUser)
	debug.LogKV("supervisor", "force kill", "session_id", sessionID, "pid", a.pid)
	return hardKill(a.pid)
}

// Active returns the session ids with a live process.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

func (s *Supervisor) lookup(sessionID string) *attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[sessionID]
}

// outcome is what one runOnce reports back to the lineage loop.
type outcome struct {
	spawnErr error
	exitCode int
	elapsed  time.Duration
	reason   stopReason
	summary  string
}

// runLineage drives attempts for one session until a terminal outcome,
// emitting exactly one terminal hub event for the whole lineage.
func (s *Supervisor) runLineage(ctx context.Context, t task.Task, h *Handle, prevSummary string, resumed bool) {
	maxAttempts := t.MaxRetries + 1
	var (
		runID string
		out   outcome
	)

	for attemptNo := 1; attemptNo <= maxAttempts; attemptNo++ {
		runID = "r-" + hexid.New()
		h.setRunID(runID)

		out = s.runOnce(ctx, t, h.sessionID, runID, attemptNo, resumed || attemptNo > 1, prevSummary)

		if out.spawnErr != nil {
			// Spawn failures are configuration problems, retrying cannot help.
			msg := fmt.Sprintf("failed to spawn agent: %v", out.spawnErr)
			s.markFailed(h.sessionID, nil, nil, msg)
			s.emitError(h.sessionID, runID, event.ErrorKindSpawn, 0, msg)
			h.settle(&Result{SessionID: h.sessionID, RunID: runID, State: sessionstore.StateFailed, ExitCode: -1, Attempts: attemptNo, Message: msg})
			return
		}

		switch {
		case out.reason == stopUser:
			// An explicit stop parks the session idle for a later resume.
			msg := "stopped by request"
			idle := sessionstore.StateIdle
			s.store.Upsert(h.sessionID, sessionstore.Update{State: &idle, Message: &msg, ExitCode: &out.exitCode, ClearPID: true})
			s.emitCompleted(h.sessionID, runID, out.exitCode, out.elapsed, msg)
			h.settle(&Result{SessionID: h.sessionID, RunID: runID, State: idle, ExitCode: out.exitCode, Attempts: attemptNo, Elapsed: out.elapsed, Message: msg})
			return

		case out.reason == stopTimeout:
			msg := fmt.Sprintf("timed out after %s", s.timeout)
			s.markFailed(h.sessionID, &out.exitCode, &out.elapsed, msg)
			s.emitError(h.sessionID, runID, event.ErrorKindTimeout, out.exitCode, msg)
			h.settle(&Result{SessionID: h.sessionID, RunID: runID, State: sessionstore.StateFailed, ExitCode: out.exitCode, Attempts: attemptNo, Elapsed: out.elapsed, Message: msg})
			return

		case out.exitCode == 0:
			done := sessionstore.StateDone
			elapsed := out.elapsed.Seconds()
			s.store.Upsert(h.sessionID, sessionstore.Update{State: &done, ExitCode: &out.exitCode, ElapsedSeconds: &elapsed, Message: &out.summary})
			s.emitCompleted(h.sessionID, runID, 0, out.elapsed, out.summary)
			h.settle(&Result{SessionID: h.sessionID, RunID: runID, State: done, Attempts: attemptNo, Elapsed: out.elapsed, Message: out.summary})
			return
		}

		// Crash. Retry with backoff if budget remains, same session id.
		if attemptNo < maxAttempts {
			delay := s.cfg.Backoff.Delay(attemptNo)
			msg := fmt.Sprintf("attempt %d crashed (exit %d), retrying in %s", attemptNo, out.exitCode, delay)
			s.store.Upsert(h.sessionID, sessionstore.Update{Message: &msg})
			debug.LogKV("supervisor", "retrying after crash", "session_id", h.sessionID, "attempt", attemptNo, "exit_code", out.exitCode, "delay", delay)
			if out.summary != "" {
				prevSummary = out.summary
			} else {
				prevSummary = msg
			}
			select {
			case <-ctx.Done():
				msg := "orchestrator shutting down during retry backoff"
				s.markFailed(h.sessionID, &out.exitCode, &out.elapsed, msg)
				s.emitError(h.sessionID, runID, event.ErrorKindCrash, out.exitCode, msg)
				h.settle(&Result{SessionID: h.sessionID, RunID: runID, State: sessionstore.StateFailed, ExitCode: out.exitCode, Attempts: attemptNo, Elapsed: out.elapsed, Message: msg})
				return
			case <-time.After(delay):
			}
			continue
		}

		kind := event.ErrorKindCrash
		msg := fmt.Sprintf("process crashed with exit %d", out.exitCode)
		if maxAttempts > 1 {
			kind = event.ErrorKindRetriesExhausted
			msg = fmt.Sprintf("retries exhausted after %d attempts, last exit %d", maxAttempts, out.exitCode)
		}
		s.markFailed(h.sessionID, &out.exitCode, &out.elapsed, msg)
		s.emitError(h.sessionID, runID, kind, out.exitCode, msg)
		h.settle(&Result{SessionID: h.sessionID, RunID: runID, State: sessionstore.StateFailed, ExitCode: out.exitCode, Attempts: attemptNo, Elapsed: out.elapsed, Message: msg})
		return
	}
}

// runOnce spawns and supervises a single process attempt.
func (s *Supervisor) runOnce(ctx context.Context, t task.Task, sessionID, runID string, attemptNo int, resumed bool, prevSummary string) outcome {
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Dir = t.ProjectRoot
	setupEnv(cmd, s.env)

	a := &attempt{exited: make(chan struct{})}

	var (
		stdoutR io.Reader
		stderrR io.Reader
		ptmx    io.Closer
	)

	if t.UsePTY {
		f, err := startPTY(cmd)
		if err == nil {
			ptmx = f
			stdoutR = f
			go func() {
				io.WriteString(f, t.Payload+"\n")
			}()
		} else {
			debug.LogKV("supervisor", "pty unavailable, using pipes", "session_id", sessionID, "error", err)
		}
	}
	if ptmx == nil {
		setupProcessGroup(cmd)
		cmd.Stdin = strings.NewReader(t.Payload)
		op, err := cmd.StdoutPipe()
		if err != nil {
			return outcome{spawnErr: err}
		}
		ep, err := cmd.StderrPipe()
		if err != nil {
			return outcome{spawnErr: err}
		}
		stdoutR = op
		stderrR = ep
		if err := cmd.Start(); err != nil {
			return outcome{spawnErr: err}
		}
	}

	a.pid = cmd.Process.Pid
	s.mu.Lock()
	s.active[sessionID] = a
	s.mu.Unlock()

	start := time.Now()
	debug.LogKV("supervisor", "process started",
		"session_id", sessionID,
		"run_id", runID,
		"attempt", attemptNo,
		"pid", a.pid,
		"binary", s.command,
	)

	running := sessionstore.StateRunning
	upd := sessionstore.Update{State: &running, PID: &a.pid}
	if attemptNo == 1 && !resumed {
		upd.TaskSummary = &t.Payload
	}
	s.store.Upsert(sessionID, upd)

	s.emitStarted(sessionID, runID, t.ID, attemptNo, resumed, prevSummary)
	s.hub.SetRunState(runID, string(sessionstore.StateRunning))

	// Idle marks the session silent without touching the process. Any later
	// output flips it back to running.
	idleTimer := time.AfterFunc(s.idleWindow, func() {
		a.mu.Lock()
		already := a.idle
		a.idle = true
		a.mu.Unlock()
		if already {
			return
		}
		idle := sessionstore.StateIdle
		s.store.Upsert(sessionID, sessionstore.Update{State: &idle})
		s.hub.SetRunState(runID, string(idle))
		debug.LogKV("supervisor", "session idle", "session_id", sessionID, "window", s.idleWindow)
	})
	defer idleTimer.Stop()

	// The wall-clock ceiling runs the same stop sequence a user would.
	timeoutTimer := time.AfterFunc(s.timeout, func() {
		if !a.requestStop(stopTimeout) {
			return
		}
		debug.LogKV("supervisor", "attempt timed out", "session_id", sessionID, "run_id", runID, "limit", s.timeout)
		if err := softInterrupt(a.pid); err != nil {
			_ = hardKill(a.pid)
			return
		}
		select {
		case <-a.exited:
		case <-time.After(s.grace):
			_ = hardKill(a.pid)
		}
	})
	defer timeoutTimer.Stop()

	onLine := func(ln stream.Line) {
		if ln.Err != nil {
			return
		}
		idleTimer.Reset(s.idleWindow)

		a.mu.Lock()
		wasIdle := a.idle
		a.idle = false
		if ln.Channel == "stdout" && strings.TrimSpace(ln.Text) != "" {
			a.lastText = ln.Text
		}
		a.mu.Unlock()

		if wasIdle {
			running := sessionstore.StateRunning
			s.store.Upsert(sessionID, sessionstore.Update{State: &running})
			s.hub.SetRunState(runID, string(running))
		}

		if id, ok := stream.SessionID(ln.Text); ok {
			a.mu.Lock()
			changed := a.threadID != id
			a.threadID = id
			a.mu.Unlock()
			if changed {
				s.store.Upsert(sessionID, sessionstore.Update{AgentSessionID: &id})
				debug.LogKV("supervisor", "agent thread bound", "session_id", sessionID, "thread_id", id)
			}
		}

		s.emitStream(sessionID, runID, ln.Channel, ln.Text)
	}

	var wg sync.WaitGroup
	consume := func(r io.Reader, channel string) {
		defer wg.Done()
		for ln := range stream.Lines(ctx, r, channel) {
			onLine(ln)
		}
	}
	wg.Add(1)
	go consume(stdoutR, "stdout")
	if stderrR != nil {
		wg.Add(1)
		go consume(stderrR, "stderr")
	}
	wg.Wait()

	err := cmd.Wait()
	close(a.exited)
	if ptmx != nil {
		ptmx.Close()
	}
	idleTimer.Stop()
	timeoutTimer.Stop()

	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()

	exitCode, waitErr := extractExitCode(err)
	if waitErr != nil {
		// Killed process groups surface as non-ExitError on some platforms.
		debug.LogKV("supervisor", "wait error", "session_id", sessionID, "error", waitErr)
		exitCode = -1
	}

	a.mu.Lock()
	summary := a.lastText
	reason := a.reason
	a.mu.Unlock()

	debug.LogKV("supervisor", "process finished",
		"session_id", sessionID,
		"run_id", runID,
		"exit_code", exitCode,
		"elapsed", time.Since(start),
	)

	return outcome{
		exitCode: exitCode,
		elapsed:  time.Since(start),
		reason:   reason,
		summary:  summary,
	}
}

func (s *Supervisor) markFailed(sessionID string, exitCode *int, elapsed *time.Duration, msg string) {
	failed := sessionstore.StateFailed
	upd := sessionstore.Update{State: &failed, Message: &msg, ExitCode: exitCode}
	if elapsed != nil {
		secs := elapsed.Seconds()
		upd.ElapsedSeconds = &secs
	}
	if _, err := s.store.Upsert(sessionID, upd); err != nil {
		debug.LogKV("supervisor", "store write failed", "session_id", sessionID, "error", err)
	}
}

func (s *Supervisor) ingest(ev *event.Envelope) {
	if err := s.hub.Ingest(ev); err != nil {
		debug.LogKV("supervisor", "hub ingest failed", "session_id", ev.SessionID, "type", ev.Type, "error", err)
	}
}

func (s *Supervisor) emitStarted(sessionID, runID, taskID string, attemptNo int, resumed bool, prevSummary string) {
	s.ingest(&event.Envelope{
		Type:      event.TypeStarted,
		SessionID: sessionID,
		RunID:     runID,
		Started: &event.StartedPayload{
			TaskID:          taskID,
			Attempt:         attemptNo,
			Resumed:         resumed,
			PreviousSummary: prevSummary,
		},
	})
}

func (s *Supervisor) emitStream(sessionID, runID, channel, line string) {
	s.ingest(&event.Envelope{
		Type:      event.TypeStream,
		SessionID: sessionID,
		RunID:     runID,
		Stream:    &event.StreamPayload{Channel: channel, Line: line},
	})
}

func (s *Supervisor) emitCompleted(sessionID, runID string, exitCode int, elapsed time.Duration, summary string) {
	s.ingest(&event.Envelope{
		Type:      event.TypeCompleted,
		SessionID: sessionID,
		RunID:     runID,
		Completed: &event.CompletedPayload{
			ExitCode:       exitCode,
			ElapsedSeconds: elapsed.Seconds(),
			Summary:        summary,
		},
	})
}

func (s *Supervisor) emitError(sessionID, runID string, kind event.ErrorKind, exitCode int, msg string) {
	s.ingest(&event.Envelope{
		Type:      event.TypeError,
		SessionID: sessionID,
		RunID:     runID,
		Error:     &event.ErrorPayload{Kind: kind, ExitCode: exitCode, Message: msg},
	})
}
