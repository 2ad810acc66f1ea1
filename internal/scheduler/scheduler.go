// Package scheduler admits tasks against per-category concurrency ceilings
// and releases dependency waves in order. Tasks over a ceiling wait in a FIFO
// queue per category; wave N+1 is released only once every wave N task has
// settled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agusx1211/waverun/internal/config"
	"github.com/agusx1211/waverun/internal/debug"
	"github.com/agusx1211/waverun/internal/sessionstore"
	"github.com/agusx1211/waverun/internal/supervisor"
	"github.com/agusx1211/waverun/internal/task"
)

// TaskState is one task's scheduler-visible snapshot.
type TaskState struct {
	ID        string      `json:"id"`
	Category  string      `json:"category"`
	Wave      int         `json:"wave"`
	Status    task.Status `json:"status"`
	SessionID string      `json:"session_id,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Report summarizes a finished graph run.
type Report struct {
	Done    int         `json:"done"`
	Failed  int         `json:"failed"`
	Skipped int         `json:"skipped"`
	Halted  bool        `json:"halted"`
	Tasks   []TaskState `json:"tasks"`
}

type entry struct {
	task      task.Task
	status    task.Status
	sessionID string
	message   string
	cancelled bool
	handle    *supervisor.Handle
}

// Scheduler drives one task graph at a time through the supervisor.
type Scheduler struct {
	cfg *config.Config
	sup *supervisor.Supervisor

	mu           sync.Mutex
	running      bool
	entries      map[string]*entry
	order        []string            // submission order, for stable snapshots
	queues       map[string][]string // category -> queued task ids, FIFO
	runningByCat map[string]int
}

// New creates a Scheduler on top of a supervisor.
func New(cfg *config.Config, sup *supervisor.Supervisor) *Scheduler {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Scheduler{
		cfg:          cfg,
		sup:          sup,
		entries:      make(map[string]*entry),
		queues:       make(map[string][]string),
		runningByCat: make(map[string]int),
	}
}

type settled struct {
	id  string
	res *supervisor.Result
	err error
}

// Run executes the graph and blocks until every task settles. The graph is
// validated wholesale first; an invalid graph starts nothing. Only one Run
// may be active per Scheduler.
func (s *Scheduler) Run(ctx context.Context, tasks []task.Task) (*Report, error) {
	if err := task.ValidateGraph(tasks); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: a graph is already running")
	}
	s.running = true
	s.entries = make(map[string]*entry, len(tasks))
	s.order = s.order[:0]
	s.queues = make(map[string][]string)
	s.runningByCat = make(map[string]int)
	for _, t := range tasks {
		s.entries[t.ID] = &entry{task: t, status: task.StatusPending}
		s.order = append(s.order, t.ID)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	halted := false
	for _, wave := range task.Waves(tasks) {
		if halted || ctx.Err() != nil {
			s.skipWave(wave, "halted after earlier failure")
			continue
		}
		s.runWave(ctx, wave, &halted)
	}
	return s.report(halted), nil
}

// runWave queues every runnable task of the wave and pumps admissions until
// all of them settle.
func (s *Scheduler) runWave(ctx context.Context, wave []task.Task, halted *bool) {
	results := make(chan settled)
	inFlight := 0

	s.mu.Lock()
	for _, t := range wave {
		e := s.entries[t.ID]
		switch {
		case e.cancelled:
			e.status = task.StatusSkipped
			e.message = "cancelled before start"
		case s.failedDepLocked(t) != "":
			e.status = task.StatusSkipped
			e.message = fmt.Sprintf("dependency %s did not complete", s.failedDepLocked(t))
		default:
			e.status = task.StatusQueued
			s.queues[t.Category] = append(s.queues[t.Category], t.ID)
		}
	}
	inFlight += s.admitLocked(ctx, *halted, results)
	s.mu.Unlock()

	for inFlight > 0 {
		st := <-results
		inFlight--

		s.mu.Lock()
		e := s.entries[st.id]
		s.runningByCat[e.task.Category]--

		switch {
		case st.err != nil || st.res == nil:
			e.status = task.StatusFailed
			e.message = fmt.Sprintf("wait interrupted: %v", st.err)
		case e.cancelled:
			e.status = task.StatusSkipped
			e.message = "stopped by request"
		case st.res.State == sessionstore.StateDone:
			e.status = task.StatusDone
			e.message = st.res.Message
		default:
			e.status = task.StatusFailed
			e.message = st.res.Message
		}
		if st.res != nil {
			e.sessionID = st.res.SessionID
		}

		if e.status == task.StatusFailed && s.cfg.Halt() {
			*halted = true
			debug.LogKV("scheduler", "halting on failure", "task", st.id)
		}
		inFlight += s.admitLocked(ctx, *halted, results)
		s.mu.Unlock()
	}
}

// admitLocked starts queued tasks while their category has headroom,
// preserving FIFO order within each category. When halting, it drains the
// queues into skipped instead. Returns the number of tasks started.
func (s *Scheduler) admitLocked(ctx context.Context, halted bool, results chan<- settled) int {
	started := 0
	for cat, q := range s.queues {
		ceiling := s.cfg.Ceiling(cat)
		kept := q[:0]
		for _, id := range q {
			e := s.entries[id]
			switch {
			case e.cancelled:
				e.status = task.StatusSkipped
				e.message = "cancelled while queued"
			case halted || ctx.Err() != nil:
				e.status = task.StatusSkipped
				e.message = "halted after earlier failure"
			case s.runningByCat[cat] < ceiling:
				h, err := s.sup.Start(ctx, e.task)
				if err != nil {
					e.status = task.StatusFailed
					e.message = err.Error()
					continue
				}
				e.status = task.StatusRunning
				e.handle = h
				e.sessionID = h.SessionID()
				s.runningByCat[cat]++
				started++
				go func(id string, h *supervisor.Handle) {
					res, err := h.Wait(ctx)
					results <- settled{id: id, res: res, err: err}
				}(id, h)
			default:
				kept = append(kept, id)
			}
		}
		s.queues[cat] = kept
	}
	return started
}

// failedDepLocked returns the id of a dependency that did not finish done,
// or "".
func (s *Scheduler) failedDepLocked(t task.Task) string {
	for _, dep := range t.Dependencies {
		d, ok := s.entries[dep]
		if !ok {
			continue
		}
		if d.status != task.StatusDone {
			return dep
		}
	}
	return ""
}

func (s *Scheduler) skipWave(wave []task.Task, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range wave {
		e := s.entries[t.ID]
		if !e.status.Terminal() {
			e.status = task.StatusSkipped
			e.message = msg
		}
	}
}

// Cancel removes a queued task synchronously, or asks the supervisor to soft
// stop a running one. Settled tasks cannot be cancelled.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: unknown task %q", taskID)
	}
	switch e.status {
	case task.StatusPending, task.StatusQueued:
		e.cancelled = true
		e.status = task.StatusSkipped
		e.message = "cancelled"
		s.removeQueuedLocked(e.task.Category, taskID)
		s.mu.Unlock()
		return nil
	case task.StatusRunning:
		e.cancelled = true
		sid := e.sessionID
		s.mu.Unlock()
		// The spawn may still be in flight; give it a moment to register.
		err := s.sup.SoftStop(sid)
		for i := 0; i < 40 && errors.Is(err, supervisor.ErrNotRunning); i++ {
			time.Sleep(25 * time.Millisecond)
			err = s.sup.SoftStop(sid)
		}
		return err
	default:
		st := e.status
		s.mu.Unlock()
		return fmt.Errorf("scheduler: task %q already %s", taskID, st)
	}
}

func (s *Scheduler) removeQueuedLocked(category, taskID string) {
	q := s.queues[category]
	for i, id := range q {
		if id == taskID {
			s.queues[category] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Status returns a snapshot of every task in submission order.
func (s *Scheduler) Status() []TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snapshotLocked(id))
	}
	return out
}

func (s *Scheduler) snapshotLocked(id string) TaskState {
	e := s.entries[id]
	ts := TaskState{
		ID:        id,
		Category:  e.task.Category,
		Wave:      e.task.Wave,
		Status:    e.status,
		SessionID: e.sessionID,
		Message:   e.message,
	}
	if e.handle != nil {
		ts.RunID = e.handle.RunID()
	}
	return ts
}

// CategoryLoad is the admission picture for one category.
type CategoryLoad struct {
	Category string `json:"category"`
	Running  int    `json:"running"`
	Queued   int    `json:"queued"`
	Ceiling  int    `json:"ceiling"`
}

// Capacity returns per-category admission load, sorted by category name.
// Categories appear once any of their tasks has been submitted.
func (s *Scheduler) Capacity() []CategoryLoad {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCat := make(map[string]*CategoryLoad)
	for _, id := range s.order {
		e := s.entries[id]
		cat := e.task.Category
		load, ok := byCat[cat]
		if !ok {
			load = &CategoryLoad{Category: cat, Ceiling: s.cfg.Ceiling(cat)}
			byCat[cat] = load
		}
		switch e.status {
		case task.StatusRunning:
			load.Running++
		case task.StatusQueued:
			load.Queued++
		}
	}
	out := make([]CategoryLoad, 0, len(byCat))
	for _, load := range byCat {
		out = append(out, *load)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func (s *Scheduler) report(halted bool) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Report{Halted: halted}
	for _, id := range s.order {
		ts := s.snapshotLocked(id)
		r.Tasks = append(r.Tasks, ts)
		switch ts.Status {
		case task.StatusDone:
			r.Done++
		case task.StatusFailed:
			r.Failed++
		case task.StatusSkipped:
			r.Skipped++
		}
	}
	return r
}
