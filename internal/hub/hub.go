// Package hub ingests events from supervisors and external producers,
// assigns per-run ordering, and broadcasts to subscribers.
//
// The hub is the sole ordering authority: Seq is assigned at ingest time,
// monotonically increasing from 1 per run id, and sequence hints supplied by
// producers are overwritten. Fan-out is non-blocking per subscriber; a
// subscriber whose buffer is full is disconnected and must re-subscribe with
// replay via History.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/agusx1211/waverun/internal/debug"
	"github.com/agusx1211/waverun/internal/event"
	"github.com/agusx1211/waverun/internal/eventq"
	"github.com/agusx1211/waverun/internal/hexid"
)

// ErrClosed is returned by Ingest after Close.
var ErrClosed = errors.New("hub: closed")

const defaultSubscriberBuffer = 256

// Options configures a Hub.
type Options struct {
	HistorySize       int           // per-run replay buffer entries (default 512)
	HeartbeatInterval time.Duration // 0 disables heartbeats
	Metrics           *Metrics      // nil disables instrumentation
}

// Subscription is one attached consumer. Events arrive on C until the
// subscriber calls Close or is dropped for falling behind, after which C is
// closed.
type Subscription struct {
	ID int
	C  <-chan event.Envelope

	hub  *Hub
	ch   chan event.Envelope
	once sync.Once
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.ID)
}

type runState struct {
	seq       uint64
	sessionID string
	history   *ring
	state     string // last reported session state, carried by heartbeats
	active    bool
	stopBeat  chan struct{}
}

// Hub is the event fan-out point shared by all supervisor instances.
type Hub struct {
	mu      sync.Mutex
	runs    map[string]*runState
	subs    map[int]*Subscription
	nextSub int
	closed  bool

	historySize       int
	heartbeatInterval time.Duration
	metrics           *Metrics
}

// New creates a Hub.
func New(opts Options) *Hub {
	size := opts.HistorySize
	if size <= 0 {
		size = 512
	}
	return &Hub{
		runs:              make(map[string]*runState),
		subs:              make(map[int]*Subscription),
		historySize:       size,
		heartbeatInterval: opts.HeartbeatInterval,
		metrics:           opts.Metrics,
	}
}

// Ingest validates ev, assigns its seq, id, and timestamp, records it in the
// run's history buffer, and broadcasts it. The envelope is mutated in place.
func (h *Hub) Ingest(ev *event.Envelope) error {
	if err := ev.Validate(); err != nil {
		h.metrics.rejected()
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}

	rs := h.runs[ev.RunID]
	if rs == nil {
		rs = &runState{
			sessionID: ev.SessionID,
			history:   newRing(h.historySize),
			state:     "running",
			active:    true,
		}
		h.runs[ev.RunID] = rs
		if h.heartbeatInterval > 0 {
			rs.stopBeat = make(chan struct{})
			go h.heartbeatLoop(ev.RunID, ev.SessionID, rs.stopBeat)
		}
	}

	rs.seq++
	ev.Seq = rs.seq
	ev.ID = hexid.NewLong()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	rs.history.Add(*ev)

	if ev.Terminal() {
		rs.active = false
		if rs.stopBeat != nil {
			close(rs.stopBeat)
			rs.stopBeat = nil
		}
	}

	// Broadcast under the lock so per-run channel order matches seq order.
	// Offer never blocks, so holding the lock here is cheap.
	var dropped []int
	for id, sub := range h.subs {
		if !eventq.Offer(sub.ch, *ev) {
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		h.dropLocked(id)
	}
	h.mu.Unlock()

	h.metrics.ingested(string(ev.Type))
	debug.LogKV("hub", "event ingested",
		"run_id", ev.RunID,
		"session_id", ev.SessionID,
		"type", ev.Type,
		"seq", ev.Seq,
		"dropped_subs", len(dropped),
	)
	return nil
}

// Subscribe attaches a new consumer with the default buffer.
func (h *Hub) Subscribe() *Subscription {
	return h.SubscribeBuffered(defaultSubscriberBuffer)
}

// SubscribeBuffered attaches a new consumer with an explicit buffer size.
func (h *Hub) SubscribeBuffered(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan event.Envelope, buffer)

	h.mu.Lock()
	h.nextSub++
	sub := &Subscription{ID: h.nextSub, C: ch, hub: h, ch: ch}
	if h.closed {
		close(ch)
	} else {
		h.subs[sub.ID] = sub
		h.metrics.subscriberDelta(1)
	}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		h.metrics.subscriberDelta(-1)
		sub.once.Do(func() { close(sub.ch) })
	}
	h.mu.Unlock()
}

// dropLocked disconnects a subscriber that fell behind. Callers hold h.mu.
func (h *Hub) dropLocked(id int) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	h.metrics.subscriberDelta(-1)
	h.metrics.subscriberDropped()
	sub.once.Do(func() { close(sub.ch) })
	debug.LogKV("hub", "subscriber dropped for backpressure", "subscriber", id)
}

// History returns buffered events for runID with seq > sinceSeq, in order.
// Events older than the run's history buffer are gone; callers that need
// them must have been subscribed at the time.
func (h *Hub) History(runID string, sinceSeq uint64) []event.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	rs := h.runs[runID]
	if rs == nil {
		return nil
	}
	return rs.history.Since(sinceSeq)
}

// Runs returns the ids of runs the hub has seen, active ones first is not
// guaranteed; callers sort as needed.
func (h *Hub) Runs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.runs))
	for id := range h.runs {
		out = append(out, id)
	}
	return out
}

// SetRunState records the session state carried by subsequent heartbeats for
// runID. Supervisors call this on idle/resume transitions.
func (h *Hub) SetRunState(runID, state string) {
	h.mu.Lock()
	if rs := h.runs[runID]; rs != nil {
		rs.state = state
	}
	h.mu.Unlock()
}

func (h *Hub) heartbeatLoop(runID, sessionID string, stop <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		rs := h.runs[runID]
		if rs == nil || !rs.active || h.closed {
			h.mu.Unlock()
			return
		}
		state := rs.state
		h.mu.Unlock()

		beat := &event.Envelope{
			Type:      event.TypeHeartbeat,
			SessionID: sessionID,
			RunID:     runID,
			Heartbeat: &event.HeartbeatPayload{State: state},
		}
		if err := h.Ingest(beat); err != nil {
			return
		}
		h.metrics.heartbeat()
	}
}

// Close stops heartbeats and detaches every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, rs := range h.runs {
		if rs.stopBeat != nil {
			close(rs.stopBeat)
			rs.stopBeat = nil
		}
	}
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[int]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		h.metrics.subscriberDelta(-1)
		sub.once.Do(func() { close(sub.ch) })
	}
}
