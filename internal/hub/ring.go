package hub

import "github.com/agusx1211/waverun/internal/event"

// ring is a fixed-size circular buffer of recent envelopes for one run.
// Oldest entries are evicted first. Not safe for concurrent use; the hub
// serializes access under its own lock.
type ring struct {
	events []event.Envelope
	size   int
	pos    int
	full   bool
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{events: make([]event.Envelope, size), size: size}
}

func (rb *ring) Add(ev event.Envelope) {
	rb.events[rb.pos] = ev
	rb.pos = (rb.pos + 1) % rb.size
	if rb.pos == 0 {
		rb.full = true
	}
}

// Snapshot returns buffered envelopes in insertion order.
func (rb *ring) Snapshot() []event.Envelope {
	if !rb.full {
		result := make([]event.Envelope, rb.pos)
		copy(result, rb.events[:rb.pos])
		return result
	}
	// Buffer is full: return in order starting from pos.
	result := make([]event.Envelope, rb.size)
	copy(result, rb.events[rb.pos:])
	copy(result[rb.size-rb.pos:], rb.events[:rb.pos])
	return result
}

// Since returns buffered envelopes with Seq strictly greater than sinceSeq.
func (rb *ring) Since(sinceSeq uint64) []event.Envelope {
	all := rb.Snapshot()
	out := make([]event.Envelope, 0, len(all))
	for _, ev := range all {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out
}
