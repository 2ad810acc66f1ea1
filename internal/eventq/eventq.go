// Package eventq provides small helpers for channel-based event delivery
// where a slow consumer must never block the producer.
package eventq

import "context"

// Offer performs a non-blocking send.
// It returns true when the value was sent and false when the channel is full.
// Sending on a closed channel is reported as not-sent instead of panicking,
// since subscribers may close their channel while a broadcast is in flight.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// Send performs a blocking send bounded by ctx.
// It returns false when ctx is cancelled before the value could be delivered.
func Send[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case ch <- value:
		return true
	case <-ctx.Done():
		return false
	}
}
