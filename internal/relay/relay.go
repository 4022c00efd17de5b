// Package relay provides a latest-wins single-slot handoff between
// pipeline stages. A slow consumer never causes a backlog: publishing
// over an unread item replaces it and counts a drop.
package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

// ErrTimeout is returned by Take when no item arrived within the timeout.
var ErrTimeout = errors.New("relay: take timed out")

// Stats holds lifetime counters for a relay.
type Stats struct {
	Name      string `json:"name"`
	Published uint64 `json:"published"`
	Taken     uint64 `json:"taken"`
	Dropped   uint64 `json:"dropped"`
}

// Relay is a single-slot mailbox. Any number of goroutines may Publish;
// Take is intended for a single consumer.
type Relay[T any] struct {
	name   string
	clock  timeutil.Clock
	slot   atomic.Pointer[T]
	notify chan struct{}

	published atomic.Uint64
	taken     atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty relay. A nil clock uses the wall clock.
func New[T any](name string, clock timeutil.Clock) *Relay[T] {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Relay[T]{
		name:   name,
		clock:  clock,
		notify: make(chan struct{}, 1),
	}
}

// Publish stores item, replacing any unread item. It never blocks.
func (r *Relay[T]) Publish(item T) {
	v := item
	if old := r.slot.Swap(&v); old != nil {
		r.dropped.Add(1)
	}
	r.published.Add(1)

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Take removes and returns the current item, waiting up to timeout for
// one to arrive. It returns ErrTimeout when the wait elapses and
// ctx.Err() when the context is done first.
func (r *Relay[T]) Take(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	if p := r.slot.Swap(nil); p != nil {
		r.taken.Add(1)
		return *p, nil
	}

	deadline := r.clock.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline:
			// an item may have landed between the last check and the deadline
			if p := r.slot.Swap(nil); p != nil {
				r.taken.Add(1)
				return *p, nil
			}
			return zero, ErrTimeout
		case <-r.notify:
			// the token can be stale if an earlier Take already emptied the slot
			if p := r.slot.Swap(nil); p != nil {
				r.taken.Add(1)
				return *p, nil
			}
		}
	}
}

// Pending reports whether an unread item is waiting.
func (r *Relay[T]) Pending() bool {
	return r.slot.Load() != nil
}

// Stats returns a snapshot of the relay counters.
func (r *Relay[T]) Stats() Stats {
	return Stats{
		Name:      r.name,
		Published: r.published.Load(),
		Taken:     r.taken.Load(),
		Dropped:   r.dropped.Load(),
	}
}
