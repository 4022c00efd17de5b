// Package telemetry fans registry snapshots and finalized objects out to
// read-only sinks such as CSV logs, the database and the live display.
package telemetry

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/actuation"
	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
	"github.com/banshee-data/shrimp-sorter/internal/relay"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
)

var logf = monitoring.Prefixed("telemetry")

// ObjectFinalized is delivered once per dispatch event.
type ObjectFinalized struct {
	Event       sorting.DispatchEvent `json:"event"`
	FinalizedAt time.Time             `json:"finalized_at"`
}

// Snapshot is the per-cycle view handed to sinks.
type Snapshot struct {
	Registry  sorting.Snapshot `json:"registry"`
	FPS       float64          `json:"fps"`
	Relays    []relay.Stats    `json:"relays"`
	Actuation actuation.Stats  `json:"actuation"`
}

// Sink receives telemetry. Sinks must not retain or mutate the values
// they are given beyond the call.
type Sink interface {
	OnObjectFinalized(ObjectFinalized) error
	OnSnapshot(Snapshot) error
}

// SightingSink is implemented by sinks that also want every new registry
// entry, processed or not.
type SightingSink interface {
	OnSighting(sorting.Sighting) error
}

// Fanout delivers telemetry to every registered sink. A failing or
// panicking sink is logged and skipped; it never affects the caller or
// the other sinks.
type Fanout struct {
	mu       sync.RWMutex
	sinks    []Sink
	failures atomic.Uint64
}

// NewFanout returns a fanout over sinks. Nil sinks are ignored.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add registers another sink.
func (f *Fanout) Add(s Sink) {
	if s == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

// Len returns the number of registered sinks.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// Failures returns the total number of sink errors and panics.
func (f *Fanout) Failures() uint64 {
	return f.failures.Load()
}

func (f *Fanout) OnObjectFinalized(ev ObjectFinalized) error {
	f.each("object finalized", func(s Sink) error { return s.OnObjectFinalized(ev) })
	return nil
}

func (f *Fanout) OnSnapshot(snap Snapshot) error {
	f.each("snapshot", func(s Sink) error { return s.OnSnapshot(snap) })
	return nil
}

func (f *Fanout) OnSighting(sg sorting.Sighting) error {
	f.each("sighting", func(s Sink) error {
		if ss, ok := s.(SightingSink); ok {
			return ss.OnSighting(sg)
		}
		return nil
	})
	return nil
}

// Close closes every sink that implements io.Closer and returns the
// first error.
func (f *Fanout) Close() error {
	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()

	var first error
	for _, s := range sinks {
		c, ok := s.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logf("close %T: %v", s, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (f *Fanout) each(what string, call func(Sink) error) {
	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()

	for _, s := range sinks {
		if err := safeCall(s, call); err != nil {
			logf("%s sink %T: %v", what, s, err)
			f.failures.Add(1)
		}
	}
}

func safeCall(s Sink, call func(Sink) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return call(s)
}
