package db

import (
	"sync"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/telemetry"
	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

// Sink persists dispatches as they happen and count snapshots at most
// once per interval. Close stores the final counts and ends the run.
type Sink struct {
	db       *DB
	runID    string
	interval time.Duration
	clock    timeutil.Clock

	mu        sync.Mutex
	counts    map[string]int64
	changed   bool
	lastWrite time.Time
	closed    bool
}

// NewSink returns a telemetry sink bound to runID.
func NewSink(db *DB, runID string, interval time.Duration, clock timeutil.Clock) *Sink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sink{db: db, runID: runID, interval: interval, clock: clock}
}

// RunID returns the run the sink writes to.
func (s *Sink) RunID() string { return s.runID }

func (s *Sink) OnObjectFinalized(ev telemetry.ObjectFinalized) error {
	return s.db.RecordDispatch(s.runID, ev.Event)
}

func (s *Sink) OnSnapshot(snap telemetry.Snapshot) error {
	now := s.clock.Now()

	s.mu.Lock()
	if !sameCounts(s.counts, snap.Registry.Counts) {
		s.counts = copyCounts(snap.Registry.Counts)
		s.changed = true
	}
	due := s.changed && (s.lastWrite.IsZero() || now.Sub(s.lastWrite) >= s.interval)
	var counts map[string]int64
	if due {
		counts = copyCounts(s.counts)
		s.changed = false
		s.lastWrite = now
	}
	s.mu.Unlock()

	if !due {
		return nil
	}
	return s.db.RecordCounts(s.runID, counts, now)
}

// Close writes the final counts and marks the run ended.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	counts := copyCounts(s.counts)
	s.mu.Unlock()

	now := s.clock.Now()
	if len(counts) > 0 {
		if err := s.db.RecordCounts(s.runID, counts, now); err != nil {
			return err
		}
	}
	return s.db.EndRun(s.runID, now)
}

func sameCounts(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ telemetry.Sink = (*Sink)(nil)
