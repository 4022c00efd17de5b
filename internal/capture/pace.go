package capture

import (
	"context"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

// Pacer releases the frames of a recording no faster than one per interval,
// measured from the previous release. It is not safe for concurrent use.
type Pacer struct {
	interval time.Duration
	clock    timeutil.Clock
	last     time.Time
}

// NewPacer returns a pacer for interval. A non-positive interval never waits.
func NewPacer(interval time.Duration, clock timeutil.Clock) *Pacer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Pacer{interval: interval, clock: clock}
}

// Wait blocks until interval has passed since the previous call returned.
// The first call returns at once. Time already spent decoding counts
// towards the interval.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.interval > 0 && !p.last.IsZero() {
		if remaining := p.interval - p.clock.Since(p.last); remaining > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(remaining):
			}
		}
	}
	p.last = p.clock.Now()
	return nil
}

// Interval returns the spacing between frames.
func (p *Pacer) Interval() time.Duration { return p.interval }
