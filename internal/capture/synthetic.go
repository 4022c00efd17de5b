package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

var logf = monitoring.Prefixed("capture")

// SyntheticSource emits blank frames at a fixed interval. A positive
// limit makes it a recording that is exhausted after limit frames.
type SyntheticSource struct {
	width    int
	height   int
	interval time.Duration
	limit    uint64
	clock    timeutil.Clock
	img      image.Image

	mu      sync.Mutex
	emitted uint64
	seq     uint64
}

// NewSyntheticSource creates a synthetic source. limit 0 never exhausts.
func NewSyntheticSource(width, height int, interval time.Duration, limit uint64, clock timeutil.Clock) *SyntheticSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SyntheticSource{
		width:    width,
		height:   height,
		interval: interval,
		limit:    limit,
		clock:    clock,
		img:      imaging.New(width, height, color.NRGBA{R: 32, G: 48, B: 64, A: 255}),
	}
}

func (s *SyntheticSource) Next(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	exhausted := s.limit > 0 && s.emitted >= s.limit
	s.mu.Unlock()
	if exhausted {
		return Frame{}, ErrExhausted
	}

	if s.interval > 0 {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.clock.After(s.interval):
		}
	} else if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted++
	s.seq++
	return Frame{Seq: s.seq, CapturedAt: s.clock.Now(), Image: s.img}, nil
}

func (s *SyntheticSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = 0
	return nil
}

func (s *SyntheticSource) Live() bool   { return s.limit == 0 }
func (s *SyntheticSource) Close() error { return nil }
