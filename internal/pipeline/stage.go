package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/capture"
	"github.com/banshee-data/shrimp-sorter/internal/detector"
	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
	"github.com/banshee-data/shrimp-sorter/internal/relay"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

var stageLogf = monitoring.Prefixed("detect")

// Result is one detected frame handed from the detection stage to the
// processing loop.
type Result struct {
	Frame      capture.Frame
	Detections []sorting.Detection
	DetectedAt time.Time
}

// StageStats holds detection stage counters.
type StageStats struct {
	Detected uint64 `json:"detected"`
	Errors   uint64 `json:"errors"`
	Panics   uint64 `json:"panics"`
	Waits    uint64 `json:"rate_limit_waits"`
}

// DetectionStage runs the detector on frames taken from the raw relay, no
// more often than once per interval, and publishes results. A failing
// frame is logged and dropped; the stage keeps running.
type DetectionStage struct {
	detector detector.Detector
	in       *relay.Relay[capture.Frame]
	out      *relay.Relay[Result]
	interval time.Duration
	poll     time.Duration
	clock    timeutil.Clock

	mu       sync.Mutex
	lastCall time.Time

	detected atomic.Uint64
	errs     atomic.Uint64
	panics   atomic.Uint64
	waits    atomic.Uint64
}

// NewDetectionStage wires a detector between two relays.
func NewDetectionStage(det detector.Detector, in *relay.Relay[capture.Frame], out *relay.Relay[Result], interval, poll time.Duration, clock timeutil.Clock) *DetectionStage {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &DetectionStage{
		detector: det,
		in:       in,
		out:      out,
		interval: interval,
		poll:     poll,
		clock:    clock,
	}
}

// Run consumes frames until upstream is done and the input relay is
// empty. upstream should be derived from ctx. Once ctx itself is done the
// remaining frames are abandoned.
func (s *DetectionStage) Run(ctx, upstream context.Context) {
	for {
		frame, err := s.in.Take(upstream, s.poll)
		if err != nil {
			if ctx.Err() == nil && (errors.Is(err, relay.ErrTimeout) || s.in.Pending()) {
				continue
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		res, err := s.Step(ctx, frame)
		if err != nil {
			if ctx.Err() == nil {
				stageLogf("frame %d dropped: %v", frame.Seq, err)
			}
			continue
		}
		s.out.Publish(res)
	}
}

// Step waits out the rate limit and runs the detector on one frame.
// Failures caused by ctx ending are not counted as detection errors.
func (s *DetectionStage) Step(ctx context.Context, frame capture.Frame) (Result, error) {
	if err := s.throttle(ctx); err != nil {
		return Result{}, err
	}

	dets, err := s.detect(ctx, frame)
	if err != nil {
		if ctx.Err() == nil {
			s.errs.Add(1)
		}
		return Result{}, err
	}
	s.detected.Add(1)
	return Result{Frame: frame, Detections: dets, DetectedAt: s.clock.Now()}, nil
}

func (s *DetectionStage) throttle(ctx context.Context) error {
	s.mu.Lock()
	last := s.lastCall
	s.mu.Unlock()

	if !last.IsZero() && s.interval > 0 {
		if remaining := s.interval - s.clock.Since(last); remaining > 0 {
			s.waits.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(remaining):
			}
		}
	}

	s.mu.Lock()
	s.lastCall = s.clock.Now()
	s.mu.Unlock()
	return nil
}

func (s *DetectionStage) detect(ctx context.Context, frame capture.Frame) (dets []sorting.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return s.detector.Detect(ctx, frame)
}

// Stats returns the stage counters.
func (s *DetectionStage) Stats() StageStats {
	return StageStats{
		Detected: s.detected.Load(),
		Errors:   s.errs.Load(),
		Panics:   s.panics.Load(),
		Waits:    s.waits.Load(),
	}
}
