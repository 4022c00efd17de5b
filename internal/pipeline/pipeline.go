// Package pipeline connects frame capture, detection, the track registry
// and the actuation scheduler into one concurrently running sorter.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/actuation"
	"github.com/banshee-data/shrimp-sorter/internal/capture"
	"github.com/banshee-data/shrimp-sorter/internal/config"
	"github.com/banshee-data/shrimp-sorter/internal/detector"
	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
	"github.com/banshee-data/shrimp-sorter/internal/relay"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
	"github.com/banshee-data/shrimp-sorter/internal/telemetry"
	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

var logf = monitoring.Prefixed("pipeline")

// Config holds the pipeline timing and policy settings.
type Config struct {
	DetectionInterval time.Duration
	PollInterval      time.Duration
	ShutdownGrace     time.Duration
	OnSourceExhausted string
}

// ConfigFromSorter extracts the pipeline settings from a SorterConfig.
func ConfigFromSorter(cfg *config.SorterConfig) Config {
	return Config{
		DetectionInterval: cfg.GetDetectionInterval(),
		PollInterval:      cfg.GetPollInterval(),
		ShutdownGrace:     cfg.GetShutdownGrace(),
		OnSourceExhausted: cfg.GetOnSourceExhausted(),
	}
}

// Options are the collaborators of a Pipeline. Source, Detector,
// Registry and Scheduler are required.
type Options struct {
	Config    Config
	Source    capture.Source
	Detector  detector.Detector
	Registry  *sorting.Registry
	Scheduler *actuation.Scheduler
	Sinks     *telemetry.Fanout // nil means no sinks
	Clock     timeutil.Clock    // nil uses the wall clock
}

// Stats is the pipeline view served by the API.
type Stats struct {
	FPS       float64         `json:"fps"`
	Frames    uint64          `json:"frames_processed"`
	Rewinds   uint64          `json:"source_rewinds"`
	Relays    []relay.Stats   `json:"relays"`
	Stage     StageStats      `json:"detection"`
	Actuation actuation.Stats `json:"actuation"`
	SinkFails uint64          `json:"sink_failures"`
}

// Pipeline owns the three long-lived workers: acquisition, detection and
// processing.
type Pipeline struct {
	cfg       Config
	source    capture.Source
	registry  *sorting.Registry
	scheduler *actuation.Scheduler
	sinks     *telemetry.Fanout
	clock     timeutil.Clock

	raw     *relay.Relay[capture.Frame]
	results *relay.Relay[Result]
	stage   *DetectionStage

	frames  atomic.Uint64
	rewinds atomic.Uint64
	fpsBits atomic.Uint64

	// touched only by the processing loop
	windowStart  time.Time
	windowFrames int
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("pipeline requires a frame source")
	case opts.Detector == nil:
		return nil, errors.New("pipeline requires a detector")
	case opts.Registry == nil:
		return nil, errors.New("pipeline requires a registry")
	case opts.Scheduler == nil:
		return nil, errors.New("pipeline requires a scheduler")
	}
	cfg := opts.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.OnSourceExhausted == "" {
		cfg.OnSourceExhausted = config.OnExhaustedRestart
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sinks := opts.Sinks
	if sinks == nil {
		sinks = telemetry.NewFanout()
	}

	p := &Pipeline{
		cfg:       cfg,
		source:    opts.Source,
		registry:  opts.Registry,
		scheduler: opts.Scheduler,
		sinks:     sinks,
		clock:     clock,
		raw:       relay.New[capture.Frame]("raw", clock),
		results:   relay.New[Result]("results", clock),
	}
	p.stage = NewDetectionStage(opts.Detector, p.raw, p.results, cfg.DetectionInterval, cfg.PollInterval, clock)
	return p, nil
}

// Run starts the workers and blocks until ctx is cancelled, the source is
// exhausted under the stop policy, or acquisition fails. When the source
// ends, downstream workers drain what is already in flight before exiting;
// on cancellation undetected frames are abandoned. Run then waits
// up to the shutdown grace for actuation timelines and abandons the rest.
func (p *Pipeline) Run(ctx context.Context) error {
	acquired, acquireDone := context.WithCancel(ctx)
	detected, detectDone := context.WithCancel(ctx)
	defer acquireDone()
	defer detectDone()

	var (
		wg         sync.WaitGroup
		acquireErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer acquireDone()
		acquireErr = p.acquire(ctx)
	}()
	go func() {
		defer wg.Done()
		defer detectDone()
		p.stage.Run(ctx, acquired)
	}()
	go func() {
		defer wg.Done()
		p.process(detected)
	}()
	wg.Wait()

	if n := p.scheduler.InFlight(); n > 0 {
		logf("waiting up to %s for %d actuation timelines", p.cfg.ShutdownGrace, n)
		if !p.scheduler.WaitTimeout(p.cfg.ShutdownGrace) {
			logf("abandoning %d actuation timelines", p.scheduler.InFlight())
		}
	}
	return acquireErr
}

func (p *Pipeline) acquire(ctx context.Context) error {
	sinceRewind := 0
	for {
		frame, err := p.source.Next(ctx)
		switch {
		case err == nil:
			sinceRewind++
			p.raw.Publish(frame)

		case ctx.Err() != nil:
			return nil

		case errors.Is(err, capture.ErrExhausted):
			if p.cfg.OnSourceExhausted != config.OnExhaustedRestart || p.source.Live() {
				logf("source exhausted, stopping")
				return nil
			}
			if sinceRewind == 0 && p.rewinds.Load() > 0 {
				return errors.New("source exhausted again without producing a frame")
			}
			if err := p.source.Rewind(); err != nil {
				return fmt.Errorf("rewind source: %w", err)
			}
			p.rewinds.Add(1)
			sinceRewind = 0
			logf("source exhausted, rewound to the first frame")

		default:
			return fmt.Errorf("read frame: %w", err)
		}
	}
}

func (p *Pipeline) process(upstream context.Context) {
	for {
		res, err := p.results.Take(upstream, p.cfg.PollInterval)
		if err != nil {
			if errors.Is(err, relay.ErrTimeout) || p.results.Pending() {
				continue
			}
			return
		}
		p.ProcessResult(res)
	}
}

// ProcessResult applies one detection result to the registry, starts a
// timeline for every dispatch and notifies the sinks. It is called by the
// processing loop and must not be called concurrently with Run.
func (p *Pipeline) ProcessResult(res Result) sorting.FrameResult {
	fr := p.registry.ApplyFrame(sorting.FrameDetections{
		Seq:        res.Frame.Seq,
		At:         res.DetectedAt,
		Detections: res.Detections,
	})

	for _, sg := range fr.Created {
		p.sinks.OnSighting(sg)
	}
	for _, ev := range fr.Dispatches {
		p.scheduler.Dispatch(ev)
		logf("dispatch %s as %s (area %.0f px², confidence %.2f)", ev.Key, ev.Category, ev.Box.Area(), ev.Confidence)
		p.sinks.OnObjectFinalized(telemetry.ObjectFinalized{Event: ev, FinalizedAt: p.clock.Now()})
	}

	p.frames.Add(1)
	p.tickFPS()
	p.sinks.OnSnapshot(p.Snapshot())
	return fr
}

func (p *Pipeline) tickFPS() {
	now := p.clock.Now()
	if p.windowStart.IsZero() {
		p.windowStart = now
	}
	p.windowFrames++
	if elapsed := now.Sub(p.windowStart); elapsed >= time.Second {
		fps := float64(p.windowFrames) / elapsed.Seconds()
		p.fpsBits.Store(math.Float64bits(fps))
		p.windowStart = now
		p.windowFrames = 0
	}
}

// FPS returns the processing rate measured over the last full window.
func (p *Pipeline) FPS() float64 {
	return math.Float64frombits(p.fpsBits.Load())
}

// Snapshot returns the current telemetry view.
func (p *Pipeline) Snapshot() telemetry.Snapshot {
	return telemetry.Snapshot{
		Registry:  p.registry.Snapshot(),
		FPS:       p.FPS(),
		Relays:    []relay.Stats{p.raw.Stats(), p.results.Stats()},
		Actuation: p.scheduler.Stats(),
	}
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FPS:       p.FPS(),
		Frames:    p.frames.Load(),
		Rewinds:   p.rewinds.Load(),
		Relays:    []relay.Stats{p.raw.Stats(), p.results.Stats()},
		Stage:     p.stage.Stats(),
		Actuation: p.scheduler.Stats(),
		SinkFails: p.sinks.Failures(),
	}
}

// Registry returns the pipeline's track registry.
func (p *Pipeline) Registry() *sorting.Registry { return p.registry }
