// Package actuation runs one independent servo timeline per dispatch event.
package actuation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

var logf = monitoring.Prefixed("actuation")

// Driver moves the servo serving a category. Implementations must tolerate
// overlapping calls for the same category.
type Driver interface {
	SetAngle(ctx context.Context, category string, angle float64) error
}

// State is a timeline state.
type State string

const (
	StateRest           State = "rest"
	StateMovingToTarget State = "moving_to_target"
	StateHolding        State = "holding"
	StateReturning      State = "returning"
)

// Transition is reported to the Observer each time a timeline changes state.
type Transition struct {
	TimelineID uint64
	Category   string
	Key        sorting.ObjectKey
	From       State
	To         State
	At         time.Time
}

// Observer receives timeline transitions. It is called from timeline
// goroutines and must be safe for concurrent use.
type Observer func(Transition)

// Options configures a Scheduler.
type Options struct {
	Settle   time.Duration  // time allowed for the servo to reach a commanded angle
	Clock    timeutil.Clock // nil uses the wall clock
	Observer Observer       // optional
}

// Stats holds scheduler counters.
type Stats struct {
	Started      uint64 `json:"started"`
	Completed    uint64 `json:"completed"`
	DriverErrors uint64 `json:"driver_errors"`
	InFlight     int64  `json:"in_flight"`
}

// Scheduler spawns a goroutine per dispatch event. Timelines share no
// state with each other; the driver is the only common resource.
type Scheduler struct {
	driver   Driver
	settle   time.Duration
	clock    timeutil.Clock
	observer Observer

	wg           sync.WaitGroup
	nextID       atomic.Uint64
	inFlight     atomic.Int64
	started      atomic.Uint64
	completed    atomic.Uint64
	driverErrors atomic.Uint64
}

// New creates a Scheduler.
func New(driver Driver, opts Options) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{
		driver:   driver,
		settle:   opts.Settle,
		clock:    clock,
		observer: opts.Observer,
	}
}

// Dispatch starts the timeline for ev and returns immediately.
func (s *Scheduler) Dispatch(ev sorting.DispatchEvent) {
	id := s.nextID.Add(1)
	s.started.Add(1)
	s.inFlight.Add(1)
	s.wg.Add(1)
	go s.run(id, ev)
}

// Wait blocks until every dispatched timeline has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// WaitTimeout waits for in-flight timelines for at most d and reports
// whether they all finished. Timelines still running are abandoned.
func (s *Scheduler) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-s.clock.After(d):
		return false
	}
}

// InFlight returns the number of running timelines.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Started:      s.started.Load(),
		Completed:    s.completed.Load(),
		DriverErrors: s.driverErrors.Load(),
		InFlight:     s.inFlight.Load(),
	}
}

// Home commands every category to its rest angle. Errors are collected
// and returned together; homing continues past a failing servo.
func (s *Scheduler) Home(ctx context.Context, profiles map[string]sorting.Profile) error {
	var failed []string
	for category, p := range profiles {
		if err := s.command(ctx, category, p.RestAngle); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", category, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("homing failed for %d servos: %v", len(failed), failed)
	}
	return nil
}

func (s *Scheduler) run(id uint64, ev sorting.DispatchEvent) {
	defer s.wg.Done()
	defer s.inFlight.Add(-1)
	defer s.completed.Add(1)

	// timelines are never cancelled; they outlive the pipeline context
	ctx := context.Background()
	p := ev.Profile

	s.transition(id, ev, StateRest, StateMovingToTarget)
	s.set(ctx, id, ev.Category, p.TargetAngle)
	s.wait(s.settle)

	s.transition(id, ev, StateMovingToTarget, StateHolding)
	s.wait(p.HoldDuration)

	s.transition(id, ev, StateHolding, StateReturning)
	s.wait(p.ReturnDelay())
	s.set(ctx, id, ev.Category, p.RestAngle)
	s.wait(s.settle)

	s.transition(id, ev, StateReturning, StateRest)
}

func (s *Scheduler) set(ctx context.Context, id uint64, category string, angle float64) {
	if err := s.command(ctx, category, angle); err != nil {
		s.driverErrors.Add(1)
		logf("timeline %d: set %s to %.1f°: %v", id, category, angle, err)
	}
}

// command calls the driver, converting a panic into an error.
func (s *Scheduler) command(ctx context.Context, category string, angle float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()
	return s.driver.SetAngle(ctx, category, angle)
}

func (s *Scheduler) wait(d time.Duration) {
	if d > 0 {
		s.clock.Sleep(d)
	}
}

func (s *Scheduler) transition(id uint64, ev sorting.DispatchEvent, from, to State) {
	if s.observer == nil {
		return
	}
	s.observer(Transition{
		TimelineID: id,
		Category:   ev.Category,
		Key:        ev.Key,
		From:       from,
		To:         to,
		At:         s.clock.Now(),
	})
}
