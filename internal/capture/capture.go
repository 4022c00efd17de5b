// Package capture provides frame sources for the sorting pipeline.
package capture

import (
	"context"
	"errors"
	"image"
	"time"
)

// ErrExhausted is returned by Next when a recorded source has no more frames.
var ErrExhausted = errors.New("capture: source exhausted")

// Frame is one captured image.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Image      image.Image
}

// Source produces frames at its own rate.
type Source interface {
	// Next blocks until the next frame is available.
	Next(ctx context.Context) (Frame, error)
	// Rewind restarts a recorded source from its first frame.
	Rewind() error
	// Live reports whether the source is a camera rather than a recording.
	Live() bool
	Close() error
}
