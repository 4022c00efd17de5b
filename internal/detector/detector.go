// Package detector adapts external object trackers to the sorting pipeline.
package detector

import (
	"context"
	"fmt"

	"github.com/banshee-data/shrimp-sorter/internal/capture"
	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
)

var logf = monitoring.Prefixed("detector")

// Detector returns the tracked detections for one frame. Track ids must be
// stable across frames for the same physical object. Implementations are
// called from a single goroutine.
type Detector interface {
	Detect(ctx context.Context, frame capture.Frame) ([]sorting.Detection, error)
}

// wireDetection is the tracker's JSON shape. The box is [x1, y1, x2, y2].
type wireDetection struct {
	TrackID    int64      `json:"track_id"`
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

type wireResponse struct {
	Detections []wireDetection `json:"detections"`
}

func (w wireDetection) toDetection() sorting.Detection {
	return sorting.Detection{
		ClassLabel: w.Class,
		TrackID:    w.TrackID,
		Confidence: w.Confidence,
		Box:        sorting.Box{X1: w.Box[0], Y1: w.Box[1], X2: w.Box[2], Y2: w.Box[3]},
	}
}

func convert(in []wireDetection) []sorting.Detection {
	out := make([]sorting.Detection, 0, len(in))
	for _, w := range in {
		out = append(out, w.toDetection())
	}
	return out
}

// Func adapts a plain function to the Detector interface.
type Func func(ctx context.Context, frame capture.Frame) ([]sorting.Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, frame capture.Frame) ([]sorting.Detection, error) {
	if f == nil {
		return nil, fmt.Errorf("detector: nil func")
	}
	return f(ctx, frame)
}
