// Package sorting turns per-frame detections into size categories and
// exactly-once dispatch events.
package sorting

import (
	"errors"
	"fmt"
	"math"
)

// Box is an axis-aligned bounding box in frame pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the box area in pixels².
func (b Box) Area() float64 {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Center returns the box centre point.
func (b Box) Center() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Within reports whether the box lies entirely inside [0,width]×[0,height].
// The bounds are inclusive.
func (b Box) Within(width, height float64) bool {
	return b.X1 >= 0 && b.Y1 >= 0 && b.X2 <= width && b.Y2 <= height
}

// Detection is a single detector output for one frame.
type Detection struct {
	ClassLabel string  `json:"class"`
	TrackID    int64   `json:"track_id"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// ErrInvalidDetection is wrapped by Validate failures.
var ErrInvalidDetection = errors.New("invalid detection")

// Validate checks the fields a detection must carry to be tracked.
func (d Detection) Validate() error {
	if d.ClassLabel == "" {
		return fmt.Errorf("%w: empty class label", ErrInvalidDetection)
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidDetection, d.Confidence)
	}
	for _, v := range []float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite box coordinate", ErrInvalidDetection)
		}
	}
	if d.Box.X1 >= d.Box.X2 || d.Box.Y1 >= d.Box.Y2 {
		return fmt.Errorf("%w: degenerate box %+v", ErrInvalidDetection, d.Box)
	}
	return nil
}

// Key returns the registry key for the detection.
func (d Detection) Key() ObjectKey {
	return ObjectKey{ClassLabel: d.ClassLabel, TrackID: d.TrackID}
}

// ObjectKey identifies a tracked object: the detector's class label and
// its track id.
type ObjectKey struct {
	ClassLabel string `json:"class"`
	TrackID    int64  `json:"track_id"`
}

func (k ObjectKey) String() string {
	return fmt.Sprintf("%s_%d", k.ClassLabel, k.TrackID)
}
