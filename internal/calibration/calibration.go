// Package calibration derives size thresholds from folders of labelled
// sample images.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/shrimp-sorter/internal/capture"
	"github.com/banshee-data/shrimp-sorter/internal/detector"
	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
)

var logf = monitoring.Prefixed("calibrate")

// ErrNoDetection is returned by ProcessImage when nothing in the image
// passes the confidence and class filters.
var ErrNoDetection = errors.New("no detection in image")

// Options control how sample images are measured.
type Options struct {
	Width         int     // resize target; zero keeps the original size
	Height        int
	MinConfidence float64 // detections below this are ignored
	ClassLabel    string  // empty accepts every class
}

// Calibrator collects the measured area of one object per image, grouped
// by the category the image was labelled with.
type Calibrator struct {
	det  detector.Detector
	opts Options

	mu      sync.Mutex
	samples map[string][]float64
	seq     uint64
}

// New returns a Calibrator that measures images with det.
func New(det detector.Detector, opts Options) *Calibrator {
	return &Calibrator{
		det:     det,
		opts:    opts,
		samples: make(map[string][]float64),
	}
}

// Add records an area directly.
func (c *Calibrator) Add(category string, area float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[category] = append(c.samples[category], area)
}

// Samples returns a copy of the recorded areas for category.
func (c *Calibrator) Samples(category string) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.samples[category]...)
}

// ProcessImage detects objects in the image at path and records the
// largest accepted box area under category. One object per image is
// assumed.
func (c *Calibrator) ProcessImage(ctx context.Context, category, path string) (float64, error) {
	img, err := capture.LoadImage(path, c.opts.Width, c.opts.Height)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	dets, err := c.det.Detect(ctx, capture.Frame{Seq: seq, Image: img})
	if err != nil {
		return 0, fmt.Errorf("detect %s: %w", path, err)
	}

	largest := -1.0
	for _, d := range dets {
		if d.Confidence < c.opts.MinConfidence {
			continue
		}
		if c.opts.ClassLabel != "" && d.ClassLabel != c.opts.ClassLabel {
			continue
		}
		if err := d.Validate(); err != nil {
			continue
		}
		if a := d.Box.Area(); a > largest {
			largest = a
		}
	}
	if largest < 0 {
		return 0, fmt.Errorf("%s: %w", path, ErrNoDetection)
	}
	c.Add(category, largest)
	return largest, nil
}

// DirResult summarises one labelled folder.
type DirResult struct {
	Category string
	Images   int
	Measured int
	Skipped  int
}

// ProcessDir measures every image in dir under category. Images that
// cannot be read or contain no detection are logged and skipped.
func (c *Calibrator) ProcessDir(ctx context.Context, category, dir string) (DirResult, error) {
	res := DirResult{Category: category}
	paths, err := capture.ListImages(dir)
	if err != nil {
		return res, err
	}
	res.Images = len(paths)
	if len(paths) == 0 {
		logf("no images found in %s", dir)
		return res, nil
	}
	logf("processing %d %s images from %s", len(paths), category, dir)

	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		area, err := c.ProcessImage(ctx, category, p)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			logf("%d/%d skipped: %v", i+1, len(paths), err)
			res.Skipped++
			continue
		}
		logf("%d/%d %s area=%.1f px²", i+1, len(paths), p, area)
		res.Measured++
	}
	return res, nil
}
