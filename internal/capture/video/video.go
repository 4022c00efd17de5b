// Package video reads frames from cameras and video files through OpenCV.
package video

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/shrimp-sorter/internal/capture"
	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

var logf = monitoring.Prefixed("video")

// Source wraps a gocv.VideoCapture. Camera sources are live; file sources
// are recordings that report capture.ErrExhausted at end of file.
type Source struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	raw    gocv.Mat
	sized  gocv.Mat
	width  int
	height int
	live   bool
	name   string
	clock  timeutil.Clock
	pacer  *capture.Pacer
	seq    uint64
}

// OpenCamera opens the camera at index and requests width×height frames.
func OpenCamera(index, width, height int) (*Source, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", index, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera %d is not available", index)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	return newSource(vc, fmt.Sprintf("camera:%d", index), width, height, true, nil), nil
}

// OpenFile opens a video file. Frames are released at the file's own frame
// rate, or one per fallback when the file does not report one. A nil clock
// uses the real clock.
func OpenFile(path string, width, height int, fallback time.Duration, clock timeutil.Clock) (*Source, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video %s could not be opened", path)
	}
	s := newSource(vc, path, width, height, false, clock)
	s.pacer = capture.NewPacer(s.FrameInterval(fallback), s.clock)
	logf("%s: playing at one frame per %v", path, s.pacer.Interval())
	return s, nil
}

func newSource(vc *gocv.VideoCapture, name string, width, height int, live bool, clock timeutil.Clock) *Source {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Source{
		vc:     vc,
		raw:    gocv.NewMat(),
		sized:  gocv.NewMat(),
		width:  width,
		height: height,
		live:   live,
		name:   name,
		clock:  clock,
	}
}

// Next reads and resizes the next frame. File sources wait for their
// pacer first.
func (s *Source) Next(ctx context.Context) (capture.Frame, error) {
	if s.pacer != nil {
		if err := s.pacer.Wait(ctx); err != nil {
			return capture.Frame{}, err
		}
	} else if err := ctx.Err(); err != nil {
		return capture.Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok := s.vc.Read(&s.raw); !ok || s.raw.Empty() {
		if s.live {
			return capture.Frame{}, fmt.Errorf("read frame from %s failed", s.name)
		}
		return capture.Frame{}, capture.ErrExhausted
	}

	src := s.raw
	if s.raw.Cols() != s.width || s.raw.Rows() != s.height {
		if err := gocv.Resize(s.raw, &s.sized, image.Pt(s.width, s.height), 0, 0, gocv.InterpolationLinear); err != nil {
			return capture.Frame{}, fmt.Errorf("resize frame: %w", err)
		}
		src = s.sized
	}
	img, err := src.ToImage()
	if err != nil {
		return capture.Frame{}, fmt.Errorf("convert frame: %w", err)
	}
	s.seq++
	return capture.Frame{Seq: s.seq, CapturedAt: s.clock.Now(), Image: img}, nil
}

// Rewind seeks a file source back to its first frame.
func (s *Source) Rewind() error {
	if s.live {
		return fmt.Errorf("%s is live and cannot rewind", s.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vc.Set(gocv.VideoCapturePosFrames, 0)
	return nil
}

// Live reports whether the source is a camera.
func (s *Source) Live() bool { return s.live }

// FPS returns the frame rate reported by the device or file.
func (s *Source) FPS() float64 { return s.vc.Get(gocv.VideoCaptureFPS) }

// FrameInterval returns 1/FPS, or fallback when the rate is unknown.
func (s *Source) FrameInterval(fallback time.Duration) time.Duration {
	if fps := s.FPS(); fps > 0 {
		return time.Duration(float64(time.Second) / fps)
	}
	return fallback
}

// Close releases the capture device and buffers.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw.Close()
	s.sized.Close()
	return s.vc.Close()
}
