package capture

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true, ".tif": true, ".tiff": true, ".webp": true}

// ListImages returns the image files in dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read image dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// LoadImage opens path and resizes it to width×height when both are positive.
func LoadImage(path string, width, height int) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if width > 0 && height > 0 {
		b := img.Bounds()
		if b.Dx() != width || b.Dy() != height {
			img = imaging.Resize(img, width, height, imaging.Lanczos)
		}
	}
	return img, nil
}

// ImageDirSource replays a directory of still images as a recording.
type ImageDirSource struct {
	paths    []string
	width    int
	height   int
	interval time.Duration
	clock    timeutil.Clock

	mu   sync.Mutex
	next int
	seq  uint64
}

// NewImageDirSource lists dir and returns a source that yields one image
// per interval, resized to width×height.
func NewImageDirSource(dir string, width, height int, interval time.Duration, clock timeutil.Clock) (*ImageDirSource, error) {
	paths, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ImageDirSource{paths: paths, width: width, height: height, interval: interval, clock: clock}, nil
}

// Next returns the next image, or ErrExhausted after the last one.
// Unreadable files are skipped.
func (s *ImageDirSource) Next(ctx context.Context) (Frame, error) {
	if s.interval > 0 {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.clock.After(s.interval):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.next < len(s.paths) {
		path := s.paths[s.next]
		s.next++
		img, err := LoadImage(path, s.width, s.height)
		if err != nil {
			logf("skipping %s: %v", path, err)
			continue
		}
		s.seq++
		return Frame{Seq: s.seq, CapturedAt: s.clock.Now(), Image: img}, nil
	}
	return Frame{}, ErrExhausted
}

// Rewind restarts from the first image.
func (s *ImageDirSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	return nil
}

func (s *ImageDirSource) Live() bool   { return false }
func (s *ImageDirSource) Close() error { return nil }

// Len returns the number of images in the directory.
func (s *ImageDirSource) Len() int { return len(s.paths) }
