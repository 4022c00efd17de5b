package detector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/banshee-data/shrimp-sorter/internal/capture"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
)

// ReplayDetector returns recorded detections, one JSON line per frame, in
// order, looping back to the first line after the last. Each line has the
// same shape as the sidecar reply; a blank line is a frame with nothing in it.
type ReplayDetector struct {
	mu     sync.Mutex
	frames [][]sorting.Detection
	next   int
	loops  int
}

// LoadReplay reads a JSON-lines fixture file.
func LoadReplay(path string) (*ReplayDetector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay fixture: %w", err)
	}
	defer f.Close()

	var frames [][]sorting.Detection
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			frames = append(frames, nil)
			continue
		}
		var resp wireResponse
		if err := json.Unmarshal([]byte(text), &resp); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		frames = append(frames, convert(resp.Detections))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read replay fixture: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("replay fixture %s is empty", path)
	}
	logf("loaded %d replay frames from %s", len(frames), path)
	return NewReplayDetector(frames), nil
}

// NewReplayDetector replays the given per-frame detections.
func NewReplayDetector(frames [][]sorting.Detection) *ReplayDetector {
	return &ReplayDetector{frames: frames}
}

func (r *ReplayDetector) Detect(ctx context.Context, _ capture.Frame) ([]sorting.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil, nil
	}
	frame := r.frames[r.next]
	r.next++
	if r.next == len(r.frames) {
		r.next = 0
		r.loops++
	}
	out := make([]sorting.Detection, len(frame))
	copy(out, frame)
	return out, nil
}

// Loops reports how many times the fixture has wrapped around.
func (r *ReplayDetector) Loops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loops
}

// Len returns the number of recorded frames.
func (r *ReplayDetector) Len() int { return len(r.frames) }
