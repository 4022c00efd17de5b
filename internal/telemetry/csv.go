package telemetry

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/sorting"
	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

// DetectionHeader is the column layout of the detection log.
var DetectionHeader = []string{
	"timestamp",
	"detection_time",
	"class_name",
	"size_category",
	"track_id",
	"confidence",
	"area_pixels",
	"box_x1", "box_y1", "box_x2", "box_y2",
	"center_x", "center_y",
	"processed_status",
}

// SummaryHeader is the column layout of the shutdown summary.
var SummaryHeader = []string{"size_category", "count", "timestamp"}

const (
	rowTimeLayout  = "2006-01-02 15:04:05.000"
	fileTimeLayout = "20060102_150405"
)

// CSVSink appends one detection-log row per new registry entry
// (processed=false) and one per dispatch (processed=true), flushing after
// every row. Close writes the summary file from the last snapshot's counts.
type CSVSink struct {
	dir   string
	clock timeutil.Clock

	mu         sync.Mutex
	file       *os.File
	w          *csv.Writer
	path       string
	rows       int
	lastCounts map[string]int64
	categories []string
	closed     bool
}

// NewCSVSink creates dir if needed and opens sorting_data_<timestamp>.csv
// with its header row. categories fixes the summary row order.
func NewCSVSink(dir string, categories []string, clock timeutil.Clock) (*CSVSink, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create csv dir: %w", err)
	}
	path := filepath.Join(dir, "sorting_data_"+clock.Now().Format(fileTimeLayout)+".csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open detection log: %w", err)
	}

	s := &CSVSink{
		dir:        dir,
		clock:      clock,
		file:       f,
		w:          csv.NewWriter(f),
		path:       path,
		categories: append([]string(nil), categories...),
	}
	if err := s.writeRow(DetectionHeader); err != nil {
		f.Close()
		return nil, err
	}
	logf("detection log %s", path)
	return s, nil
}

// Path returns the detection log path.
func (s *CSVSink) Path() string { return s.path }

// Rows returns the number of data rows written, excluding the header.
func (s *CSVSink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

func (s *CSVSink) OnSighting(sg sorting.Sighting) error {
	return s.detectionRow(sg.At, sg.Key, sg.Category, sg.Confidence, sg.Box, false)
}

func (s *CSVSink) OnObjectFinalized(ev ObjectFinalized) error {
	e := ev.Event
	return s.detectionRow(e.At, e.Key, e.Category, e.Confidence, e.Box, true)
}

func (s *CSVSink) OnSnapshot(snap Snapshot) error {
	counts := make(map[string]int64, len(snap.Registry.Counts))
	for k, v := range snap.Registry.Counts {
		counts[k] = v
	}
	s.mu.Lock()
	s.lastCounts = counts
	s.mu.Unlock()
	return nil
}

func (s *CSVSink) detectionRow(at time.Time, key sorting.ObjectKey, category string, confidence float64, box sorting.Box, processed bool) error {
	if at.IsZero() {
		at = s.clock.Now()
	}
	cx, cy := box.Center()
	row := []string{
		at.Format(rowTimeLayout),
		strconv.FormatFloat(float64(at.UnixMilli())/1000, 'f', 3, 64),
		key.ClassLabel,
		category,
		strconv.FormatInt(key.TrackID, 10),
		formatFloat(confidence),
		formatFloat(box.Area()),
		formatFloat(box.X1), formatFloat(box.Y1), formatFloat(box.X2), formatFloat(box.Y2),
		formatFloat(cx), formatFloat(cy),
		strconv.FormatBool(processed),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("detection log closed")
	}
	if err := s.writeRowLocked(row); err != nil {
		return err
	}
	s.rows++
	return nil
}

func (s *CSVSink) writeRow(row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRowLocked(row)
}

func (s *CSVSink) writeRowLocked(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write detection row: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes the detection log and writes the summary file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.w.Flush()
	flushErr := s.w.Error()
	closeErr := s.file.Close()
	counts := s.lastCounts
	s.mu.Unlock()

	if flushErr != nil {
		return fmt.Errorf("flush detection log: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close detection log: %w", closeErr)
	}

	path, err := WriteSummary(s.dir, s.categories, counts, s.clock.Now())
	if err != nil {
		return err
	}
	logf("summary saved to %s", path)
	return nil
}

// WriteSummary writes sorting_summary_<timestamp>.csv with one row per
// category: the listed categories first in order, then any others sorted
// by name. It returns the file path.
func WriteSummary(dir string, categories []string, counts map[string]int64, now time.Time) (string, error) {
	path := filepath.Join(dir, "sorting_summary_"+now.Format(fileTimeLayout)+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create summary: %w", err)
	}
	defer f.Close()

	order := append([]string(nil), categories...)
	listed := make(map[string]bool, len(order))
	for _, c := range order {
		listed[c] = true
	}
	var extra []string
	for c := range counts {
		if !listed[c] {
			extra = append(extra, c)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	stamp := now.Format("2006-01-02 15:04:05")
	w := csv.NewWriter(f)
	w.Write(SummaryHeader)
	for _, c := range order {
		w.Write([]string{c, strconv.FormatInt(counts[c], 10), stamp})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return path, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
