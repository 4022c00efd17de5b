package db

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/sorting"
)

// DispatchRecord is a persisted dispatch event.
type DispatchRecord struct {
	ID           int64             `json:"id"`
	RunID        string            `json:"run_id"`
	Key          sorting.ObjectKey `json:"key"`
	Category     string            `json:"size_category"`
	Confidence   float64           `json:"confidence"`
	AreaPixels   float64           `json:"area_pixels"`
	Box          sorting.Box       `json:"box"`
	DispatchedAt time.Time         `json:"dispatched_at"`
}

// RecordDispatch stores one dispatch event for a run.
func (db *DB) RecordDispatch(runID string, ev sorting.DispatchEvent) error {
	_, err := db.Exec(
		`INSERT INTO dispatches (
			run_id, class_label, track_id, size_category, confidence, area_pixels,
			box_x1, box_y1, box_x2, box_y2, dispatched_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ev.Key.ClassLabel, ev.Key.TrackID, ev.Category, ev.Confidence, ev.Box.Area(),
		ev.Box.X1, ev.Box.Y1, ev.Box.X2, ev.Box.Y2, unixMs(ev.At),
	)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

// RecentDispatches returns up to limit dispatches, newest first. An empty
// runID spans all runs.
func (db *DB) RecentDispatches(runID string, limit int) ([]DispatchRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT dispatch_id, run_id, class_label, track_id, size_category, confidence,
	                 area_pixels, box_x1, box_y1, box_x2, box_y2, dispatched_unix_ms
	            FROM dispatches`
	args := []interface{}{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY dispatched_unix_ms DESC, dispatch_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		var (
			r  DispatchRecord
			at int64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.Key.ClassLabel, &r.Key.TrackID, &r.Category, &r.Confidence,
			&r.AreaPixels, &r.Box.X1, &r.Box.Y1, &r.Box.X2, &r.Box.Y2, &at); err != nil {
			return nil, err
		}
		r.DispatchedAt = fromUnixMs(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DispatchCounts returns the number of dispatches per category for a run.
func (db *DB) DispatchCounts(runID string) (map[string]int64, error) {
	rows, err := db.Query(
		`SELECT size_category, COUNT(*) FROM dispatches WHERE run_id = ? GROUP BY size_category`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("count dispatches: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			category string
			n        int64
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		counts[category] = n
	}
	return counts, rows.Err()
}

// CountSnapshot is the per-category counts at one instant.
type CountSnapshot struct {
	TakenAt time.Time        `json:"taken_at"`
	Counts  map[string]int64 `json:"counts"`
}

// RecordCounts stores the per-category counts for a run in one transaction.
func (db *DB) RecordCounts(runID string, counts map[string]int64, at time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO count_snapshots (run_id, size_category, count, taken_unix_ms) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	categories := make([]string, 0, len(counts))
	for c := range counts {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		if _, err := stmt.Exec(runID, c, counts[c], unixMs(at)); err != nil {
			return fmt.Errorf("insert count snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// CountHistory returns a run's count snapshots, oldest first.
func (db *DB) CountHistory(runID string) ([]CountSnapshot, error) {
	rows, err := db.Query(
		`SELECT taken_unix_ms, size_category, count FROM count_snapshots
		  WHERE run_id = ? ORDER BY taken_unix_ms, size_category`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query count snapshots: %w", err)
	}
	defer rows.Close()

	var out []CountSnapshot
	for rows.Next() {
		var (
			at       int64
			category string
			n        int64
		)
		if err := rows.Scan(&at, &category, &n); err != nil {
			return nil, err
		}
		taken := fromUnixMs(at)
		if len(out) == 0 || !out[len(out)-1].TakenAt.Equal(taken) {
			out = append(out, CountSnapshot{TakenAt: taken, Counts: make(map[string]int64)})
		}
		out[len(out)-1].Counts[category] = n
	}
	return out, rows.Err()
}
