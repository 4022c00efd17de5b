package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// SortRun is one process lifetime of the sorter.
type SortRun struct {
	ID         string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Source     string     `json:"source"`
	ConfigJSON string     `json:"config_json"`
}

// StartRun records a new run with a fresh uuid.
func (db *DB) StartRun(source, configJSON string, at time.Time) (*SortRun, error) {
	if configJSON == "" {
		configJSON = "{}"
	}
	run := &SortRun{
		ID:         uuid.NewString(),
		StartedAt:  fromUnixMs(unixMs(at)),
		Source:     source,
		ConfigJSON: configJSON,
	}
	_, err := db.Exec(
		`INSERT INTO sort_runs (run_id, started_unix_ms, source, config_json) VALUES (?, ?, ?, ?)`,
		run.ID, unixMs(at), source, configJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// EndRun marks a run as finished.
func (db *DB) EndRun(runID string, at time.Time) error {
	res, err := db.Exec(`UPDATE sort_runs SET ended_unix_ms = ? WHERE run_id = ?`, unixMs(at), runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun loads one run.
func (db *DB) GetRun(runID string) (*SortRun, error) {
	row := db.QueryRow(
		`SELECT run_id, started_unix_ms, ended_unix_ms, source, config_json FROM sort_runs WHERE run_id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]SortRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT run_id, started_unix_ms, ended_unix_ms, source, config_json
		   FROM sort_runs ORDER BY started_unix_ms DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []SortRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*SortRun, error) {
	var (
		run     SortRun
		started int64
		ended   sql.NullInt64
	)
	if err := s.Scan(&run.ID, &started, &ended, &run.Source, &run.ConfigJSON); err != nil {
		return nil, err
	}
	run.StartedAt = fromUnixMs(started)
	if ended.Valid {
		t := fromUnixMs(ended.Int64)
		run.EndedAt = &t
	}
	return &run, nil
}
