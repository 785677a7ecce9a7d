// Package store persists calibration runs to SQLite so refinement
// sessions can be compared after the fact.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the calibration-run database.
type Store struct {
	*sql.DB
}

// Run is one recorded strategy invocation.
type Run struct {
	ID         string
	CreatedAt  time.Time
	Strategy   string
	Points     int
	Chi2Before float64
	Chi2After  float64
	Dist       float64
	Poni1      float64
	Poni2      float64
	Rot1       float64
	Rot2       float64
	Rot3       float64
	Wavelength float64
}

// Open opens (creating if needed) the run database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db}, nil
}

// RecordRun inserts a run and returns it with ID and CreatedAt filled.
func (s *Store) RecordRun(run Run) (Run, error) {
	run.ID = uuid.NewString()
	run.CreatedAt = time.Now().UTC()

	const query = `
		INSERT INTO calibration_runs
			(id, created_at, strategy, points, chi2_before, chi2_after,
			 dist, poni1, poni2, rot1, rot2, rot3, wavelength)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.Exec(query,
		run.ID, run.CreatedAt, run.Strategy, run.Points,
		run.Chi2Before, run.Chi2After,
		run.Dist, run.Poni1, run.Poni2,
		run.Rot1, run.Rot2, run.Rot3, run.Wavelength)
	if err != nil {
		return Run{}, fmt.Errorf("store: insert run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, created_at, strategy, points, chi2_before, chi2_after,
		       dist, poni1, poni2, rot1, rot2, rot3, wavelength
		FROM calibration_runs
		ORDER BY created_at DESC, id
		LIMIT ?
	`
	rows, err := s.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// BestRun returns the run with the lowest post-commit chi-squared, or
// sql.ErrNoRows when the log is empty.
func (s *Store) BestRun() (Run, error) {
	const query = `
		SELECT id, created_at, strategy, points, chi2_before, chi2_after,
		       dist, poni1, poni2, rot1, rot2, rot3, wavelength
		FROM calibration_runs
		ORDER BY chi2_after ASC
		LIMIT 1
	`
	var run Run
	err := s.QueryRow(query).Scan(
		&run.ID, &run.CreatedAt, &run.Strategy, &run.Points,
		&run.Chi2Before, &run.Chi2After,
		&run.Dist, &run.Poni1, &run.Poni2,
		&run.Rot1, &run.Rot2, &run.Rot3, &run.Wavelength)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.CreatedAt, &run.Strategy, &run.Points,
			&run.Chi2Before, &run.Chi2After,
			&run.Dist, &run.Poni1, &run.Poni2,
			&run.Rot1, &run.Rot2, &run.Rot3, &run.Wavelength); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
