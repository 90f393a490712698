package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/benchseq/internal/result"
)

// ErrNotFound is returned by ReadRun for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// RunSummary is one row of the run history.
type RunSummary struct {
	ID           string    `json:"run_id"`
	Sequence     string    `json:"sequence"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Passed       bool      `json:"test_passed"`
	Aborted      bool      `json:"aborted"`
	Failure      string    `json:"failure,omitempty"`
	Measurements int       `json:"measurements"`
}

// ListOptions filters ListRuns.
type ListOptions struct {
	// Sequence restricts the listing to one sequence name. Empty lists all.
	Sequence string

	// Limit caps the number of rows. Zero or negative means no limit.
	Limit int
}

// ListRuns returns run summaries, newest first.
//
// Returns empty slice (not nil) if no runs match.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]RunSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.sequence, r.started_at, r.finished_at, r.passed, r.aborted, r.failure,
		       (SELECT COUNT(*) FROM measurements m WHERE m.run_id = r.id)
		FROM runs r
		WHERE ? = '' OR r.sequence = ?
		ORDER BY r.started_at DESC, r.id COLLATE BINARY DESC
		LIMIT ?
	`, opts.Sequence, opts.Sequence, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		var (
			sum             RunSummary
			started, ended  string
			passed, aborted int
		)
		if err := rows.Scan(&sum.ID, &sum.Sequence, &started, &ended, &passed, &aborted, &sum.Failure, &sum.Measurements); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if sum.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if sum.FinishedAt, err = parseTime(ended); err != nil {
			return nil, err
		}
		sum.Passed = passed == 1
		sum.Aborted = aborted == 1
		runs = append(runs, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun loads a run as a sealed record with measurements and trace in
// their original order.
func (s *Store) ReadRun(ctx context.Context, id string) (*result.Record, error) {
	var (
		rep             result.Report
		started, ended  string
		passed, aborted int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sequence, started_at, finished_at, passed, aborted, failure
		FROM runs WHERE id = ?
	`, id).Scan(&rep.RunID, &rep.Sequence, &started, &ended, &passed, &aborted, &rep.Failure)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read run: %w", err)
	}
	if rep.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if rep.FinishedAt, err = parseTime(ended); err != nil {
		return nil, err
	}
	rep.Passed = passed == 1
	rep.Aborted = aborted == 1

	if rep.Measurements, err = s.readMeasurements(ctx, id); err != nil {
		return nil, err
	}
	if rep.Steps, err = s.readSteps(ctx, id); err != nil {
		return nil, err
	}
	return result.Restore(rep), nil
}

func (s *Store) readMeasurements(ctx context.Context, runID string) (result.Entries, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, kind, value FROM measurements
		WHERE run_id = ?
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	entries := result.Entries{}
	for rows.Next() {
		var key, kind, text string
		if err := rows.Scan(&key, &kind, &text); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		v, err := unmarshalValue(kind, text)
		if err != nil {
			return nil, fmt.Errorf("measurement %q: %w", key, err)
		}
		entries = append(entries, result.Entry{Key: key, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate measurements: %w", err)
	}
	return entries, nil
}

func (s *Store) readSteps(ctx context.Context, runID string) ([]result.StepEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_index, instrument, action, payload, result_key, status, error, started_at, finished_at
		FROM step_events
		WHERE run_id = ?
		ORDER BY step_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []result.StepEvent{}
	for rows.Next() {
		var (
			ev             result.StepEvent
			status         string
			started, ended string
		)
		if err := rows.Scan(&ev.Index, &ev.Instrument, &ev.Action, &ev.Payload, &ev.ResultKey, &status, &ev.Error, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		ev.Status = result.StepStatus(status)
		if ev.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if ev.FinishedAt, err = parseTime(ended); err != nil {
			return nil, err
		}
		steps = append(steps, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}
