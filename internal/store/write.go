package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/benchseq/internal/result"
)

// WriteRun persists a sealed record: the run row, its measurements in
// insertion order and its step trace, in one transaction.
//
// Uses ON CONFLICT(id) DO NOTHING for idempotency - writing the same run
// twice leaves the first copy untouched.
func (s *Store) WriteRun(ctx context.Context, rec *result.Record) (err error) {
	if rec == nil {
		return errors.New("write run: nil record")
	}
	if rec.RunID() == "" {
		return errors.New("write run: record has no run ID")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, sequence, started_at, finished_at, passed, aborted, failure)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.RunID(),
		rec.Sequence(),
		formatTime(rec.StartedAt()),
		formatTime(rec.FinishedAt()),
		boolToInt(rec.Passed()),
		boolToInt(rec.Aborted()),
		rec.Failure(),
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	if err := writeMeasurements(ctx, tx, rec); err != nil {
		return err
	}
	if err := writeSteps(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run: commit: %w", err)
	}
	return nil
}

func writeMeasurements(ctx context.Context, tx *sql.Tx, rec *result.Record) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO measurements (run_id, position, key, kind, value)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write measurements: %w", err)
	}
	defer stmt.Close()

	for i, e := range rec.Entries() {
		kind, text := marshalValue(e.Value)
		if _, err := stmt.ExecContext(ctx, rec.RunID(), i, e.Key, kind, text); err != nil {
			return fmt.Errorf("write measurement %q: %w", e.Key, err)
		}
	}
	return nil
}

func writeSteps(ctx context.Context, tx *sql.Tx, rec *result.Record) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO step_events
		(run_id, step_index, instrument, action, payload, result_key, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write steps: %w", err)
	}
	defer stmt.Close()

	for _, ev := range rec.Steps() {
		_, err := stmt.ExecContext(ctx,
			rec.RunID(),
			ev.Index,
			ev.Instrument,
			ev.Action,
			ev.Payload,
			ev.ResultKey,
			string(ev.Status),
			ev.Error,
			formatTime(ev.StartedAt),
			formatTime(ev.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("write step %d: %w", ev.Index, err)
		}
	}
	return nil
}
