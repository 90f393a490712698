package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/benchseq/internal/result"
)

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// insertRun inserts a bare run row for constraint tests.
func insertRun(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.db.Exec(`
		INSERT INTO runs (id, sequence, started_at, finished_at, passed, aborted, failure)
		VALUES (?, 'test', ?, ?, 0, 0, '')
	`, id, formatTime(testEpoch), formatTime(testEpoch))
	if err != nil {
		t.Fatalf("insert run %q: %v", id, err)
	}
}

// createTestRecord builds a passing characterization-style record with
// three measurements and a two-step trace.
func createTestRecord(t *testing.T, runID, sequence string, started time.Time) *result.Record {
	t.Helper()
	b := result.NewBuilder(runID, sequence, started)
	mustSet(t, b, "output_frequency", result.Number(1000.25))
	mustSet(t, b, "scope_id", result.String("TEKTRONIX,TDS 2024C"))
	mustSet(t, b, "locked", result.Bool(true))

	b.AddStep(result.StepEvent{
		Index:      0,
		Instrument: "psu",
		Action:     "write",
		Payload:    "OUTP ON",
		Status:     result.StepOK,
		StartedAt:  started,
		FinishedAt: started.Add(10 * time.Millisecond),
	})
	b.AddStep(result.StepEvent{
		Index:      1,
		Instrument: "scope",
		Action:     "measure",
		Payload:    "MEASU:FREQ?",
		ResultKey:  "output_frequency",
		Status:     result.StepOK,
		StartedAt:  started.Add(time.Second),
		FinishedAt: started.Add(1500 * time.Millisecond),
	})
	return b.Seal(true, started.Add(2*time.Second))
}

// createAbortedRecord builds a record that failed at its second step.
func createAbortedRecord(t *testing.T, runID string, started time.Time) *result.Record {
	t.Helper()
	b := result.NewBuilder(runID, "characterization", started)
	mustSet(t, b, "supply_voltage", result.Number(5.002))
	b.AddStep(result.StepEvent{
		Index:      0,
		Instrument: "psu",
		Action:     "measure",
		Payload:    "MEAS:VOLT?",
		ResultKey:  "supply_voltage",
		Status:     result.StepOK,
		StartedAt:  started,
		FinishedAt: started,
	})
	b.AddStep(result.StepEvent{
		Index:      1,
		Instrument: "scope",
		Action:     "measure",
		Payload:    "MEASU:FREQ?",
		ResultKey:  "output_frequency",
		Status:     result.StepFailed,
		Error:      `cannot parse "9.9E37" as number`,
		StartedAt:  started,
		FinishedAt: started.Add(time.Millisecond),
	})
	return b.Abort("step 1 (scope measure): MEASUREMENT_PARSE", started.Add(time.Millisecond))
}

func mustSet(t *testing.T, b *result.Builder, key string, v result.Value) {
	t.Helper()
	if err := b.Set(key, v); err != nil {
		t.Fatalf("Set(%q): %v", key, err)
	}
}

func mustWrite(t *testing.T, s *Store, rec *result.Record) {
	t.Helper()
	if err := s.WriteRun(context.Background(), rec); err != nil {
		t.Fatalf("WriteRun(%s) failed: %v", rec.RunID(), err)
	}
}
