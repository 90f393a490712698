// Package csvlog appends run records to a CSV measurement log.
//
// Each run becomes one row. A fresh log's header holds the fixed columns,
// the columns the logger was created with, any further keys of the first
// record and test_passed. Later runs reuse the existing header's column
// order. A record with a key the header lacks widens the header: the new
// column goes in before test_passed and earlier rows get an empty cell.
package csvlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/roach88/benchseq/internal/result"
)

// Fixed leading columns.
const (
	ColumnRunID     = "run_id"
	ColumnTimestamp = "timestamp"
	ColumnSequence  = "sequence"
)

// Logger appends records to one CSV file.
type Logger struct {
	path    string
	columns []string
}

// New returns a logger for path. The file is created on first Append.
//
// columns are the measurement keys a complete run records, usually
// Sequence.ResultKeys. They fix the header of a fresh log even when the
// first record is an aborted run that measured nothing.
func New(path string, columns ...string) *Logger {
	return &Logger{path: path, columns: columns}
}

// Path returns the log file path.
func (l *Logger) Path() string { return l.path }

// Header returns the columns a fresh log would use for rec.
func (l *Logger) Header(rec *result.Record) []string {
	cols := []string{ColumnRunID, ColumnTimestamp, ColumnSequence}
	for _, key := range l.columns {
		cols = addColumn(cols, result.NormalizeKey(key))
	}
	for _, key := range rec.Keys() {
		cols = addColumn(cols, key)
	}
	return append(cols, result.PassedKey)
}

func addColumn(cols []string, key string) []string {
	if key == "" || key == result.PassedKey || slices.Contains(cols, key) {
		return cols
	}
	return append(cols, key)
}

// Append writes rec as one row, writing the header first if the file is new
// or empty.
func (l *Logger) Append(rec *result.Record) error {
	if rec == nil {
		return errors.New("csvlog: nil record")
	}

	header, err := l.readHeader()
	if err != nil {
		return err
	}
	if header == nil {
		header = l.Header(rec)
		return l.write(header, rowFor(rec, header), true)
	}

	var missing []string
	for _, key := range rec.Keys() {
		if !slices.Contains(header, key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		if header, err = l.widen(header, missing); err != nil {
			return err
		}
	}
	return l.write(header, rowFor(rec, header), false)
}

func (l *Logger) write(header, row []string, fresh bool) error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("csvlog: create directory: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csvlog: open %s: %w", l.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("csvlog: write header: %w", err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("csvlog: write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csvlog: flush: %w", err)
	}
	return f.Close()
}

// widen rewrites the log with missing added to the header, before
// test_passed when the header has it. Existing rows keep their values and
// get empty cells in the new columns. The file is replaced atomically.
func (l *Logger) widen(header, missing []string) ([]string, error) {
	rows, err := l.readAll()
	if err != nil {
		return nil, err
	}

	at := slices.Index(header, result.PassedKey)
	if at < 0 {
		at = len(header)
	}
	wider := slices.Concat(header[:at], missing, header[at:])

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*")
	if err != nil {
		return nil, fmt.Errorf("csvlog: widen: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := csv.NewWriter(tmp)
	if err := w.Write(wider); err != nil {
		return nil, fmt.Errorf("csvlog: widen: %w", err)
	}
	for _, row := range rows[1:] {
		out := slices.Concat(row[:at], make([]string, len(missing)), row[at:])
		if err := w.Write(out); err != nil {
			return nil, fmt.Errorf("csvlog: widen: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csvlog: widen: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("csvlog: widen: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return nil, fmt.Errorf("csvlog: widen: %w", err)
	}
	return wider, nil
}

// readHeader returns the existing header, or nil if the file is missing or
// empty.
func (l *Logger) readHeader() ([]string, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csvlog: open %s: %w", l.path, err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csvlog: read header: %w", err)
	}
	return header, nil
}

func (l *Logger) readAll() ([][]string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("csvlog: open %s: %w", l.path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csvlog: read %s: %w", l.path, err)
	}
	return rows, nil
}

func rowFor(rec *result.Record, header []string) []string {
	row := make([]string, len(header))
	for i, col := range header {
		switch col {
		case ColumnRunID:
			row[i] = rec.RunID()
		case ColumnTimestamp:
			row[i] = rec.StartedAt().UTC().Format(time.RFC3339Nano)
		case ColumnSequence:
			row[i] = rec.Sequence()
		case result.PassedKey:
			row[i] = strconv.FormatBool(rec.Passed())
		default:
			// Columns for measurements this run did not take stay empty.
			if v, ok := rec.Get(col); ok {
				row[i] = v.String()
			}
		}
	}
	return row
}
