// Package result holds the ResultRecord produced by a sequence run.
//
// A Record is an ordered key/value measurement map plus a pass/fail verdict
// stored under the reserved key "test_passed". Records are built by a
// Builder owned by the engine for the duration of one run; once sealed, a
// Record has no mutators and every accessor returns copies.
package result

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// PassedKey is the reserved key under which the verdict is stored.
const PassedKey = "test_passed"

var (
	// ErrReservedKey is returned when a measurement tries to use PassedKey.
	ErrReservedKey = errors.New("result key is reserved")

	// ErrEmptyKey is returned for an empty result key.
	ErrEmptyKey = errors.New("result key is empty")
)

// NormalizeKey returns the canonical form of a result key.
func NormalizeKey(key string) string {
	return norm.NFC.String(strings.TrimSpace(key))
}

// Entry is one key/value pair in insertion order.
type Entry struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// Entries is an ordered list of entries. It marshals as a JSON object whose
// keys keep their insertion order.
type Entries []Entry

// MarshalJSON implements json.Marshaler.
func (es Entries) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range es {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, e.Key, e.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key string, v any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(val)
	return nil
}

// StepStatus is the outcome of one executed step.
type StepStatus string

const (
	StepOK     StepStatus = "ok"
	StepFailed StepStatus = "failed"
)

// StepEvent is the trace entry for one executed (or attempted) step.
type StepEvent struct {
	Index      int        `json:"index"`
	Instrument string     `json:"instrument"`
	Action     string     `json:"action"`
	Payload    string     `json:"payload,omitempty"`
	ResultKey  string     `json:"result_key,omitempty"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Record is the result of one sequence run.
type Record struct {
	runID      string
	sequence   string
	startedAt  time.Time
	finishedAt time.Time

	keys   []string
	values map[string]Value
	steps  []StepEvent

	passed  bool
	aborted bool
	failure string
}

// RunID returns the unique run identifier.
func (r *Record) RunID() string { return r.runID }

// Sequence returns the name of the sequence that produced the record.
func (r *Record) Sequence() string { return r.sequence }

// StartedAt returns when the run started.
func (r *Record) StartedAt() time.Time { return r.startedAt }

// FinishedAt returns when the run finished (zero while unsealed).
func (r *Record) FinishedAt() time.Time { return r.finishedAt }

// Passed returns the verdict. Always false for aborted records.
func (r *Record) Passed() bool { return r.passed }

// Aborted reports whether the run stopped on a failure.
func (r *Record) Aborted() bool { return r.aborted }

// Failure returns the diagnostic for an aborted run.
func (r *Record) Failure() string { return r.failure }

// Len returns the number of measurements (excluding test_passed).
func (r *Record) Len() int { return len(r.keys) }

// Keys returns the measurement keys in insertion order.
func (r *Record) Keys() []string { return slices.Clone(r.keys) }

// Get returns the value stored under key. PassedKey always answers with the
// verdict, as in Map.
func (r *Record) Get(key string) (Value, bool) {
	key = NormalizeKey(key)
	if key == PassedKey {
		return Bool(r.passed), true
	}
	v, ok := r.values[key]
	return v, ok
}

// Float returns the numeric value stored under key.
func (r *Record) Float(key string) (float64, bool) {
	v, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Entries returns the measurements in insertion order.
func (r *Record) Entries() Entries {
	out := make(Entries, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, Entry{Key: k, Value: r.values[k]})
	}
	return out
}

// Map returns the flat key/value mapping plus test_passed as a fresh map.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, len(r.keys)+1)
	for _, k := range r.keys {
		out[k] = r.values[k].Interface()
	}
	out[PassedKey] = r.passed
	return out
}

// Steps returns the step trace.
func (r *Record) Steps() []StepEvent { return slices.Clone(r.steps) }

// MarshalJSON renders the flat mapping in insertion order, ending with test_passed.
func (r *Record) MarshalJSON() ([]byte, error) {
	body, err := r.Entries().MarshalJSON()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(body[:len(body)-1])
	if len(r.keys) > 0 {
		buf.WriteByte(',')
	}
	if err := writeMember(&buf, PassedKey, r.passed); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Report is the full, serializable envelope of a run.
type Report struct {
	RunID        string      `json:"run_id"`
	Sequence     string      `json:"sequence"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	Passed       bool        `json:"test_passed"`
	Aborted      bool        `json:"aborted"`
	Failure      string      `json:"failure,omitempty"`
	Measurements Entries     `json:"measurements"`
	Steps        []StepEvent `json:"steps"`
}

// Report returns the record's envelope.
func (r *Record) Report() Report {
	steps := r.Steps()
	if steps == nil {
		steps = []StepEvent{}
	}
	return Report{
		RunID:        r.runID,
		Sequence:     r.sequence,
		StartedAt:    r.startedAt,
		FinishedAt:   r.finishedAt,
		Passed:       r.passed,
		Aborted:      r.aborted,
		Failure:      r.failure,
		Measurements: r.Entries(),
		Steps:        steps,
	}
}

func (r *Record) clone() *Record {
	return &Record{
		runID:      r.runID,
		sequence:   r.sequence,
		startedAt:  r.startedAt,
		finishedAt: r.finishedAt,
		keys:       slices.Clone(r.keys),
		values:     maps.Clone(r.values),
		steps:      slices.Clone(r.steps),
		passed:     r.passed,
		aborted:    r.aborted,
		failure:    r.failure,
	}
}

// Builder accumulates a Record during a run.
//
// Only the engine holds a Builder. Records handed out by View, Seal and
// Abort are independent copies, so later Builder calls never change them.
type Builder struct {
	rec *Record
}

// NewBuilder starts a fresh record.
func NewBuilder(runID, sequence string, startedAt time.Time) *Builder {
	return &Builder{rec: &Record{
		runID:     runID,
		sequence:  sequence,
		startedAt: startedAt,
		values:    make(map[string]Value),
	}}
}

// Set stores v under key. Re-setting a key keeps its original position.
func (b *Builder) Set(key string, v Value) error {
	key = NormalizeKey(key)
	if key == "" {
		return ErrEmptyKey
	}
	if key == PassedKey {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	if f, ok := v.Float(); ok && !finite(f) {
		return fmt.Errorf("%w: %q is %v", ErrNonFinite, key, f)
	}
	if _, exists := b.rec.values[key]; !exists {
		b.rec.keys = append(b.rec.keys, key)
	}
	b.rec.values[key] = v
	return nil
}

// AddStep appends a trace entry.
func (b *Builder) AddStep(ev StepEvent) {
	b.rec.steps = append(b.rec.steps, ev)
}

// View returns a snapshot of the measurements collected so far, for
// verdict and derived-value evaluation. Its Passed() is false.
func (b *Builder) View() *Record {
	return b.rec.clone()
}

// Seal returns the finished, immutable record with the given verdict.
func (b *Builder) Seal(passed bool, finishedAt time.Time) *Record {
	rec := b.rec.clone()
	rec.passed = passed
	rec.finishedAt = finishedAt
	return rec
}

// Abort returns a partial record tagged as failed.
func (b *Builder) Abort(failure string, finishedAt time.Time) *Record {
	rec := b.rec.clone()
	rec.passed = false
	rec.aborted = true
	rec.failure = failure
	rec.finishedAt = finishedAt
	return rec
}

// Restore rebuilds a sealed record from persisted parts. Used by the store.
func Restore(rep Report) *Record {
	b := NewBuilder(rep.RunID, rep.Sequence, rep.StartedAt)
	for _, e := range rep.Measurements {
		_ = b.Set(e.Key, e.Value)
	}
	for _, s := range rep.Steps {
		b.AddStep(s)
	}
	if rep.Aborted {
		return b.Abort(rep.Failure, rep.FinishedAt)
	}
	return b.Seal(rep.Passed, rep.FinishedAt)
}
