package harness

import (
	"fmt"

	"github.com/roach88/benchseq/internal/result"
)

// Outcome is how a scenario's run ended.
type Outcome string

const (
	// OutcomePass is a completed run whose verdict passed.
	OutcomePass Outcome = "pass"

	// OutcomeFail is a completed run whose verdict failed.
	OutcomeFail Outcome = "fail"

	// OutcomeAbort is a run stopped by a SequenceError.
	OutcomeAbort Outcome = "abort"

	// OutcomeError is a bench that never started: an instrument could not
	// be opened or identified.
	OutcomeError Outcome = "error"
)

// TraceEvent is one write or query seen on the simulated bus after the
// instruments were identified.
type TraceEvent struct {
	Seq        int    `json:"seq"`
	Instrument string `json:"instrument"`
	Kind       string `json:"kind"` // "write" or "query"
	Command    string `json:"command"`
	Response   string `json:"response,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
}

// String renders the event the way order assertions name it.
func (e TraceEvent) String() string {
	return e.Instrument + " " + e.Command
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates every expectation and assertion held.
	Pass bool `json:"pass"`

	// Outcome is how the run ended.
	Outcome Outcome `json:"outcome"`

	// Code is the SequenceError code of an aborted run, or the instrument
	// error code of a bench that failed to open.
	Code string `json:"code,omitempty"`

	// Step is the failing step of an aborted run; nil otherwise.
	Step *int `json:"step,omitempty"`

	// Trace contains every write and query in bus order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Record is the sealed record, or the partial record of an aborted run.
	// Nil when the bench failed to open.
	Record *result.Record `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddErrorf is AddError with formatting.
func (r *Result) AddErrorf(format string, args ...any) {
	r.AddError(fmt.Sprintf(format, args...))
}
