package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/benchseq/internal/instrument"
	"github.com/roach88/benchseq/internal/result"
	"github.com/roach88/benchseq/internal/sequence"
)

// ErrorCode categorizes sequence failures.
//
// Instrument failures reuse the instrument package codes (TIMEOUT, IO,
// UNKNOWN_INSTRUMENT, ...). The engine adds its own below.
type ErrorCode string

const (
	// ErrCodeMeasurementParse indicates a response did not parse as the declared type.
	ErrCodeMeasurementParse ErrorCode = "MEASUREMENT_PARSE"

	// ErrCodeDeadlineExceeded indicates the caller's context expired or was cancelled.
	ErrCodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"

	// ErrCodeVerdict indicates derived measurements could not be computed.
	ErrCodeVerdict ErrorCode = "VERDICT"

	// ErrCodeResultKey indicates a measurement could not be stored under its key.
	ErrCodeResultKey ErrorCode = "RESULT_KEY"

	// ErrCodeInvalidStep indicates a step with an unknown action.
	ErrCodeInvalidStep ErrorCode = "INVALID_STEP"
)

var errInvalidAction = errors.New("invalid action")

// NoStep is the StepIndex of failures that happen after the last step.
const NoStep = -1

// SequenceError is the single reported failure of an aborted run.
//
// It names the step and instrument that failed and wraps the cause, so
// errors.Is(err, instrument.ErrTimeout) and friends work on it.
type SequenceError struct {
	// Code identifies the failure category.
	Code ErrorCode

	// StepIndex is the zero-based index of the failing step, or NoStep.
	StepIndex int

	// Instrument is the target of the failing step.
	Instrument string

	// Action is the failing step's action.
	Action sequence.Action

	// Err is the underlying cause.
	Err error

	// Partial is the record as it stood when the run aborted. It is sealed,
	// tagged Aborted and never passes.
	Partial *result.Record

	// ShutdownFailures lists the safe-shutdown commands that failed.
	ShutdownFailures []ShutdownFailure
}

// ShutdownFailure is one failed safe-shutdown command.
type ShutdownFailure struct {
	Instrument string
	Command    string
	Err        error
}

func (f ShutdownFailure) Error() string {
	return fmt.Sprintf("%s %q: %v", f.Instrument, f.Command, f.Err)
}

// Error implements the error interface.
func (e *SequenceError) Error() string {
	var b strings.Builder
	if e.StepIndex == NoStep {
		fmt.Fprintf(&b, "%s: %v", e.Code, e.Err)
	} else {
		fmt.Fprintf(&b, "step %d (%s %s): %s: %v", e.StepIndex, e.Instrument, e.Action, e.Code, e.Err)
	}
	if n := len(e.ShutdownFailures); n > 0 {
		fmt.Fprintf(&b, " (%d shutdown failure(s))", n)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *SequenceError) Unwrap() error {
	return e.Err
}

// AsSequenceError extracts a *SequenceError from err.
func AsSequenceError(err error) (*SequenceError, bool) {
	var se *SequenceError
	ok := errors.As(err, &se)
	return se, ok
}

// IsDeadlineError returns true if the run aborted on the caller's deadline.
func IsDeadlineError(err error) bool {
	se, ok := AsSequenceError(err)
	return ok && se.Code == ErrCodeDeadlineExceeded
}

// IsParseError returns true if the run aborted on an unparseable measurement.
func IsParseError(err error) bool {
	var pe *result.ParseError
	return errors.As(err, &pe)
}

// codeOf maps a step failure to its SequenceError code.
func codeOf(err error) ErrorCode {
	var pe *result.ParseError
	if errors.As(err, &pe) {
		return ErrCodeMeasurementParse
	}
	if errors.Is(err, errInvalidAction) {
		return ErrCodeInvalidStep
	}
	if c := instrument.CodeOf(err); c != "" {
		return ErrorCode(c)
	}
	if errors.Is(err, result.ErrReservedKey) || errors.Is(err, result.ErrEmptyKey) {
		return ErrCodeResultKey
	}
	return ErrorCode(instrument.ErrCodeIO)
}
