package instrument

import (
	"errors"
	"fmt"
)

// Error represents a failure talking to, or managing, an instrument.
//
// Errors carry a Code so callers can branch on the failure category
// without string matching. The package-level sentinels (ErrTimeout etc.)
// match any Error with the same Code via errors.Is.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Instrument is the registry name of the affected instrument, if known.
	Instrument string

	// Resource is the connection string of the affected instrument, if known.
	Resource string

	// Message is a human-readable description.
	Message string

	// Err is the underlying transport error (optional).
	Err error
}

// ErrorCode categorizes instrument errors.
type ErrorCode string

const (
	// ErrCodeConnection indicates a resource could not be opened or configured.
	ErrCodeConnection ErrorCode = "CONNECTION"

	// ErrCodeDuplicateName indicates a registry name collision.
	ErrCodeDuplicateName ErrorCode = "DUPLICATE_NAME"

	// ErrCodeUnknownInstrument indicates a lookup of an unregistered name.
	ErrCodeUnknownInstrument ErrorCode = "UNKNOWN_INSTRUMENT"

	// ErrCodeTimeout indicates a query or wait exceeded its budget.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeIO indicates a write or query failed for a reason other than timeout.
	ErrCodeIO ErrorCode = "IO"

	// ErrCodeShutdown indicates a best-effort cleanup failure. Never escalated.
	ErrCodeShutdown ErrorCode = "SHUTDOWN"
)

// Sentinels for errors.Is. They match on Code only.
var (
	ErrConnection        = &Error{Code: ErrCodeConnection}
	ErrDuplicateName     = &Error{Code: ErrCodeDuplicateName}
	ErrUnknownInstrument = &Error{Code: ErrCodeUnknownInstrument}
	ErrTimeout           = &Error{Code: ErrCodeTimeout}
	ErrIO                = &Error{Code: ErrCodeIO}
	ErrShutdown          = &Error{Code: ErrCodeShutdown}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Instrument != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (instrument=%s): %v", e.Code, msg, e.Instrument, e.Err)
	case e.Instrument != "":
		return fmt.Sprintf("%s: %s (instrument=%s)", e.Code, msg, e.Instrument)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// IsTimeout returns true if err is (or wraps) a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDuplicateName returns true if err is (or wraps) a duplicate name error.
func IsDuplicateName(err error) bool {
	return errors.Is(err, ErrDuplicateName)
}

// IsUnknownInstrument returns true if err is (or wraps) an unknown instrument error.
func IsUnknownInstrument(err error) bool {
	return errors.Is(err, ErrUnknownInstrument)
}

// IsConnection returns true if err is (or wraps) a connection error.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

func newDuplicateNameError(name string) *Error {
	return &Error{
		Code:       ErrCodeDuplicateName,
		Instrument: name,
		Message:    "instrument name already registered",
	}
}

func newUnknownInstrumentError(name string) *Error {
	return &Error{
		Code:       ErrCodeUnknownInstrument,
		Instrument: name,
		Message:    "instrument not registered",
	}
}

func newConnectionError(name, resource, message string, err error) *Error {
	return &Error{
		Code:       ErrCodeConnection,
		Instrument: name,
		Resource:   resource,
		Message:    message,
		Err:        err,
	}
}
