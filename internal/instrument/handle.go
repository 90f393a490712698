package instrument

import (
	"context"
	"errors"
	"time"
)

// Handle is a named, configured connection to one instrument.
//
// Handles are created by Registry.Add and owned by the Registry. Callers
// must not retain a Handle past Registry.CloseAll.
type Handle struct {
	name     string
	resource string
	label    string

	res       Resource
	writeTerm string
	readTerm  string
	closed    bool
}

// Name returns the registry name.
func (h *Handle) Name() string { return h.name }

// Resource returns the connection string the handle was opened with.
func (h *Handle) Resource() string { return h.resource }

// Label returns the trimmed identification response recorded at Add time.
func (h *Handle) Label() string { return h.label }

// Closed reports whether the handle has been closed.
func (h *Handle) Closed() bool { return h.closed }

// Timeout returns the response-wait timeout.
func (h *Handle) Timeout() time.Duration { return h.res.Timeout() }

// SetTimeout sets the response-wait timeout.
func (h *Handle) SetTimeout(d time.Duration) { h.res.SetTimeout(d) }

// WriteTermination returns the write line terminator.
func (h *Handle) WriteTermination() string { return h.writeTerm }

// ReadTermination returns the read line terminator.
func (h *Handle) ReadTermination() string { return h.readTerm }

// SetTermination sets both the write and read line terminators.
func (h *Handle) SetTermination(term string) {
	h.writeTerm = term
	h.readTerm = term
	h.res.SetTermination(term, term)
}

// Write sends a command using the handle's timeout. No response is read.
func (h *Handle) Write(ctx context.Context, command string) error {
	return h.WriteWithin(ctx, command, 0)
}

// WriteWithin sends a command. No response is read.
// A non-zero timeout overrides the handle's timeout for this call only.
func (h *Handle) WriteWithin(ctx context.Context, command string, timeout time.Duration) error {
	if h.closed {
		return h.closedError()
	}
	timeout, restore := h.override(timeout)
	defer restore()

	ctx, cancel := withBudget(ctx, timeout)
	defer cancel()

	if err := h.res.Write(ctx, command); err != nil {
		return h.ioError("write "+command, err)
	}
	return nil
}

// Query sends a command and returns the raw response using the handle's timeout.
func (h *Handle) Query(ctx context.Context, command string) (string, error) {
	return h.QueryWithin(ctx, command, 0)
}

// QueryWithin sends a command and returns the raw response.
// A non-zero timeout overrides the handle's timeout for this call only.
func (h *Handle) QueryWithin(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if h.closed {
		return "", h.closedError()
	}
	timeout, restore := h.override(timeout)
	defer restore()

	ctx, cancel := withBudget(ctx, timeout)
	defer cancel()

	resp, err := h.res.Query(ctx, command)
	if err != nil {
		return "", h.ioError("query "+command, err)
	}
	return resp, nil
}

// override applies a per-call timeout to the resource and returns the
// effective timeout with a func that restores the previous one.
func (h *Handle) override(timeout time.Duration) (time.Duration, func()) {
	prev := h.res.Timeout()
	if timeout <= 0 || timeout == prev {
		return prev, func() {}
	}
	h.res.SetTimeout(timeout)
	return timeout, func() { h.res.SetTimeout(prev) }
}

// Close closes the underlying resource. Subsequent calls are no-ops.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.res.Close()
}

func (h *Handle) closedError() error {
	return &Error{
		Code:       ErrCodeIO,
		Instrument: h.name,
		Resource:   h.resource,
		Message:    "handle closed",
	}
}

// ioError classifies a transport error as TIMEOUT or IO.
func (h *Handle) ioError(op string, err error) error {
	code := ErrCodeIO
	if isTimeoutErr(err) {
		code = ErrCodeTimeout
	}
	return &Error{
		Code:       code,
		Instrument: h.name,
		Resource:   h.resource,
		Message:    op,
		Err:        err,
	}
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func withBudget(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
