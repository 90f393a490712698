package instrument

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// IdentifyCommand is the identification query issued when a handle is added.
const IdentifyCommand = "*IDN?"

// Option configures a handle at Add time.
type Option func(*handleConfig)

type handleConfig struct {
	timeout     time.Duration
	termination *string
}

// WithTimeout sets the response-wait timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *handleConfig) {
		c.timeout = d
	}
}

// WithTermination sets the write and read line terminator.
func WithTermination(term string) Option {
	return func(c *handleConfig) {
		c.termination = &term
	}
}

// CloseObserver receives per-handle close failures from CloseAll.
type CloseObserver func(name string, err error)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for add/close diagnostics.
// Default: slog.Default().
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithCloseObserver registers a callback that sees every swallowed close failure.
// CloseAll still never fails; the observer only adds visibility.
func WithCloseObserver(fn CloseObserver) RegistryOption {
	return func(r *Registry) {
		r.observer = fn
	}
}

// Registry is the named collection of instrument handles.
//
// It is the sole owner of every handle it creates and of the resource
// manager it was built with. Names are unique after NFC normalization and
// whitespace trimming. Registration order is preserved.
//
// Registry is not safe for concurrent use; a sequence run is single-threaded.
type Registry struct {
	rm       ResourceManager
	handles  map[string]*Handle
	order    []string
	closed   bool
	logger   *slog.Logger
	observer CloseObserver
}

// NewRegistry creates an empty registry backed by rm.
func NewRegistry(rm ResourceManager, opts ...RegistryOption) *Registry {
	r := &Registry{
		rm:      rm,
		handles: make(map[string]*Handle),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeName returns the canonical form of an instrument name.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Add opens resource, applies opts, identifies the instrument and registers
// it under name.
//
// The duplicate check happens before any I/O: on DuplicateNameError the
// registry and the bus are untouched. If open or identification fails the
// resource is closed again and the registry is unchanged.
func (r *Registry) Add(ctx context.Context, name, resource string, opts ...Option) (*Handle, error) {
	key := NormalizeName(name)
	if r.closed {
		return nil, newConnectionError(key, resource, "registry closed", nil)
	}
	if key == "" {
		return nil, newConnectionError(key, resource, "instrument name is empty", nil)
	}
	if _, exists := r.handles[key]; exists {
		return nil, newDuplicateNameError(key)
	}

	cfg := &handleConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	res, err := r.rm.OpenResource(ctx, resource)
	if err != nil {
		return nil, newConnectionError(key, resource, "open resource", err)
	}

	h := &Handle{
		name:     key,
		resource: resource,
		res:      res,
	}
	if cfg.timeout > 0 {
		h.SetTimeout(cfg.timeout)
	}
	if cfg.termination != nil {
		h.SetTermination(*cfg.termination)
	}

	idn, err := h.Query(ctx, IdentifyCommand)
	if err != nil {
		if closeErr := res.Close(); closeErr != nil {
			r.logger.Warn("close after failed identification", "instrument", key, "error", closeErr)
		}
		return nil, newConnectionError(key, resource, "identify", err)
	}
	h.label = strings.TrimSpace(idn)

	r.handles[key] = h
	r.order = append(r.order, key)
	r.logger.Info("added instrument", "instrument", key, "resource", resource, "label", h.label)

	return h, nil
}

// Get returns the handle registered under name.
func (r *Registry) Get(name string) (*Handle, error) {
	key := NormalizeName(name)
	h, ok := r.handles[key]
	if !ok {
		return nil, newUnknownInstrumentError(key)
	}
	return h, nil
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	return len(r.order)
}

// CloseAll closes every handle, then releases the resource manager.
//
// Best-effort: a failing handle never prevents the remaining handles from
// getting their close attempt. Failures are logged as SHUTDOWN errors and
// passed to the CloseObserver, if any. Calling CloseAll again is a no-op.
func (r *Registry) CloseAll() {
	if r.closed {
		return
	}
	r.closed = true

	for _, name := range r.order {
		h := r.handles[name]
		if err := h.Close(); err != nil {
			r.reportClose(name, err)
		}
	}
	r.handles = make(map[string]*Handle)
	r.order = nil

	if r.rm != nil {
		if err := r.rm.Close(); err != nil {
			r.reportClose("", err)
		}
	}
}

func (r *Registry) reportClose(name string, err error) {
	shutdownErr := &Error{
		Code:       ErrCodeShutdown,
		Instrument: name,
		Message:    "close failed",
		Err:        err,
	}
	r.logger.Warn("close failed", "instrument", name, "error", shutdownErr)
	if r.observer != nil {
		r.observer(name, shutdownErr)
	}
}
