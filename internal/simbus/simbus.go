// Package simbus provides a scripted, in-memory instrument bus.
//
// A Bus stands in for a real resource manager: devices are attached under
// resource strings, queries are answered from scripted responses and every
// exchange is appended to a single ordered transcript. It backs the engine
// tests and the CLI's --sim mode.
package simbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/benchseq/internal/instrument"
)

// DefaultTimeout is the timeout a freshly opened simulated resource reports.
const DefaultTimeout = 2 * time.Second

// ErrNoResponse is returned for queries with no scripted response.
var ErrNoResponse = errors.New("simbus: no response scripted")

// Device scripts the behavior of one simulated instrument.
type Device struct {
	// IDN answers "*IDN?" unless Responses overrides it.
	IDN string

	// Responses maps a query to its fixed response.
	Responses map[string]string

	// Sequences maps a query to successive responses. The last one repeats.
	// Sequences take precedence over Responses.
	Sequences map[string][]string

	// Hang lists commands (writes or queries) that never complete; they
	// block until the caller's context is done.
	Hang []string

	// FailWrite lists commands whose write fails with an I/O error.
	FailWrite []string

	// FailOpen makes OpenResource fail for this device.
	FailOpen bool

	// FailClose makes every Close attempt fail.
	FailClose bool
}

// ExchangeKind classifies a transcript entry.
type ExchangeKind string

const (
	KindOpen  ExchangeKind = "open"
	KindWrite ExchangeKind = "write"
	KindQuery ExchangeKind = "query"
	KindClose ExchangeKind = "close"
)

// Exchange is one transcript entry.
type Exchange struct {
	Seq      int
	Resource string
	Kind     ExchangeKind
	Command  string
	Response string
	Err      error
	Time     time.Time
}

// Bus is a simulated resource manager.
//
// Thread-safety: Bus is safe for concurrent use, although the sequencing
// engine only ever drives it from one goroutine.
type Bus struct {
	mu         sync.Mutex
	devices    map[string]*Device
	polls      map[string]int
	transcript []Exchange
	closeCount int
	now        func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		devices: make(map[string]*Device),
		polls:   make(map[string]int),
		now:     time.Now,
	}
}

// WithNow replaces the transcript time source. Used by tests with a fake clock.
func (b *Bus) WithNow(now func() time.Time) *Bus {
	b.now = now
	return b
}

// Attach scripts the device reachable at resource.
func (b *Bus) Attach(resource string, d Device) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev := d
	b.devices[resource] = &dev
	return b
}

// OpenResource implements instrument.ResourceManager.
func (b *Bus) OpenResource(ctx context.Context, resource string) (instrument.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	dev, ok := b.devices[resource]
	b.mu.Unlock()

	if !ok {
		err := fmt.Errorf("simbus: no device at %q", resource)
		b.record(Exchange{Resource: resource, Kind: KindOpen, Err: err})
		return nil, err
	}
	if dev.FailOpen {
		err := fmt.Errorf("simbus: device at %q refused connection", resource)
		b.record(Exchange{Resource: resource, Kind: KindOpen, Err: err})
		return nil, err
	}

	b.record(Exchange{Resource: resource, Kind: KindOpen})
	return &simResource{
		bus:       b,
		name:      resource,
		dev:       dev,
		timeout:   DefaultTimeout,
		writeTerm: "\n",
		readTerm:  "\n",
	}, nil
}

// Close implements instrument.ResourceManager. It counts calls.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCount++
	return nil
}

// CloseCount returns how many times Close has been called on the bus itself.
func (b *Bus) CloseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCount
}

// Transcript returns a copy of every exchange in order.
func (b *Bus) Transcript() []Exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.transcript)
}

// Commands returns "resource kind command" lines for successful writes and
// queries, in order. Convenient for ordering assertions.
func (b *Bus) Commands() []string {
	var out []string
	for _, ex := range b.Transcript() {
		if ex.Kind != KindWrite && ex.Kind != KindQuery {
			continue
		}
		if ex.Err != nil {
			continue
		}
		out = append(out, fmt.Sprintf("%s %s %s", ex.Resource, ex.Kind, ex.Command))
	}
	return out
}

// Writes returns the successfully written commands for one resource.
func (b *Bus) Writes(resource string) []string {
	var out []string
	for _, ex := range b.Transcript() {
		if ex.Resource == resource && ex.Kind == KindWrite && ex.Err == nil {
			out = append(out, ex.Command)
		}
	}
	return out
}

// Closes returns how many close attempts a resource received.
func (b *Bus) Closes(resource string) int {
	n := 0
	for _, ex := range b.Transcript() {
		if ex.Resource == resource && ex.Kind == KindClose {
			n++
		}
	}
	return n
}

func (b *Bus) record(ex Exchange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex.Seq = len(b.transcript) + 1
	ex.Time = b.now()
	b.transcript = append(b.transcript, ex)
}

// nextPoll returns the poll index for (resource, command) and advances it.
func (b *Bus) nextPoll(resource, command string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := resource + "\x00" + command
	n := b.polls[key]
	b.polls[key] = n + 1
	return n
}

type simResource struct {
	bus       *Bus
	name      string
	dev       *Device
	timeout   time.Duration
	writeTerm string
	readTerm  string
	closed    bool
}

func (r *simResource) Timeout() time.Duration     { return r.timeout }
func (r *simResource) SetTimeout(d time.Duration) { r.timeout = d }

func (r *simResource) SetTermination(write, read string) {
	r.writeTerm = write
	r.readTerm = read
}

func (r *simResource) Write(ctx context.Context, command string) error {
	command = strings.TrimSpace(command)
	if r.closed {
		return r.fail(KindWrite, command, errors.New("simbus: resource closed"))
	}
	if slices.Contains(r.dev.Hang, command) {
		<-ctx.Done()
		return r.fail(KindWrite, command, ctx.Err())
	}
	if err := ctx.Err(); err != nil {
		return r.fail(KindWrite, command, err)
	}
	if slices.Contains(r.dev.FailWrite, command) {
		return r.fail(KindWrite, command, fmt.Errorf("simbus: write %q failed", command))
	}
	r.bus.record(Exchange{Resource: r.name, Kind: KindWrite, Command: command})
	return nil
}

func (r *simResource) Query(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	if r.closed {
		return "", r.fail(KindQuery, command, errors.New("simbus: resource closed"))
	}
	if slices.Contains(r.dev.Hang, command) {
		<-ctx.Done()
		return "", r.fail(KindQuery, command, ctx.Err())
	}
	if err := ctx.Err(); err != nil {
		return "", r.fail(KindQuery, command, err)
	}

	resp, ok := r.lookup(command)
	if !ok {
		return "", r.fail(KindQuery, command, fmt.Errorf("%w for %q", ErrNoResponse, command))
	}
	r.bus.record(Exchange{Resource: r.name, Kind: KindQuery, Command: command, Response: resp})
	return resp, nil
}

func (r *simResource) lookup(command string) (string, bool) {
	if seq, ok := r.dev.Sequences[command]; ok && len(seq) > 0 {
		i := r.bus.nextPoll(r.name, command)
		if i >= len(seq) {
			i = len(seq) - 1
		}
		return seq[i], true
	}
	if resp, ok := r.dev.Responses[command]; ok {
		return resp, true
	}
	if command == instrument.IdentifyCommand && r.dev.IDN != "" {
		return r.dev.IDN, true
	}
	return "", false
}

func (r *simResource) Close() error {
	r.bus.record(Exchange{Resource: r.name, Kind: KindClose})
	if r.dev.FailClose {
		return fmt.Errorf("simbus: %s already disconnected", r.name)
	}
	r.closed = true
	return nil
}

func (r *simResource) fail(kind ExchangeKind, command string, err error) error {
	r.bus.record(Exchange{Resource: r.name, Kind: kind, Command: command, Err: err})
	return err
}
