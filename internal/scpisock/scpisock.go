// Package scpisock is a ResourceManager for raw SCPI over TCP.
//
// Resources are VISA socket strings (TCPIP0::192.168.1.20::5025::SOCKET)
// or plain host:port addresses. Commands are framed with the write
// terminator; responses are read up to the read terminator, which is
// stripped.
package scpisock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/benchseq/internal/instrument"
)

// Defaults for freshly opened resources.
const (
	DefaultTimeout     = 2 * time.Second
	DefaultDialTimeout = 3 * time.Second
	DefaultTermination = "\n"
)

// ErrUnsupportedResource is wrapped by OpenResource for resource strings
// that are not TCP sockets (GPIB, USB, serial, TCPIP INSTR).
var ErrUnsupportedResource = errors.New("scpisock: unsupported resource")

var visaSocket = regexp.MustCompile(`(?i)^TCPIP\d*::([^:]+)::(\d+)::SOCKET$`)

// Address converts a resource string to a dialable host:port.
func Address(resource string) (string, error) {
	resource = strings.TrimSpace(resource)
	if m := visaSocket.FindStringSubmatch(resource); m != nil {
		return net.JoinHostPort(m[1], m[2]), nil
	}
	if strings.Contains(resource, "::") {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedResource, resource)
	}
	host, port, err := net.SplitHostPort(resource)
	if err != nil || host == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedResource, resource)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%w: bad port in %q", ErrUnsupportedResource, resource)
	}
	return resource, nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialTimeout bounds connection setup when ctx carries no deadline.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) { m.dialer.Timeout = d }
}

// WithTimeout sets the timeout reported by newly opened resources.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// Manager opens socket resources. It tracks open connections so Close can
// release any the caller left open.
type Manager struct {
	dialer  net.Dialer
	timeout time.Duration

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		dialer:  net.Dialer{Timeout: DefaultDialTimeout},
		timeout: DefaultTimeout,
		conns:   make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenResource implements instrument.ResourceManager.
func (m *Manager) OpenResource(ctx context.Context, resource string) (instrument.Resource, error) {
	addr, err := Address(resource)
	if err != nil {
		return nil, &instrument.Error{
			Code:     instrument.ErrCodeConnection,
			Resource: resource,
			Message:  "not a socket resource",
			Err:      err,
		}
	}

	nc, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &instrument.Error{
			Code:     instrument.ErrCodeConnection,
			Resource: resource,
			Message:  "dial " + addr,
			Err:      err,
		}
	}

	c := &conn{
		mgr:       m,
		nc:        nc,
		rd:        bufio.NewReader(nc),
		timeout:   m.timeout,
		writeTerm: DefaultTermination,
		readTerm:  DefaultTermination,
	}
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
	return c, nil
}

// Close closes every connection still open.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open returns the number of connections not yet closed.
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) forget(c *conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

type conn struct {
	mgr *Manager
	nc  net.Conn
	rd  *bufio.Reader

	mu        sync.Mutex
	timeout   time.Duration
	writeTerm string
	readTerm  string
	closed    bool
}

func (c *conn) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *conn) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

func (c *conn) SetTermination(write, read string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTerm = write
	c.readTerm = read
}

func (c *conn) Write(ctx context.Context, command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop, err := c.arm(ctx)
	if err != nil {
		return err
	}
	defer stop()

	return c.send(ctx, command)
}

func (c *conn) Query(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop, err := c.arm(ctx)
	if err != nil {
		return "", err
	}
	defer stop()

	if err := c.send(ctx, command); err != nil {
		return "", err
	}
	resp, err := c.readUntil(c.readTerm)
	if err != nil {
		return "", c.wrap(ctx, "read response to "+command, err)
	}
	return resp, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.mgr.forget(c)
	return c.nc.Close()
}

// arm applies ctx's deadline (or the resource timeout) to the socket and
// interrupts blocked I/O when ctx is cancelled. Callers hold c.mu.
func (c *conn) arm(ctx context.Context) (func(), error) {
	if c.closed {
		return nil, errors.New("scpisock: resource closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("scpisock: set deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetDeadline(time.Now())
	})
	return func() { stop() }, nil
}

func (c *conn) send(ctx context.Context, command string) error {
	msg := strings.TrimSpace(command) + c.writeTerm
	if _, err := c.nc.Write([]byte(msg)); err != nil {
		return c.wrap(ctx, "write "+command, err)
	}
	return nil
}

// readUntil reads up to and including term and returns the text before it.
func (c *conn) readUntil(term string) (string, error) {
	if term == "" {
		term = DefaultTermination
	}
	last := term[len(term)-1]

	var sb strings.Builder
	for {
		chunk, err := c.rd.ReadString(last)
		sb.WriteString(chunk)
		if err != nil {
			return "", err
		}
		if s := sb.String(); strings.HasSuffix(s, term) {
			return strings.TrimSuffix(s, term), nil
		}
	}
}

// wrap prefers the context error so cancellation and deadline expiry are
// classified as such by the handle.
func (c *conn) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("scpisock: %s: %w", op, ctxErr)
	}
	// The socket deadline can fire a moment before ctx's own timer.
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return fmt.Errorf("scpisock: %s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("scpisock: %s: %w", op, err)
}
