package instrument

import (
	"context"
	"time"
)

// Resource is a single open connection to a bus-connected device.
//
// Implementations live outside this package (simbus, scpisock). They must
// honor ctx deadlines on Write and Query: a call that cannot complete before
// ctx is done returns an error wrapping ctx.Err() (or one whose Timeout()
// method reports true).
type Resource interface {
	Write(ctx context.Context, command string) error
	Query(ctx context.Context, command string) (string, error)

	Timeout() time.Duration
	SetTimeout(d time.Duration)

	// SetTermination sets the write and read line terminators.
	SetTermination(write, read string)

	Close() error
}

// ResourceManager opens resources by connection string.
//
// The resource string is passed through unmodified; only the manager
// interprets its structure.
type ResourceManager interface {
	OpenResource(ctx context.Context, resource string) (Resource, error)
	Close() error
}
