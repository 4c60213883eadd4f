package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// BucketTTL is how long a window counter lives after it is first written.
// It is one second longer than the window so that modest clock skew between
// callers and the store cannot make a counter vanish mid-window.
const BucketTTL = 2 * time.Second

var (
	// ErrUnknownScript is returned by ExecuteAtomic for an unrecognised Script.
	ErrUnknownScript = errors.New("permit/store: unknown script")

	// ErrClosed is returned by a store after Close has been called.
	ErrClosed = errors.New("permit/store: store closed")
)

// Script identifies one of the check-and-mutate operations a Coordinator
// must be able to run as a single indivisible unit.
type Script int

const (
	// BucketCheck grants one permit in a fixed window counter.
	// Args: [permitsPerSecond]. Returns 1 when granted, 0 when the counter
	// is already at the quota. A grant increments the counter and sets its
	// expiry to BucketTTL.
	BucketCheck Script = iota

	// SemaphoreCheck takes one permit from a permit counter.
	// No args. Returns 1 and decrements when the counter is positive,
	// 0 when it is zero, negative, or absent.
	SemaphoreCheck

	// SemaphoreReleaseBounded returns one permit only while the counter is
	// below the limit. Args: [limit]. Returns 1 when incremented, 0 otherwise.
	SemaphoreReleaseBounded
)

func (s Script) String() string {
	switch s {
	case BucketCheck:
		return "BucketCheck"
	case SemaphoreCheck:
		return "SemaphoreCheck"
	case SemaphoreReleaseBounded:
		return "SemaphoreReleaseBounded"
	default:
		return fmt.Sprintf("Script(%d)", int(s))
	}
}

// Coordinator is a shared, atomically-scriptable integer store. It is the
// only serialization point between callers; implementations must execute
// each ExecuteAtomic call as one unit with respect to every other caller.
type Coordinator interface {
	// ExecuteAtomic runs script against key and returns its integer result.
	ExecuteAtomic(ctx context.Context, key string, script Script, args ...string) (int64, error)

	// IncrBy adds by to the value stored at key, creating it at zero first
	// when absent. An existing expiry is left untouched.
	IncrBy(ctx context.Context, key string, by int64) (int64, error)

	// Get returns the value at key, or 0 when the key is absent or expired.
	Get(ctx context.Context, key string) (int64, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Sizer is implemented by stores that hold expired keys until a sweep
// removes them. Len counts every key physically held, expired or not.
type Sizer interface {
	Len(ctx context.Context) (int64, error)
}

// sweepInterval is the least time between two sweeps of expired keys.
const sweepInterval = time.Second

// IntArg parses the i-th script argument as an integer.
func IntArg(script Script, args []string, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("permit/store: %s: missing argument %d", script, i+1)
	}
	n, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("permit/store: %s: argument %d: %w", script, i+1, err)
	}
	return n, nil
}

type options struct {
	now func() time.Time
}

// Option configures a store.
type Option func(*options)

// WithClock sets the time source used for key expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
