package permit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ryhazerus/permit/store"
)

// Bucket is a fixed-window rate limiter shared by every process that uses
// the same coordinator and key prefix. Each whole second gets its own
// counter; the store expires old counters, so nothing resets them.
//
// The quota is per discrete second: a full burst at the end of one second
// may be followed immediately by another at the start of the next.
type Bucket struct {
	coord   store.Coordinator
	permits int64
	arg     string
	opts    options
}

// NewBucket creates a Bucket granting at most permitsPerSecond permits in
// each one-second window.
func NewBucket(c store.Coordinator, permitsPerSecond int64, opts ...Option) (*Bucket, error) {
	if c == nil {
		return nil, ErrNilCoordinator
	}
	if permitsPerSecond <= 0 {
		return nil, fmt.Errorf("%w: permits per second must be positive, got %d", ErrInvalidLimit, permitsPerSecond)
	}
	return &Bucket{
		coord:   c,
		permits: permitsPerSecond,
		arg:     strconv.FormatInt(permitsPerSecond, 10),
		opts:    newOptions(DefaultBucketPrefix, "bucket", opts),
	}, nil
}

// TryAcquire reports whether a permit is available in the current window,
// taking it if so. It makes one round trip to the coordinator and denies on
// any coordinator fault.
func (b *Bucket) TryAcquire(ctx context.Context) bool {
	key := b.Key(b.opts.now())

	ctx, cancel := b.opts.callContext(ctx)
	defer cancel()

	result, err := b.coord.ExecuteAtomic(ctx, key, store.BucketCheck, b.arg)
	return b.opts.decide(ctx, key, store.BucketCheck, result, err)
}

// Usage returns how many permits have been granted in the current window.
func (b *Bucket) Usage(ctx context.Context) (int64, error) {
	ctx, cancel := b.opts.callContext(ctx)
	defer cancel()
	return b.coord.Get(ctx, b.Key(b.opts.now()))
}

// Key returns the window counter key for the second containing t.
func (b *Bucket) Key(t time.Time) string {
	return windowKey(b.opts.key, t)
}

// PermitsPerSecond returns the configured quota.
func (b *Bucket) PermitsPerSecond() int64 {
	return b.permits
}
