package permit

import (
	"context"
	"log/slog"
	"time"

	"github.com/ryhazerus/permit/metrics"
)

type options struct {
	key            string
	now            func() time.Time
	timeout        time.Duration
	logger         *slog.Logger
	onError        func(error)
	metrics        *metrics.Collector
	name           string
	boundedRelease bool
}

// Option configures a Bucket or a Semaphore.
type Option func(*options)

func newOptions(defaultKey, defaultName string, opts []Option) options {
	o := options{
		key:  defaultKey,
		now:  time.Now,
		name: defaultName,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// WithKey overrides the key. For a Bucket it is the prefix that the current
// unix second is appended to; for a Semaphore it is the permit counter key.
func WithKey(key string) Option {
	return func(o *options) {
		o.key = key
	}
}

// WithClock sets the time source a Bucket derives its window from.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithTimeout bounds every coordinator call with a deadline. Zero means the
// caller's context is used as is.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the logger coordinator faults are written to.
// Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithOnError sets a callback that receives every coordinator fault as a
// *CoordinatorError. It runs on the caller's goroutine.
func WithOnError(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// WithMetrics records grants, denials, releases and faults under name.
func WithMetrics(c *metrics.Collector, name string) Option {
	return func(o *options) {
		o.metrics = c
		if name != "" {
			o.name = name
		}
	}
}

// WithBoundedRelease makes Semaphore.Release a no-op once the permit counter
// is back at the limit, so unmatched releases cannot inflate it. Without it,
// Release always increments.
func WithBoundedRelease() Option {
	return func(o *options) {
		o.boundedRelease = true
	}
}

func (o *options) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return ctx, func() {}
}
