package permit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ryhazerus/permit/store"
)

// Semaphore is a counting semaphore whose permit counter lives in the
// coordinator. Any number of processes may acquire and release against
// the same key; the coordinator serialises them.
//
// Release is trusted: the counter is not paired with acquires, so a release
// without a matching acquire adds capacity beyond the limit until the next
// Reset. WithBoundedRelease caps the counter at the limit instead.
type Semaphore struct {
	coord store.Coordinator
	limit int64
	arg   string
	opts  options
}

// NewSemaphore creates a Semaphore with limit permits and resets the
// permit counter to limit, discarding whatever it held before. Creating two
// live semaphores on the same key is a caller error: the second one wipes
// the first one's outstanding permits.
//
// Unlike TryAcquire and Release, a coordinator fault here is returned.
func NewSemaphore(ctx context.Context, c store.Coordinator, limit int64, opts ...Option) (*Semaphore, error) {
	s, err := AttachSemaphore(c, limit, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Reset(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// AttachSemaphore creates a Semaphore on a permit counter that another
// process has already initialized. The counter is left as is; limit is only
// used as the cap for WithBoundedRelease and reported by Limit.
func AttachSemaphore(c store.Coordinator, limit int64, opts ...Option) (*Semaphore, error) {
	if c == nil {
		return nil, ErrNilCoordinator
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: semaphore limit must not be negative, got %d", ErrInvalidLimit, limit)
	}
	return &Semaphore{
		coord: c,
		limit: limit,
		arg:   strconv.FormatInt(limit, 10),
		opts:  newOptions(DefaultSemaphoreKey, "semaphore", opts),
	}, nil
}

// Reset sets the permit counter back to the limit. Permits currently held
// by any caller are forgotten.
func (s *Semaphore) Reset(ctx context.Context) error {
	ctx, cancel := s.opts.callContext(ctx)
	defer cancel()

	if err := s.coord.Delete(ctx, s.opts.key); err != nil {
		return fmt.Errorf("permit: reset %s: %w", s.opts.key, err)
	}
	if _, err := s.coord.IncrBy(ctx, s.opts.key, s.limit); err != nil {
		return fmt.Errorf("permit: reset %s: %w", s.opts.key, err)
	}
	return nil
}

// TryAcquire takes one permit if any is available. It makes one round trip
// to the coordinator and denies on any coordinator fault.
func (s *Semaphore) TryAcquire(ctx context.Context) bool {
	ctx, cancel := s.opts.callContext(ctx)
	defer cancel()

	result, err := s.coord.ExecuteAtomic(ctx, s.opts.key, store.SemaphoreCheck)
	return s.opts.decide(ctx, s.opts.key, store.SemaphoreCheck, result, err)
}

// Release returns one permit. Call it at most once per successful
// TryAcquire. A failed release is reported and not retried; the permit stays
// lost until the next Reset.
func (s *Semaphore) Release(ctx context.Context) {
	ctx, cancel := s.opts.callContext(ctx)
	defer cancel()

	if !s.opts.boundedRelease {
		if _, err := s.coord.IncrBy(ctx, s.opts.key, 1); err != nil {
			s.opts.report(ctx, opRelease, s.opts.key, err)
			return
		}
		s.opts.metrics.RecordReleased(s.opts.name)
		return
	}

	result, err := s.coord.ExecuteAtomic(ctx, s.opts.key, store.SemaphoreReleaseBounded, s.arg)
	switch {
	case err != nil:
		s.opts.report(ctx, opRelease, s.opts.key, err)
	case result == 1:
		s.opts.metrics.RecordReleased(s.opts.name)
	case result == 0:
		s.opts.logger.LogAttrs(ctx, slog.LevelWarn, "permit: release ignored, counter already at limit",
			slog.String("primitive", s.opts.name),
			slog.String("key", s.opts.key),
			slog.Int64("limit", s.limit),
		)
	default:
		s.opts.report(ctx, opRelease, s.opts.key, &UnexpectedResultError{Script: store.SemaphoreReleaseBounded, Result: result})
	}
}

// Available returns the number of permits currently in the counter.
func (s *Semaphore) Available(ctx context.Context) (int64, error) {
	ctx, cancel := s.opts.callContext(ctx)
	defer cancel()
	return s.coord.Get(ctx, s.opts.key)
}

// Limit returns the number of permits the counter is reset to.
func (s *Semaphore) Limit() int64 {
	return s.limit
}

// Key returns the permit counter key.
func (s *Semaphore) Key() string {
	return s.opts.key
}
