package permit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ryhazerus/permit/store"
)

var (
	// ErrNilCoordinator is returned by constructors given a nil coordinator.
	ErrNilCoordinator = errors.New("permit: nil coordinator")

	// ErrInvalidLimit is returned by constructors given a quota or permit
	// count out of range.
	ErrInvalidLimit = errors.New("permit: invalid limit")

	// ErrUnexpectedResult is wrapped by UnexpectedResultError.
	ErrUnexpectedResult = errors.New("permit: unexpected coordinator result")

	// ErrDenied is returned by Transport when a gate refuses a request.
	ErrDenied = errors.New("permit: denied")
)

// Acquirer grants or denies a single permit without waiting.
type Acquirer interface {
	// TryAcquire reports whether the caller may proceed now. It never
	// returns an error; coordinator faults count as a denial.
	TryAcquire(ctx context.Context) bool
}

// Releaser is an Acquirer whose permits are held until released.
type Releaser interface {
	Acquirer

	// Release returns one permit. Faults are reported, never returned.
	Release(ctx context.Context)
}

// Compile-time interface checks.
var (
	_ Acquirer = (*Bucket)(nil)
	_ Releaser = (*Semaphore)(nil)
)

// CoordinatorError describes a coordinator call that failed. It is what
// WithOnError callbacks receive.
type CoordinatorError struct {
	Op  string // "acquire" or "release"
	Key string
	Err error
}

func (e *CoordinatorError) Error() string {
	return fmt.Sprintf("permit: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CoordinatorError) Unwrap() error {
	return e.Err
}

// UnexpectedResultError is reported when a script returns something other
// than 0 or 1. The call is treated as denied.
type UnexpectedResultError struct {
	Script store.Script
	Result int64
}

func (e *UnexpectedResultError) Error() string {
	return fmt.Sprintf("permit: %s returned %d", e.Script, e.Result)
}

func (e *UnexpectedResultError) Unwrap() error {
	return ErrUnexpectedResult
}

const (
	opAcquire = "acquire"
	opRelease = "release"
)

// report sends a fault to every observability channel configured on o.
func (o *options) report(ctx context.Context, op, key string, err error) {
	cerr := &CoordinatorError{Op: op, Key: key, Err: err}
	o.logger.LogAttrs(ctx, slog.LevelError, "permit: coordinator fault",
		slog.String("primitive", o.name),
		slog.String("op", op),
		slog.String("key", key),
		slog.Any("err", err),
	)
	o.metrics.RecordFault(o.name, op)
	if o.onError != nil {
		o.onError(cerr)
	}
}

// decide turns the outcome of a check script into a grant or denial. Every
// path other than a clean result of 1 denies.
func (o *options) decide(ctx context.Context, key string, script store.Script, result int64, err error) bool {
	if err != nil {
		o.report(ctx, opAcquire, key, err)
		o.metrics.RecordDenied(o.name)
		return false
	}

	switch result {
	case 1:
		o.metrics.RecordGranted(o.name)
		return true
	case 0:
		o.metrics.RecordDenied(o.name)
		return false
	default:
		o.report(ctx, opAcquire, key, &UnexpectedResultError{Script: script, Result: result})
		o.metrics.RecordDenied(o.name)
		return false
	}
}
