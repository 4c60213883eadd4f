package permit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// DeniedError is returned by a Transport when one of its gates refuses a
// request. The request is not sent.
type DeniedError struct {
	Method string
	URL    string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permit: %s %s denied", e.Method, e.URL)
}

func (e *DeniedError) Unwrap() error {
	return ErrDenied
}

// transport implements http.RoundTripper. Every gate must grant before a
// request is forwarded; permits taken from Releaser gates are returned when
// the response body is closed.
type transport struct {
	base  http.RoundTripper
	gates []Acquirer
}

// NewTransport wraps base so that each request first passes every gate, in
// order. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, gates ...Acquirer) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{base: base, gates: gates}
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	// Releases must still reach the coordinator after the request context
	// is cancelled.
	releaseCtx := context.WithoutCancel(ctx)

	var held []Releaser
	for _, g := range t.gates {
		if !g.TryAcquire(ctx) {
			releaseAll(releaseCtx, held)
			return nil, &DeniedError{Method: req.Method, URL: req.URL.String()}
		}
		if r, ok := g.(Releaser); ok {
			held = append(held, r)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		releaseAll(releaseCtx, held)
		return nil, err
	}
	if len(held) > 0 {
		resp.Body = &releasingBody{
			ReadCloser: resp.Body,
			release:    func() { releaseAll(releaseCtx, held) },
		}
	}
	return resp, nil
}

func releaseAll(ctx context.Context, held []Releaser) {
	for _, r := range held {
		r.Release(ctx)
	}
}

type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
