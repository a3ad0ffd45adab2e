package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/clockwork-earth/clockwork/telemetry"
)

// Instrumented records an operation metric for every call it forwards.
type Instrumented struct {
	next Backend
	name string
}

// NewInstrumented wraps b, labelling its metrics with name.
func NewInstrumented(b Backend, name string) *Instrumented {
	return &Instrumented{next: b, name: name}
}

func (ib *Instrumented) record(ctx context.Context, op string, start time.Time, err error, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcome(err), time.Since(start), n)
}

func (ib *Instrumented) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.next.Write(ctx, key, cr)
	ib.record(ctx, "write", start, err, cr.n)
	return err
}

// Read records the open; bytes are counted when the returned reader closes.
func (ib *Instrumented) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.next.Read(ctx, key)
	if err != nil {
		ib.record(ctx, "read", start, err, 0)
		return nil, err
	}
	return &countingReadCloser{ReadCloser: rc, done: func(n int64) {
		ib.record(ctx, "read", start, nil, n)
	}}, nil
}

func (ib *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.next.Delete(ctx, key)
	ib.record(ctx, "delete", start, err, 0)
	return err
}

func (ib *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := ib.next.Exists(ctx, key)
	ib.record(ctx, "exists", start, err, 0)
	return ok, err
}

func (ib *Instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.next.List(ctx, prefix)
	ib.record(ctx, "list", start, err, 0)
	return keys, err
}

func (ib *Instrumented) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := ib.next.Size(ctx, key)
	ib.record(ctx, "size", start, err, 0)
	return n, err
}

// Unwrap returns the wrapped backend.
func (ib *Instrumented) Unwrap() Backend {
	return ib.next
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidKey):
		return "invalid"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	io.ReadCloser
	n      int64
	done   func(int64)
	closed bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	err := c.ReadCloser.Close()
	if !c.closed {
		c.closed = true
		c.done(c.n)
	}
	return err
}

var _ Backend = (*Instrumented)(nil)
