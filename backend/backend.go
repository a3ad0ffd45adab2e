// Package backend provides the byte store underneath the PDF bucket.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that are empty or would resolve
	// outside the backend root.
	ErrInvalidKey = errors.New("invalid key")
)

// Backend stores opaque objects under slash-separated keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at key, replacing any previous object.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read opens the object at key. Returns ErrNotFound if it does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Size returns the stored size of key in bytes.
	Size(ctx context.Context, key string) (int64, error)
}
