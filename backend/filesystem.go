package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const tmpPrefix = ".upload-"

// Filesystem stores objects as files below a root directory.
// Objects become visible atomically: data lands in a temp file in the
// destination directory and is renamed into place once synced.
type Filesystem struct {
	root string
}

// NewFilesystem creates the root directory if needed and returns a backend on it.
func NewFilesystem(root string) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: abs}, nil
}

// Root returns the absolute root directory.
func (b *Filesystem) Root() string {
	return b.root
}

func (b *Filesystem) Write(ctx context.Context, key string, r io.Reader) (err error) {
	dst, err := b.resolve(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		return fmt.Errorf("writing object: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing object: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (b *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := b.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening object: %w", err)
	}
	return f, nil
}

func (b *Filesystem) Delete(ctx context.Context, key string) error {
	p, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing object: %w", err)
	}
	return nil
}

func (b *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Size(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List walks the directory named by prefix. A prefix naming a single
// object yields just that key; a missing prefix yields nothing.
func (b *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := b.root
	if prefix != "" {
		p, err := b.resolve(prefix)
		if err != nil {
			return nil, err
		}
		dir = p
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat prefix: %w", err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", prefix, err)
	}
	return keys, nil
}

func (b *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	p, err := b.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat object: %w", err)
	}
	if info.IsDir() {
		return 0, ErrNotFound
	}
	return info.Size(), nil
}

// resolve maps a key onto a path inside root. Keys come straight from
// request paths, so anything that cleans to a different path or climbs
// out of root is rejected.
func (b *Filesystem) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean != strings.TrimSuffix(key, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(b.root, filepath.FromSlash(clean)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// readerWithContext stops a copy once ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	if ctx.Done() == nil {
		return r
	}
	return ctxReader{ctx: ctx, r: r}
}

var _ Backend = (*Filesystem)(nil)
