// Package storage implements the public PDF bucket: uploads land in a
// backend under objects/{bucket}/{name} and are described in a bbolt
// object index.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	clockwork "github.com/clockwork-earth/clockwork"
	"github.com/clockwork-earth/clockwork/backend"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	// DefaultBucket is the bucket article PDFs are stored in.
	DefaultBucket = "pdf-articles"

	// DefaultMaxSize is the per-object upload limit (10 MiB).
	DefaultMaxSize = 10 << 20

	// ContentTypePDF is the only accepted content type.
	ContentTypePDF = "application/pdf"
)

var (
	// ErrNotFound is returned for objects missing from the index.
	ErrNotFound = errors.New("object not found")

	// ErrTooLarge is returned for uploads over the size limit.
	ErrTooLarge = errors.New("object exceeds size limit")

	// ErrUnsupportedType is returned for uploads that are not PDFs.
	ErrUnsupportedType = errors.New("unsupported content type")

	// ErrEmpty is returned for zero-byte uploads.
	ErrEmpty = errors.New("empty upload")

	// ErrInvalidName is returned for object paths that are not flat names.
	ErrInvalidName = errors.New("invalid object name")
)

var bucketObjects = []byte("objects")

// Object describes a stored object.
type Object struct {
	Path        string         `json:"path"`
	URL         string         `json:"url"`
	Size        int64          `json:"size"`
	Hash        clockwork.Hash `json:"hash"`
	ContentType string         `json:"content_type"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Bucket stores PDFs in a backend and indexes them in bbolt.
type Bucket struct {
	name       string
	backend    backend.Backend
	db         *bbolt.DB
	publicBase string
	maxSize    int64
	logger     *slog.Logger
	now        func() time.Time
	noSync     bool
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithLogger sets the logger for the bucket.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bucket) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(b *Bucket) {
		b.now = now
	}
}

// WithName overrides the bucket name.
func WithName(name string) Option {
	return func(b *Bucket) {
		b.name = name
	}
}

// WithPublicBaseURL sets the site URL public object links are built on.
func WithPublicBaseURL(base string) Option {
	return func(b *Bucket) {
		b.publicBase = strings.TrimSuffix(base, "/")
	}
}

// WithMaxSize overrides the upload limit.
func WithMaxSize(n int64) Option {
	return func(b *Bucket) {
		if n > 0 {
			b.maxSize = n
		}
	}
}

// WithNoSync disables fsync per index transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(b *Bucket) {
		b.noSync = noSync
	}
}

// New creates a bucket over be. Call OpenIndex before use.
func New(be backend.Backend, opts ...Option) *Bucket {
	b := &Bucket{
		name:    DefaultBucket,
		backend: be,
		maxSize: DefaultMaxSize,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OpenIndex opens the object index at indexPath, creating it if needed.
func (b *Bucket) OpenIndex(indexPath string) error {
	db, err := bbolt.Open(indexPath, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening object index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating index bucket: %w", err)
	}
	b.db = db
	b.logger.Debug("opened object index", "path", indexPath, "bucket", b.name)
	return nil
}

// Close closes the object index.
func (b *Bucket) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// PublicURL returns the public link for an object path.
func (b *Bucket) PublicURL(objectPath string) string {
	return b.publicBase + "/storage/" + b.name + "/" + url.PathEscape(objectPath)
}

// Upload stores a PDF under a fresh random name keeping the extension of
// filename. The declared content type may be empty or generic, but the
// leading bytes must identify a PDF.
func (b *Bucket) Upload(ctx context.Context, filename, contentType string, r io.Reader) (*Object, error) {
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil || (mt != ContentTypePDF && mt != "application/octet-stream") {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
		}
	}

	data, err := io.ReadAll(io.LimitReader(r, b.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if int64(len(data)) > b.maxSize {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if sniffed := http.DetectContentType(data); sniffed != ContentTypePDF {
		return nil, fmt.Errorf("%w: detected %s", ErrUnsupportedType, sniffed)
	}

	ext := strings.TrimPrefix(path.Ext(filename), ".")
	if ext == "" || !clockwork.ValidObjectName(ext) {
		ext = "pdf"
	}
	name := uuid.NewString() + "." + strings.ToLower(ext)

	hr := clockwork.NewHashingReader(bytes.NewReader(data))
	if err := b.backend.Write(ctx, clockwork.ObjectKey(b.name, name), hr); err != nil {
		return nil, fmt.Errorf("writing object: %w", err)
	}

	obj := &Object{
		Path:        name,
		URL:         b.PublicURL(name),
		Size:        hr.BytesRead(),
		Hash:        hr.Sum(),
		ContentType: ContentTypePDF,
		CreatedAt:   b.now().UTC(),
	}
	if err := b.put(obj); err != nil {
		_ = b.backend.Delete(ctx, clockwork.ObjectKey(b.name, name))
		return nil, err
	}

	b.logger.Info("stored object", "bucket", b.name, "path", name, "size", obj.Size, "hash", obj.Hash.ShortString())
	return obj, nil
}

// Stat returns the index entry for objectPath.
func (b *Bucket) Stat(_ context.Context, objectPath string) (*Object, error) {
	if !clockwork.ValidObjectName(objectPath) {
		return nil, ErrInvalidName
	}
	var obj Object
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketObjects).Get([]byte(objectPath))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &obj)
	})
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// Open returns the object's bytes and its index entry. The caller must
// close the reader.
func (b *Bucket) Open(ctx context.Context, objectPath string) (io.ReadCloser, *Object, error) {
	obj, err := b.Stat(ctx, objectPath)
	if err != nil {
		return nil, nil, err
	}
	rc, err := b.backend.Read(ctx, clockwork.ObjectKey(b.name, objectPath))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("reading object: %w", err)
	}
	return rc, obj, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (b *Bucket) Delete(ctx context.Context, objectPath string) error {
	if !clockwork.ValidObjectName(objectPath) {
		return ErrInvalidName
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(objectPath))
	})
	if err != nil {
		return fmt.Errorf("deleting index entry: %w", err)
	}
	if err := b.backend.Delete(ctx, clockwork.ObjectKey(b.name, objectPath)); err != nil {
		return fmt.Errorf("deleting object: %w", err)
	}
	b.logger.Info("deleted object", "bucket", b.name, "path", objectPath)
	return nil
}

// List returns every indexed object, oldest first.
func (b *Bucket) List(_ context.Context) ([]Object, error) {
	var out []Object
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(_, v []byte) error {
			var obj Object
			if err := json.Unmarshal(v, &obj); err != nil {
				return fmt.Errorf("decoding index entry: %w", err)
			}
			out = append(out, obj)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Verify re-hashes the stored bytes of objectPath against the index.
func (b *Bucket) Verify(ctx context.Context, objectPath string) error {
	rc, obj, err := b.Open(ctx, objectPath)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	hr := clockwork.NewHashingReader(rc)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return fmt.Errorf("reading object: %w", err)
	}
	if got := hr.Sum(); got != obj.Hash {
		return fmt.Errorf("hash mismatch for %s: index %s, stored %s", objectPath, obj.Hash.ShortString(), got.ShortString())
	}
	return nil
}

func (b *Bucket) put(obj *Object) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encoding index entry: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketObjects).Put([]byte(obj.Path), data); err != nil {
			return fmt.Errorf("putting index entry: %w", err)
		}
		return nil
	})
}

// PathFromURL returns the object path of a public object URL, which is
// its last path segment.
func PathFromURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	p := strings.TrimSuffix(parsed.Path, "/")
	i := strings.LastIndexByte(p, '/')
	name, err := url.PathUnescape(p[i+1:])
	if err != nil {
		return ""
	}
	return name
}
