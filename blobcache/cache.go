// Package blobcache keeps fetched PDF bytes in memory behind short-lived
// local references so that a document viewed repeatedly is only fetched
// once per expiry window.
package blobcache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	clockwork "github.com/clockwork-earth/clockwork"
	"github.com/clockwork-earth/clockwork/telemetry"
	"github.com/google/uuid"
)

const (
	// DefaultExpiry is how long an entry stays fresh.
	DefaultExpiry = 30 * time.Minute

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 5 * time.Minute

	refPrefix = "blob:"
)

// Ref is an opaque local reference to cached bytes, of the form blob:<uuid>.
// It resolves through Open until the entry is released.
type Ref string

// NewRef returns a fresh random reference.
func NewRef() Ref {
	return Ref(refPrefix + uuid.NewString())
}

// ParseRef validates s as a reference.
func ParseRef(s string) (Ref, error) {
	id, ok := strings.CutPrefix(s, refPrefix)
	if !ok {
		return "", ErrInvalidRef
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrInvalidRef
	}
	return Ref(s), nil
}

func (r Ref) String() string {
	return string(r)
}

// ErrInvalidRef is returned by ParseRef for malformed references.
var ErrInvalidRef = errors.New("invalid blob reference")

// Fetcher retrieves document bytes for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// FetchError reports a failed Acquire. Message is the upstream failure text.
type FetchError struct {
	URL     string
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	return e.Message
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Entry describes one cached document.
type Entry struct {
	Key       string
	Ref       Ref
	Size      int64
	Hash      clockwork.Hash
	CreatedAt time.Time
}

type entry struct {
	Entry
	data []byte
}

// Cache maps document URLs to local references. All methods are safe for
// concurrent use; fetches run outside the lock, so overlapping Acquire
// calls for one URL each fetch and the last to finish wins.
type Cache struct {
	fetcher       Fetcher
	logger        *slog.Logger
	now           func() time.Time
	expiry        time.Duration
	sweepInterval time.Duration

	mu    sync.Mutex
	byKey map[string]*entry
	byRef map[Ref]*entry
	bytes int64

	// sweeper lifecycle
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the clock used for entry ages.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithExpiry sets the freshness window.
func WithExpiry(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.expiry = d
		}
	}
}

// WithSweepInterval sets how often Start sweeps stale entries.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// New creates a cache that fills misses from fetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:       fetcher,
		logger:        slog.Default(),
		now:           time.Now,
		expiry:        DefaultExpiry,
		sweepInterval: DefaultSweepInterval,
		byKey:         make(map[string]*entry),
		byRef:         make(map[Ref]*entry),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire returns a reference to the bytes of url, fetching them unless a
// fresh entry exists. On failure nothing is cached and the error is a
// *FetchError.
func (c *Cache) Acquire(ctx context.Context, url string) (Ref, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.byKey[url]; ok {
		if c.fresh(e, now) {
			ref := e.Ref
			c.mu.Unlock()
			telemetry.RecordBlobCacheLookup(ctx, telemetry.CacheHit)
			return ref, nil
		}
		c.releaseLocked(e)
		c.mu.Unlock()
		telemetry.RecordBlobCacheEviction(ctx, "expired", 1)
	} else {
		c.mu.Unlock()
	}
	telemetry.RecordBlobCacheLookup(ctx, telemetry.CacheMiss)

	data, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = &FetchError{URL: url, Message: err.Error(), Err: err}
		}
		c.logger.Warn("fetching document", "url", url, "error", err)
		return "", fe
	}

	e := &entry{
		Entry: Entry{
			Key:       url,
			Ref:       NewRef(),
			Size:      int64(len(data)),
			Hash:      clockwork.HashBytes(data),
			CreatedAt: now,
		},
		data: data,
	}

	c.mu.Lock()
	replaced := false
	if prior, ok := c.byKey[url]; ok {
		c.releaseLocked(prior)
		replaced = true
	}
	c.byKey[url] = e
	c.byRef[e.Ref] = e
	c.bytes += e.Size
	entries, bytes := len(c.byKey), c.bytes
	c.mu.Unlock()

	if replaced {
		telemetry.RecordBlobCacheEviction(ctx, "replaced", 1)
	}
	telemetry.UpdateBlobCacheState(ctx, entries, bytes)
	c.logger.Debug("cached document", "url", url, "ref", e.Ref, "size", e.Size, "hash", e.Hash.ShortString())

	return e.Ref, nil
}

// Release discards the entry for url, making its reference unresolvable.
// It reports whether an entry existed.
func (c *Cache) Release(url string) bool {
	c.mu.Lock()
	e, ok := c.byKey[url]
	if ok {
		c.releaseLocked(e)
	}
	entries, bytes := len(c.byKey), c.bytes
	c.mu.Unlock()

	if ok {
		ctx := context.Background()
		telemetry.RecordBlobCacheEviction(ctx, "released", 1)
		telemetry.UpdateBlobCacheState(ctx, entries, bytes)
	}
	return ok
}

// Open resolves ref to its bytes. The returned slice must not be modified.
func (c *Cache) Open(ref Ref) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byRef[ref]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Stat returns the entry for url if one is held, fresh or not.
func (c *Cache) Stat(url string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byKey[url]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Len returns the number of held entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// Bytes returns the total size of held entries.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Sweep releases every stale entry and returns how many were released.
func (c *Cache) Sweep() int {
	start := time.Now()
	now := c.now()

	c.mu.Lock()
	var n int
	for _, e := range c.byKey {
		if !c.fresh(e, now) {
			c.releaseLocked(e)
			n++
		}
	}
	entries, bytes := len(c.byKey), c.bytes
	c.mu.Unlock()

	ctx := context.Background()
	telemetry.RecordBlobCacheEviction(ctx, "expired", n)
	telemetry.UpdateBlobCacheState(ctx, entries, bytes)
	telemetry.RecordBlobCacheSweep(ctx, time.Since(start))

	if n > 0 {
		c.logger.Info("swept stale documents", "released", n, "remaining", entries)
	}
	return n
}

// Close stops the sweeper and releases every entry.
func (c *Cache) Close() error {
	c.Stop()

	c.mu.Lock()
	n := len(c.byKey)
	for _, e := range c.byKey {
		c.releaseLocked(e)
	}
	c.mu.Unlock()

	ctx := context.Background()
	telemetry.RecordBlobCacheEviction(ctx, "closed", n)
	telemetry.UpdateBlobCacheState(ctx, 0, 0)
	return nil
}

func (c *Cache) fresh(e *entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) < c.expiry
}

// releaseLocked drops e from both indexes. c.mu must be held.
func (c *Cache) releaseLocked(e *entry) {
	if cur, ok := c.byKey[e.Key]; ok && cur == e {
		delete(c.byKey, e.Key)
	}
	if _, ok := c.byRef[e.Ref]; ok {
		delete(c.byRef, e.Ref)
		c.bytes -= e.Size
	}
	e.data = nil
}
