package viewer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown viewer ids.
var ErrNotFound = errors.New("viewer not found")

// Registry tracks open viewers by session id.
type Registry struct {
	cache    BlobSource
	basePath string
	logger   *slog.Logger
	now      func() time.Time
	opts     []Option

	mu      sync.Mutex
	viewers map[string]*session
}

type session struct {
	viewer   *Viewer
	lastSeen time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger passed to every viewer.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithBasePath sets the path prefix the viewer routes are mounted under.
func WithBasePath(p string) RegistryOption {
	return func(r *Registry) {
		r.basePath = p
	}
}

// WithViewerOptions appends options applied to every viewer created.
func WithViewerOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.opts = append(r.opts, opts...)
	}
}

// WithRegistryNow sets the clock used for idle tracking.
func WithRegistryNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry whose viewers draw from cache.
func NewRegistry(cache BlobSource, opts ...RegistryOption) *Registry {
	r := &Registry{
		cache:    cache,
		basePath: "/viewer",
		logger:   slog.Default(),
		now:      time.Now,
		viewers:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create opens a new viewer for documentURL. The viewer is registered even
// when acquisition fails so that its page can show the error and offer a
// retry; the acquisition error is logged, not returned.
func (r *Registry) Create(ctx context.Context, documentURL, title string) *Viewer {
	id := uuid.NewString()
	opts := make([]Option, 0, len(r.opts)+4)
	opts = append(opts, WithLogger(r.logger.With("viewer", id)))
	opts = append(opts, r.opts...)
	opts = append(opts,
		WithID(id),
		WithBlobPath(r.basePath+"/"+id+"/blob"),
		WithOnClose(func() { r.forget(id) }),
	)
	v := New(r.cache, documentURL, title, opts...)

	r.mu.Lock()
	r.viewers[id] = &session{viewer: v, lastSeen: r.now()}
	r.mu.Unlock()

	if err := v.Open(ctx); err != nil {
		r.logger.Warn("viewer opened in failed state", "viewer", id, "error", err)
	}
	return v
}

// Get returns the viewer with id and marks it as recently used.
func (r *Registry) Get(id string) (*Viewer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.viewers[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.lastSeen = r.now()
	return s.viewer, nil
}

// Close closes and removes the viewer with id.
func (r *Registry) Close(id string) error {
	v, err := r.Get(id)
	if err != nil {
		return err
	}
	v.Close()
	return nil
}

// Len returns the number of open viewers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// CloseIdle closes viewers not used within idle and returns how many closed.
func (r *Registry) CloseIdle(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	var stale []*Viewer
	for _, s := range r.viewers {
		if s.lastSeen.Before(cutoff) {
			stale = append(stale, s.viewer)
		}
	}
	r.mu.Unlock()

	for _, v := range stale {
		v.Close()
	}
	return len(stale)
}

// CloseAll closes every viewer.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Viewer, 0, len(r.viewers))
	for _, s := range r.viewers {
		all = append(all, s.viewer)
	}
	r.mu.Unlock()

	for _, v := range all {
		v.Close()
	}
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	delete(r.viewers, id)
	r.mu.Unlock()
}
