// Package expiry runs the periodic cleanup that keeps long-running servers
// bounded: idle viewer sessions are closed and bucket objects no article
// references are removed once they are older than a grace period.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clockwork-earth/clockwork/storage"
)

// Config holds expiration configuration.
type Config struct {
	// ViewerIdle closes viewer sessions not used within this duration.
	// Zero disables viewer expiry.
	ViewerIdle time.Duration

	// OrphanGrace is how old an unreferenced object must be before it is
	// deleted. Uploads are referenced only after the article row is
	// written, so this must cover that window. Zero disables orphan
	// collection.
	OrphanGrace time.Duration

	// CheckInterval is how often to run expiration checks.
	// Default is 10 minutes.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ViewerIdle:    30 * time.Minute,
		OrphanGrace:   24 * time.Hour,
		CheckInterval: 10 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Viewers is the viewer registry.
type Viewers interface {
	CloseIdle(idle time.Duration) int
}

// Objects is the PDF bucket.
type Objects interface {
	List(ctx context.Context) ([]storage.Object, error)
	Delete(ctx context.Context, objectPath string) error
}

// References reports which object paths are in use.
type References interface {
	PDFPaths(ctx context.Context) (map[string]struct{}, error)
}

// Manager runs expiration checks in the background.
type Manager struct {
	config  Config
	viewers Viewers
	objects Objects
	refs    References
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager. Either viewers or objects
// may be nil to skip that phase; refs is required when objects is set.
func NewManager(viewers Viewers, objects Objects, refs References, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		viewers: viewers,
		objects: objects,
		refs:    refs,
		logger:  cfg.Logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background expiration checks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background expiration checks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// Result contains the results of an expiration run.
type Result struct {
	ViewersClosed  int
	OrphansDeleted int
	BytesFreed     int64
	Errors         int
	Duration       time.Duration
}

// RunOnce performs a single expiration check.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	if m.viewers != nil && m.config.ViewerIdle > 0 {
		result.ViewersClosed = m.viewers.CloseIdle(m.config.ViewerIdle)
	}

	if m.objects != nil && m.refs != nil && m.config.OrphanGrace > 0 {
		m.collectOrphans(ctx, result)
	}

	result.Duration = m.now().Sub(start)

	if result.ViewersClosed > 0 || result.OrphansDeleted > 0 {
		m.logger.Info("expiration complete",
			"viewers_closed", result.ViewersClosed,
			"orphans_deleted", result.OrphansDeleted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire")
	}
	return result
}

func (m *Manager) collectOrphans(ctx context.Context, result *Result) {
	objects, err := m.objects.List(ctx)
	if err != nil {
		m.logger.Error("failed to list objects", "error", err)
		result.Errors++
		return
	}
	// Read references after listing so an upload committed in between is
	// seen as referenced rather than orphaned.
	refs, err := m.refs.PDFPaths(ctx)
	if err != nil {
		m.logger.Error("failed to list references", "error", err)
		result.Errors++
		return
	}

	cutoff := m.now().Add(-m.config.OrphanGrace)
	for _, obj := range objects {
		if _, ok := refs[obj.Path]; ok || !obj.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.objects.Delete(ctx, obj.Path); err != nil {
			m.logger.Warn("failed to delete orphaned object", "path", obj.Path, "error", err)
			result.Errors++
			continue
		}
		result.OrphansDeleted++
		result.BytesFreed += obj.Size
		m.logger.Debug("deleted orphaned object",
			"path", obj.Path,
			"size", obj.Size,
			"age", m.now().Sub(obj.CreatedAt),
		)
	}
}
