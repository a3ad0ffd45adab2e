// Package server wires the site's components into one HTTP server.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/clockwork-earth/clockwork/admin"
	"github.com/clockwork-earth/clockwork/article"
	"github.com/clockwork-earth/clockwork/backend"
	"github.com/clockwork-earth/clockwork/blobcache"
	"github.com/clockwork-earth/clockwork/expiry"
	"github.com/clockwork-earth/clockwork/proxy"
	"github.com/clockwork-earth/clockwork/site"
	"github.com/clockwork-earth/clockwork/storage"
	"github.com/clockwork-earth/clockwork/telemetry"
	"github.com/clockwork-earth/clockwork/viewer"
)

// Data directory layout shared by the server and offline commands.
const (
	BlobsDir        = "blobs"
	ObjectIndexFile = "objects.db"
	ArticleDBFile   = "articles.db"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataDir holds the article database, the object index and the blobs.
	DataDir string

	// PublicURL is the externally visible site URL used in object links.
	// Default: http://localhost{Address}
	PublicURL string

	// SelfURL is where the server reaches itself to fetch documents for
	// viewers through its own proxy. Default: http://127.0.0.1{Address}
	SelfURL string

	// AdminToken is the bearer token for /admin routes. When empty the
	// admin routes are not mounted.
	AdminToken string

	// ProxyAllowedHosts restricts the document proxy. Empty leaves it open.
	ProxyAllowedHosts []string

	// ProxyMaxBytes caps proxied bodies. Zero uses the proxy default.
	ProxyMaxBytes int64

	// UpstreamTokens maps document hosts to bearer tokens.
	UpstreamTokens map[string]string

	// UploadMaxSize caps PDF uploads. Zero uses the storage default.
	UploadMaxSize int64

	// BlobExpiry is how long a fetched document stays fresh for viewers.
	BlobExpiry time.Duration

	// BlobSweepInterval is how often stale documents are released.
	BlobSweepInterval time.Duration

	// ViewerIdle closes viewer sessions unused for this long.
	// Zero disables idle expiry.
	ViewerIdle time.Duration

	// OrphanGrace deletes unreferenced uploads older than this.
	// Zero disables orphan collection.
	OrphanGrace time.Duration

	// ExpiryCheckInterval is how often idle viewers and orphans are checked.
	// Default is 10 minutes.
	ExpiryCheckInterval time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the site.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	// Components
	backend   backend.Backend
	bucket    *storage.Bucket
	articles  *article.Store
	blobs     *blobcache.Cache
	viewers   *viewer.Registry
	expiryMgr *expiry.Manager
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://" + hostPort("localhost", cfg.Address)
	}
	if cfg.SelfURL == "" {
		cfg.SelfURL = "http://" + hostPort("127.0.0.1", cfg.Address)
	}
	if cfg.ExpiryCheckInterval == 0 {
		cfg.ExpiryCheckInterval = 10 * time.Minute
	}
	logger := cfg.Logger

	// Initialize storage backend
	fsBackend, err := backend.NewFilesystem(filepath.Join(cfg.DataDir, BlobsDir))
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	be := backend.NewInstrumented(fsBackend, "filesystem")

	bucket := storage.New(be,
		storage.WithLogger(logger.With("component", "storage")),
		storage.WithPublicBaseURL(cfg.PublicURL),
		storage.WithMaxSize(cfg.UploadMaxSize),
	)
	if err := bucket.OpenIndex(filepath.Join(cfg.DataDir, ObjectIndexFile)); err != nil {
		return nil, err
	}

	articles, err := article.Open(filepath.Join(cfg.DataDir, ArticleDBFile),
		article.WithLogger(logger.With("component", "article")),
	)
	if err != nil {
		_ = bucket.Close()
		return nil, fmt.Errorf("opening article store: %w", err)
	}

	// Document pipeline: proxy, blob cache, viewers
	upstream := proxy.NewUpstream(
		proxy.WithAllowedHosts(cfg.ProxyAllowedHosts),
		proxy.WithMaxBytes(cfg.ProxyMaxBytes),
		proxy.WithHostTokens(cfg.UpstreamTokens),
		proxy.WithUpstreamLogger(logger.With("component", "proxy")),
	)
	proxyHandler := proxy.NewHandler(
		proxy.WithUpstream(upstream),
		proxy.WithLogger(logger.With("component", "proxy")),
	)

	blobOpts := []blobcache.Option{blobcache.WithLogger(logger.With("component", "blobcache"))}
	if cfg.BlobExpiry > 0 {
		blobOpts = append(blobOpts, blobcache.WithExpiry(cfg.BlobExpiry))
	}
	if cfg.BlobSweepInterval > 0 {
		blobOpts = append(blobOpts, blobcache.WithSweepInterval(cfg.BlobSweepInterval))
	}
	blobs := blobcache.New(blobcache.NewProxyFetcher(cfg.SelfURL), blobOpts...)

	viewers := viewer.NewRegistry(blobs, viewer.WithRegistryLogger(logger.With("component", "viewer")))

	expiryMgr := expiry.NewManager(viewers, bucket, articles, expiry.Config{
		ViewerIdle:    cfg.ViewerIdle,
		OrphanGrace:   cfg.OrphanGrace,
		CheckInterval: cfg.ExpiryCheckInterval,
		Logger:        logger.With("component", "expiry"),
	})

	s := &Server{
		config:    cfg,
		logger:    logger,
		backend:   be,
		bucket:    bucket,
		articles:  articles,
		blobs:     blobs,
		viewers:   viewers,
		expiryMgr: expiryMgr,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	proxyHandler.Register(mux)
	storage.NewHandler(bucket, logger.With("component", "storage")).Register(mux)
	site.NewHandler(articles, logger.With("component", "site")).Register(mux)
	viewer.NewHandler(viewers, viewer.WithHandlerLogger(logger.With("component", "viewer"))).Register(mux)
	if cfg.AdminToken != "" {
		admin.NewHandler(articles, bucket,
			admin.WithLogger(logger.With("component", "admin")),
			admin.WithMaxUpload(cfg.UploadMaxSize),
		).Register(mux)
	} else {
		logger.Warn("no admin token configured, admin routes disabled")
	}

	// Compress JSON and HTML only; PDFs keep their exact Content-Length.
	gzip, err := gzhttp.NewWrapper(
		gzhttp.MinSize(1024),
		gzhttp.ContentTypes([]string{"application/json", "text/html", "text/plain"}),
	)
	if err != nil {
		_ = articles.Close()
		_ = bucket.Close()
		return nil, fmt.Errorf("creating gzip wrapper: %w", err)
	}

	s.handler = s.loggingMiddleware(s.authMiddleware(gzip(mux)))
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // proxied PDFs may take the full upstream timeout
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// hostPort joins host with the port of a listen address like ":8080". Full
// addresses are returned unchanged.
func hostPort(host, address string) string {
	if strings.HasPrefix(address, ":") {
		return host + address
	}
	return address
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetCacheResult(r, telemetry.CacheNA)
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","viewers":%d,"blobs":%d,"blob_bytes":%d}`,
		s.viewers.Len(), s.blobs.Len(), s.blobs.Bytes())
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		route := deriveRoute(r.URL.Path)
		telemetry.SetRoute(r, route)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts background work and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.blobs.Start(ctx)
	if s.config.ViewerIdle > 0 || s.config.OrphanGrace > 0 {
		s.logger.Info("starting expiry manager",
			"viewer_idle", s.config.ViewerIdle,
			"orphan_grace", s.config.OrphanGrace,
			"check_interval", s.config.ExpiryCheckInterval,
		)
		if err := s.expiryMgr.Start(ctx); err != nil {
			return fmt.Errorf("starting expiry manager: %w", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address, "public_url", s.config.PublicURL)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and releases every component.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	s.Close()
	return err
}

// Close stops background work and closes stores without touching the
// listener. Shutdown calls it.
func (s *Server) Close() {
	s.expiryMgr.Stop()
	s.viewers.CloseAll()
	if err := s.blobs.Close(); err != nil {
		s.logger.Warn("closing blob cache", "error", err)
	}
	if err := s.articles.Close(); err != nil {
		s.logger.Warn("closing article store", "error", err)
	}
	if err := s.bucket.Close(); err != nil {
		s.logger.Warn("closing object index", "error", err)
	}
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Articles returns the article store.
func (s *Server) Articles() *article.Store {
	return s.articles
}

// Bucket returns the PDF bucket.
func (s *Server) Bucket() *storage.Bucket {
	return s.bucket
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute groups a request path for metrics and logging.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/metrics":
		return "internal"
	case path == "/api/pdf-proxy" || path == "/api/html-content":
		return "proxy"
	case strings.HasPrefix(path, "/api/"):
		return "api"
	case strings.HasPrefix(path, "/storage/"):
		return "storage"
	case path == "/viewer" || strings.HasPrefix(path, "/viewer/"):
		return "viewer"
	case path == "/admin" || strings.HasPrefix(path, "/admin/"):
		return "admin"
	default:
		return "unknown"
	}
}
