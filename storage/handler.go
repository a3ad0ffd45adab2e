package storage

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clockwork-earth/clockwork/telemetry"
)

// Handler serves public bucket objects at /storage/{bucket}/{name}.
type Handler struct {
	bucket *Bucket
	logger *slog.Logger
}

// NewHandler creates a public object handler.
func NewHandler(bucket *Bucket, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bucket: bucket, logger: logger}
}

// Register mounts the object routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /storage/{bucket}/{name}", h.ServeHTTP)
	mux.HandleFunc("HEAD /storage/{bucket}/{name}", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "object")

	if r.PathValue("bucket") != h.bucket.Name() {
		http.NotFound(w, r)
		return
	}
	name := r.PathValue("name")

	rc, obj, err := h.bucket.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidName) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			http.NotFound(w, r)
			return
		}
		h.logger.Error("opening object", "path", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rc.Close() }()
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	etag := obj.Hash.ETag()
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Content-Disposition", `inline; filename="`+obj.Path+`"`)
	w.Header().Set("Last-Modified", obj.CreatedAt.UTC().Format(http.TimeFormat))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("streaming object", "path", name, "error", err)
	}
}
