package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clockwork-earth/clockwork/telemetry"
)

// Handler serves the proxy endpoints.
type Handler struct {
	upstream *Upstream
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithUpstream sets the upstream fetcher.
func WithUpstream(upstream *Upstream) HandlerOption {
	return func(h *Handler) {
		h.upstream = upstream
	}
}

// NewHandler creates a proxy handler.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.upstream == nil {
		h.upstream = NewUpstream(WithUpstreamLogger(h.logger))
	}
	return h
}

// Register mounts the proxy routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/pdf-proxy", h.ServePDF)
	mux.HandleFunc("OPTIONS /api/pdf-proxy", h.ServeOptions)
	mux.HandleFunc("GET /api/html-content", h.ServeHTML)
}

// ServePDF fetches the document named by the url query parameter and
// returns it for inline display. The upstream body is buffered in full
// before any header is written.
func (h *Handler) ServePDF(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "pdf")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	target := r.URL.Query().Get("url")
	if target == "" {
		writeText(w, "Missing URL parameter", http.StatusBadRequest)
		return
	}

	h.logger.Info("proxying pdf", "url", target)

	doc, err := h.upstream.FetchPDF(r.Context(), target)
	if err != nil {
		h.writeFetchError(w, err, "Failed to fetch PDF", "Received empty PDF content", "Error fetching PDF")
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "application/pdf")
	hdr.Set("Content-Disposition", `inline; filename="document.pdf"`)
	hdr.Set("Content-Length", strconv.Itoa(len(doc.Body)))
	hdr.Set("Cache-Control", "public, max-age=3600")
	setCORS(hdr)
	hdr.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

// ServeOptions answers CORS preflight requests.
func (h *Handler) ServeOptions(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "preflight")
	hdr := w.Header()
	setCORS(hdr)
	hdr.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusOK)
}

// ServeHTML fetches an HTML data page and returns its sanitized body markup.
func (h *Handler) ServeHTML(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "html")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	target := r.URL.Query().Get("url")
	if target == "" {
		writeText(w, "Missing URL parameter", http.StatusBadRequest)
		return
	}

	doc, err := h.upstream.FetchHTML(r.Context(), target)
	if err != nil {
		h.writeFetchError(w, err, "Failed to fetch HTML content", "Received empty HTML content", "Error fetching HTML content")
		return
	}

	fragment, err := ExtractBody(doc.Body)
	if err != nil {
		h.logger.Error("parsing html content", "url", target, "error", err)
		writeText(w, "Error fetching HTML content: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	setCORS(w.Header())
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write([]byte(fragment))
}

func (h *Handler) writeFetchError(w http.ResponseWriter, err error, failedPrefix, emptyMsg, errPrefix string) {
	var upErr *UpstreamError
	switch {
	case errors.As(err, &upErr):
		writeText(w, failedPrefix+": "+upErr.StatusText, upErr.Status)
	case errors.Is(err, ErrEmptyContent):
		h.logger.Error("received empty upstream body")
		writeText(w, emptyMsg, http.StatusInternalServerError)
	case errors.Is(err, ErrHostNotAllowed):
		writeText(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrTooLarge):
		writeText(w, err.Error(), http.StatusBadGateway)
	default:
		h.logger.Error("proxy fetch error", "error", err)
		writeText(w, errPrefix+": "+err.Error(), http.StatusInternalServerError)
	}
}

func setCORS(hdr http.Header) {
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// writeText writes msg as a plain-text body with no trailing newline.
func writeText(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(msg))
}
