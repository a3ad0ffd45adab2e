package viewer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/clockwork-earth/clockwork/telemetry"
)

// Handler serves viewer sessions over HTTP.
type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a handler over registry.
func NewHandler(registry *Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the viewer routes on mux under the registry base path.
func (h *Handler) Register(mux *http.ServeMux) {
	base := h.registry.basePath
	mux.HandleFunc("POST "+base, h.handleCreate)
	mux.HandleFunc("GET "+base+"/{id}", h.handlePage)
	mux.HandleFunc("GET "+base+"/{id}/state", h.handleState)
	mux.HandleFunc("POST "+base+"/{id}/events", h.handleEvent)
	mux.HandleFunc("GET "+base+"/{id}/blob", h.handleBlob)
	mux.HandleFunc("GET "+base+"/{id}/download", h.handleDownload)
	mux.HandleFunc("GET "+base+"/{id}/open", h.handleOpen)
	mux.HandleFunc("POST "+base+"/{id}/close", h.handleClose)
	mux.HandleFunc("DELETE "+base+"/{id}", h.handleClose)
}

type createRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "create")

	var req createRequest
	if isJSON(r.Header.Get("Content-Type")) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		req.URL = r.FormValue("url")
		req.Title = r.FormValue("title")
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing URL parameter")
		return
	}
	if req.Title == "" {
		req.Title = "document"
	}

	v := h.registry.Create(r.Context(), req.URL, req.Title)
	h.logger.Info("viewer opened", "viewer", v.ID(), "url", v.OpenURL(), "state", v.Snapshot().State)

	loc := h.registry.basePath + "/" + v.ID()
	if wantsJSON(r) {
		w.Header().Set("Location", loc)
		writeJSON(w, http.StatusCreated, struct {
			ID string `json:"id"`
			RenderState
		}{v.ID(), v.Snapshot()})
		return
	}
	http.Redirect(w, r, loc, http.StatusSeeOther)
}

func (h *Handler) viewer(w http.ResponseWriter, r *http.Request) (*Viewer, bool) {
	v, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return v, true
}

func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "page")
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}

	frame, err := v.Render(r.Context())
	if err != nil {
		h.logger.Error("rendering strategy", "viewer", v.ID(), "error", err)
	}
	st := v.Snapshot()
	base := h.registry.basePath + "/" + v.ID()

	data := pageData{
		ID:       v.ID(),
		Base:     base,
		State:    st,
		Frame:    frame,
		Failed:   st.State == Failed,
		Scale:    strconv.FormatFloat(float64(st.Zoom)/100, 'f', -1, 64),
		Download: base + "/download",
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTemplate.Execute(w, data); err != nil {
		h.logger.Error("failed to execute template", "error", err)
	}
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "state")
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, v.Snapshot())
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "event")
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}

	event := r.FormValue("event")
	if isJSON(r.Header.Get("Content-Type")) {
		var body struct {
			Event string `json:"event"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		event = body.Event
	}

	err := v.Apply(r.Context(), event)
	switch {
	case errors.Is(err, ErrUnknownEvent):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		// Acquisition failures land the viewer in Failed; report the state.
		h.logger.Warn("viewer event", "viewer", v.ID(), "event", event, "error", err)
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, v.Snapshot())
		return
	}
	http.Redirect(w, r, h.registry.basePath+"/"+v.ID(), http.StatusSeeOther)
}

func (h *Handler) handleBlob(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blob")
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	data, ok := v.Blob()
	if !ok {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeJSONError(w, http.StatusNotFound, "blob released")
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="document.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, no-store")
	_, _ = w.Write(data)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "download")
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	v.Download(w, r)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "open")
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	http.Redirect(w, r, v.OpenURL(), http.StatusFound)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "close")
	if err := h.registry.Close(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if r.Method == http.MethodPost && !wantsJSON(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") || isJSON(r.Header.Get("Content-Type"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
