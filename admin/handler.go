// Package admin serves the authenticated article management API. Routes
// assume the server has already checked the bearer token.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/clockwork-earth/clockwork/article"
	"github.com/clockwork-earth/clockwork/docurl"
	"github.com/clockwork-earth/clockwork/storage"
	"github.com/clockwork-earth/clockwork/telemetry"
)

const (
	msgRequiredFields = "All required fields must be filled"
	msgPDFRequired    = "PDF file is required"
	msgUploadFailed   = "Failed to upload PDF file"
	msgUnexpected     = "An unexpected error occurred"

	// formOverhead is the multipart allowance on top of the PDF size limit.
	formOverhead = 1 << 20
)

// Articles is the article persistence the admin API needs.
type Articles interface {
	Create(ctx context.Context, a *article.Article) (*article.Article, error)
	Update(ctx context.Context, a *article.Article) (*article.Article, error)
	Delete(ctx context.Context, id string) (*article.Article, error)
	Get(ctx context.Context, id string) (*article.Article, error)
	List(ctx context.Context, q article.Query) ([]article.Article, error)
}

// Objects is the PDF storage the admin API needs.
type Objects interface {
	Upload(ctx context.Context, filename, contentType string, r io.Reader) (*storage.Object, error)
	Delete(ctx context.Context, objectPath string) error
}

// Handler serves /admin/articles.
type Handler struct {
	articles Articles
	objects  Objects
	maxForm  int64
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxUpload sets the PDF size limit used to bound multipart parsing.
func WithMaxUpload(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxForm = n + formOverhead
		}
	}
}

// NewHandler creates an admin handler.
func NewHandler(articles Articles, objects Objects, opts ...Option) *Handler {
	h := &Handler{
		articles: articles,
		objects:  objects,
		maxForm:  storage.DefaultMaxSize + formOverhead,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the admin routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/articles", h.handleList)
	mux.HandleFunc("POST /admin/articles", h.handleCreate)
	mux.HandleFunc("GET /admin/articles/{id}", h.handleGet)
	mux.HandleFunc("POST /admin/articles/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /admin/articles/{id}", h.handleDelete)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "admin_list")
	articles, err := h.articles.List(r.Context(), article.Query{})
	if err != nil {
		h.logger.Error("listing articles", "error", err)
		writeJSONError(w, http.StatusInternalServerError, msgUnexpected)
		return
	}
	writeJSON(w, http.StatusOK, articles)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "admin_get")
	a, err := h.articles.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "admin_create")
	ctx := r.Context()

	a, file, header, ok := h.parseForm(w, r)
	if !ok {
		return
	}
	if file == nil {
		writeJSONError(w, http.StatusBadRequest, msgPDFRequired)
		return
	}
	defer func() { _ = file.Close() }()

	obj, ok := h.upload(ctx, w, file, header)
	if !ok {
		return
	}
	a.PDFURL = obj.URL
	a.PDFPath = obj.Path

	created, err := h.articles.Create(ctx, a)
	if err != nil {
		h.discard(ctx, obj.Path)
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "admin_update")
	ctx := r.Context()

	current, err := h.articles.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	a, file, header, ok := h.parseForm(w, r)
	if !ok {
		return
	}
	a.ID = current.ID
	a.PDFURL = current.PDFURL
	a.PDFPath = current.PDFPath

	var replaced string
	if file != nil {
		defer func() { _ = file.Close() }()
		obj, ok := h.upload(ctx, w, file, header)
		if !ok {
			return
		}
		a.PDFURL = obj.URL
		a.PDFPath = obj.Path
		replaced = current.PDFPath
	}

	updated, err := h.articles.Update(ctx, a)
	if err != nil {
		if replaced != "" {
			h.discard(ctx, a.PDFPath)
		}
		h.writeStoreError(w, err)
		return
	}
	if replaced != "" {
		h.discard(ctx, replaced)
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "admin_delete")
	ctx := r.Context()

	removed, err := h.articles.Delete(ctx, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if removed.PDFPath != "" {
		h.discard(ctx, removed.PDFPath)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// parseForm reads the article fields and the optional pdf_file part. A
// zero-length file part counts as absent.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) (*article.Article, multipart.File, *multipart.FileHeader, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxForm)
	if err := r.ParseMultipartForm(h.maxForm); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "PDF file exceeds the upload limit")
			return nil, nil, nil, false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return nil, nil, nil, false
	}

	field := func(name string) string { return strings.TrimSpace(r.FormValue(name)) }
	a := &article.Article{
		Title:         field("title"),
		Description:   field("description"),
		Category:      field("category"),
		ImageURL:      docurl.ToRaw(field("image_url")),
		Author:        field("author"),
		ReadTime:      field("read_time"),
		PublishedDate: field("published_date"),
		RepositoryURL: field("repository_url"),
		HTMLDataURL:   field("html_data_url"),
		IsProject:     isChecked(r.FormValue("is_project")),
	}
	if a.Title == "" || a.Description == "" || a.Category == "" || a.ImageURL == "" || a.Author == "" {
		writeJSONError(w, http.StatusBadRequest, msgRequiredFields)
		return nil, nil, nil, false
	}

	file, header, err := r.FormFile("pdf_file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return a, nil, nil, true
		}
		writeJSONError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return nil, nil, nil, false
	}
	if header.Size == 0 {
		_ = file.Close()
		return a, nil, nil, true
	}
	return a, file, header, true
}

func (h *Handler) upload(ctx context.Context, w http.ResponseWriter, file multipart.File, header *multipart.FileHeader) (*storage.Object, bool) {
	obj, err := h.objects.Upload(ctx, header.Filename, header.Header.Get("Content-Type"), file)
	switch {
	case err == nil:
		return obj, true
	case errors.Is(err, storage.ErrTooLarge):
		writeJSONError(w, http.StatusRequestEntityTooLarge, "PDF file exceeds the upload limit")
	case errors.Is(err, storage.ErrUnsupportedType):
		writeJSONError(w, http.StatusUnsupportedMediaType, "Only PDF files are accepted")
	case errors.Is(err, storage.ErrEmpty):
		writeJSONError(w, http.StatusBadRequest, msgPDFRequired)
	default:
		h.logger.Error("uploading pdf", "filename", header.Filename, "error", err)
		writeJSONError(w, http.StatusInternalServerError, msgUploadFailed)
	}
	return nil, false
}

// discard removes a stored PDF that is no longer referenced. Failures are
// logged, the article change already happened.
func (h *Handler) discard(ctx context.Context, objectPath string) {
	if err := h.objects.Delete(ctx, objectPath); err != nil {
		h.logger.Warn("deleting pdf", "path", objectPath, "error", err)
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, article.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "Article not found")
	case errors.Is(err, article.ErrMissingField):
		writeJSONError(w, http.StatusBadRequest, msgRequiredFields)
	case errors.Is(err, article.ErrInvalidDate):
		writeJSONError(w, http.StatusBadRequest, "published_date must be YYYY-MM-DD")
	default:
		h.logger.Error("article store", "error", err)
		writeJSONError(w, http.StatusInternalServerError, msgUnexpected)
	}
}

func isChecked(v string) bool {
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
