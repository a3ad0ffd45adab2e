// Package site serves the public read-only JSON API for articles and
// projects.
package site

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/clockwork-earth/clockwork/article"
	"github.com/clockwork-earth/clockwork/telemetry"
)

// FeaturedLimit is the number of projects returned by the featured route.
const FeaturedLimit = 3

// Reader is the read side of the article store.
type Reader interface {
	Get(ctx context.Context, id string) (*article.Article, error)
	GetProject(ctx context.Context, id string) (*article.Article, error)
	List(ctx context.Context, q article.Query) ([]article.Article, error)
	Categories(ctx context.Context) ([]string, error)
}

// Handler serves the public API.
type Handler struct {
	articles Reader
	logger   *slog.Logger
}

// NewHandler creates a public API handler.
func NewHandler(articles Reader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{articles: articles, logger: logger}
}

// Register mounts the public routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/articles", h.handleArticles)
	mux.HandleFunc("GET /api/articles/{id}", h.handleArticle)
	mux.HandleFunc("GET /api/projects", h.handleProjects)
	mux.HandleFunc("GET /api/projects/featured", h.handleFeatured)
	mux.HandleFunc("GET /api/projects/{id}", h.handleProject)
	mux.HandleFunc("GET /api/categories", h.handleCategories)
}

func (h *Handler) handleArticles(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "articles")
	h.list(w, r, article.Query{Category: r.URL.Query().Get("category")})
}

func (h *Handler) handleProjects(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "projects")
	h.list(w, r, article.Query{Category: r.URL.Query().Get("category"), ProjectsOnly: true})
}

func (h *Handler) handleFeatured(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "featured")
	h.list(w, r, article.Query{ProjectsOnly: true, Limit: FeaturedLimit})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, q article.Query) {
	articles, err := h.articles.List(r.Context(), q)
	if err != nil {
		h.logger.Error("listing articles", "category", q.Category, "projects", q.ProjectsOnly, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to load articles")
		return
	}
	writeJSON(w, http.StatusOK, articles)
}

func (h *Handler) handleArticle(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "article")
	h.one(w, r, h.articles.Get)
}

func (h *Handler) handleProject(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "project")
	h.one(w, r, h.articles.GetProject)
}

func (h *Handler) one(w http.ResponseWriter, r *http.Request, get func(context.Context, string) (*article.Article, error)) {
	id := r.PathValue("id")
	a, err := get(r.Context(), id)
	if errors.Is(err, article.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.logger.Error("loading article", "id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to load article")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleCategories(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "categories")
	categories, err := h.articles.Categories(r.Context())
	if err != nil {
		h.logger.Error("listing categories", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to load categories")
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
