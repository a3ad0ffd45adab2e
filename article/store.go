package article

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const columns = `id, title, description, category, image_url, pdf_url, pdf_path,
	repository_url, html_data_url, is_project, published_date, author, read_time,
	created_at, updated_at`

// Store is the SQLite article store.
type Store struct {
	readDB  *sql.DB
	writeDB *sql.DB
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens or creates the article database at dbPath.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}

	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	writeDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening write db: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	s.writeDB = writeDB

	if err := s.init(); err != nil {
		_ = writeDB.Close()
		return nil, err
	}

	readDB, err := sql.Open("sqlite", readOnlyDSN(dbPath))
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("opening read db: %w", err)
	}
	s.readDB = readDB

	s.logger.Debug("opened article store", "path", dbPath)
	return s, nil
}

func (s *Store) init() error {
	_, err := s.writeDB.Exec(`
		CREATE TABLE IF NOT EXISTS articles (
			id             TEXT PRIMARY KEY,
			title          TEXT NOT NULL,
			description    TEXT NOT NULL,
			category       TEXT NOT NULL,
			image_url      TEXT NOT NULL,
			pdf_url        TEXT NOT NULL DEFAULT '',
			pdf_path       TEXT,
			repository_url TEXT,
			html_data_url  TEXT,
			is_project     BOOLEAN NOT NULL DEFAULT FALSE,
			published_date TEXT NOT NULL,
			author         TEXT NOT NULL,
			read_time      TEXT NOT NULL DEFAULT '',
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_date DESC);
		CREATE INDEX IF NOT EXISTS idx_articles_category ON articles(category);

		CREATE VIEW IF NOT EXISTS article_view AS
		SELECT ` + columns + ` FROM articles;
	`)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// readOnlyDSN returns a read-only SQLite URI for dbPath with the path
// escaped, so names containing '?' or '#' open the same file as writes.
func readOnlyDSN(dbPath string) string {
	if abs, err := filepath.Abs(dbPath); err == nil {
		dbPath = abs
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(dbPath), RawQuery: "mode=ro"}
	return u.String()
}

// Close closes both database handles.
func (s *Store) Close() error {
	var errs []error
	if s.readDB != nil {
		errs = append(errs, s.readDB.Close())
	}
	if s.writeDB != nil {
		errs = append(errs, s.writeDB.Close())
	}
	return errors.Join(errs...)
}

// Create inserts a new article, assigning its id and timestamps. An empty
// PublishedDate defaults to today.
func (s *Store) Create(ctx context.Context, a *Article) (*Article, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	out := *a
	now := s.now().UTC()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.PublishedDate == "" {
		out.PublishedDate = now.Format(DateLayout)
	}
	out.CreatedAt = now
	out.UpdatedAt = now

	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO articles (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, out.ID, out.Title, out.Description, out.Category, out.ImageURL, out.PDFURL,
		nullable(out.PDFPath), nullable(out.RepositoryURL), nullable(out.HTMLDataURL),
		out.IsProject, out.PublishedDate, out.Author, out.ReadTime, out.CreatedAt, out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting article %s: %w", out.ID, err)
	}

	s.logger.Info("created article", "id", out.ID, "title", out.Title, "project", out.IsProject)
	return &out, nil
}

// Update overwrites every editable field of the article with a's id and
// bumps updated_at. CreatedAt is preserved.
func (s *Store) Update(ctx context.Context, a *Article) (*Article, error) {
	if a.ID == "" {
		return nil, ErrNotFound
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	out := *a
	now := s.now().UTC()
	if out.PublishedDate == "" {
		out.PublishedDate = now.Format(DateLayout)
	}
	out.UpdatedAt = now

	res, err := s.writeDB.ExecContext(ctx, `
		UPDATE articles SET
			title = ?, description = ?, category = ?, image_url = ?, pdf_url = ?,
			pdf_path = ?, repository_url = ?, html_data_url = ?, is_project = ?,
			published_date = ?, author = ?, read_time = ?, updated_at = ?
		WHERE id = ?
	`, out.Title, out.Description, out.Category, out.ImageURL, out.PDFURL,
		nullable(out.PDFPath), nullable(out.RepositoryURL), nullable(out.HTMLDataURL),
		out.IsProject, out.PublishedDate, out.Author, out.ReadTime, out.UpdatedAt, out.ID)
	if err != nil {
		return nil, fmt.Errorf("updating article %s: %w", out.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	// Re-read so the caller sees the stored created_at.
	stored, err := s.get(ctx, s.writeDB, out.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("updated article", "id", out.ID)
	return stored, nil
}

// Delete removes an article and returns the removed row so callers can
// clean up its stored PDF.
func (s *Store) Delete(ctx context.Context, id string) (*Article, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanArticle(tx.QueryRowContext(ctx, "SELECT "+columns+" FROM articles WHERE id = ?", id))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM articles WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("deleting article %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Info("deleted article", "id", id)
	return a, nil
}

// Get returns a single article.
func (s *Store) Get(ctx context.Context, id string) (*Article, error) {
	return s.get(ctx, s.readDB, id)
}

// GetProject returns a single article that is flagged as a project.
func (s *Store) GetProject(ctx context.Context, id string) (*Article, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.IsProject {
		return nil, ErrNotFound
	}
	return a, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, db queryRower, id string) (*Article, error) {
	return scanArticle(db.QueryRowContext(ctx, "SELECT "+columns+" FROM article_view WHERE id = ?", id))
}

// List returns articles matching q, newest published first.
func (s *Store) List(ctx context.Context, q Query) ([]Article, error) {
	var (
		where []string
		args  []any
	)
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if q.ProjectsOnly {
		where = append(where, "is_project = TRUE")
	}

	query := "SELECT " + columns + " FROM article_view"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY published_date DESC, created_at DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	articles := []Article{}
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

// Categories returns the distinct article categories in name order.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, "SELECT DISTINCT category FROM article_view ORDER BY category")
	if err != nil {
		return nil, fmt.Errorf("querying categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	categories := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArticle(row scanner) (*Article, error) {
	var (
		a                      Article
		pdfPath, repo, htmlURL sql.NullString
	)
	err := row.Scan(&a.ID, &a.Title, &a.Description, &a.Category, &a.ImageURL, &a.PDFURL,
		&pdfPath, &repo, &htmlURL, &a.IsProject, &a.PublishedDate, &a.Author, &a.ReadTime,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning article: %w", err)
	}
	a.PDFPath = pdfPath.String
	a.RepositoryURL = repo.String
	a.HTMLDataURL = htmlURL.String
	return &a, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// PDFPaths returns the set of object paths referenced by any article.
func (s *Store) PDFPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.readDB.QueryContext(ctx, "SELECT pdf_path FROM articles WHERE pdf_path IS NOT NULL AND pdf_path != ''")
	if err != nil {
		return nil, fmt.Errorf("querying pdf paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	paths := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning pdf path: %w", err)
		}
		paths[p] = struct{}{}
	}
	return paths, rows.Err()
}
