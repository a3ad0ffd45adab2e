// Package article stores articles and projects in SQLite. Reads go through
// the article_view view, writes through the articles table.
package article

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the layout of PublishedDate.
const DateLayout = "2006-01-02"

var (
	// ErrNotFound is returned when no article has the requested id.
	ErrNotFound = errors.New("article not found")

	// ErrMissingField is returned by Validate for empty required fields.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidDate is returned by Validate for a malformed PublishedDate.
	ErrInvalidDate = errors.New("invalid published_date")
)

// Article is a published article or research project.
type Article struct {
	ID            string    `json:"id" yaml:"id,omitempty"`
	Title         string    `json:"title" yaml:"title"`
	Description   string    `json:"description" yaml:"description"`
	Category      string    `json:"category" yaml:"category"`
	ImageURL      string    `json:"image_url" yaml:"image_url"`
	PDFURL        string    `json:"pdf_url" yaml:"pdf_url,omitempty"`
	PDFPath       string    `json:"pdf_path,omitempty" yaml:"pdf_path,omitempty"`
	RepositoryURL string    `json:"repository_url,omitempty" yaml:"repository_url,omitempty"`
	HTMLDataURL   string    `json:"html_data_url,omitempty" yaml:"html_data_url,omitempty"`
	IsProject     bool      `json:"is_project" yaml:"is_project,omitempty"`
	PublishedDate string    `json:"published_date" yaml:"published_date,omitempty"`
	Author        string    `json:"author" yaml:"author"`
	ReadTime      string    `json:"read_time" yaml:"read_time,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks that the fields every article needs are present.
func (a *Article) Validate() error {
	var missing []string
	for _, f := range []struct {
		name, value string
	}{
		{"title", a.Title},
		{"description", a.Description},
		{"category", a.Category},
		{"image_url", a.ImageURL},
		{"author", a.Author},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	if a.PublishedDate != "" {
		if _, err := time.Parse(DateLayout, a.PublishedDate); err != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalidDate, a.PublishedDate, err)
		}
	}
	return nil
}

// Query filters List results.
type Query struct {
	Category     string
	ProjectsOnly bool
	Limit        int
}
