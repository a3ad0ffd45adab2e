// Package seed loads articles from a YAML seed file, uploading any local
// PDFs into the bucket.
//
//	articles:
//	  - id: deep-time            # optional; entries with a known id are skipped
//	    title: Deep Time
//	    description: Geological clocks
//	    category: geology
//	    image_url: https://github.com/acme/site/blob/main/deep.png
//	    author: Ada
//	    pdf_file: papers/deep-time.pdf   # relative to the seed file
//	  - title: External
//	    ...
//	    pdf_url: https://example.org/paper.pdf
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/clockwork-earth/clockwork/article"
	"github.com/clockwork-earth/clockwork/docurl"
	"github.com/clockwork-earth/clockwork/storage"
)

// File is the seed file layout.
type File struct {
	Articles []Entry `yaml:"articles"`
}

// Entry is one seeded article.
type Entry struct {
	article.Article `yaml:",inline"`

	// PDFFile is a local PDF to upload; it wins over PDFURL.
	PDFFile string `yaml:"pdf_file,omitempty"`
}

// Articles is the article persistence the importer needs.
type Articles interface {
	Create(ctx context.Context, a *article.Article) (*article.Article, error)
	Get(ctx context.Context, id string) (*article.Article, error)
}

// Objects is the PDF storage the importer needs.
type Objects interface {
	Upload(ctx context.Context, filename, contentType string, r io.Reader) (*storage.Object, error)
	Delete(ctx context.Context, objectPath string) error
}

// Result summarises an import.
type Result struct {
	Created int
	Skipped int
}

// Parse decodes a seed file. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding seed file: %w", err)
	}
	for i := range f.Articles {
		if err := f.Articles[i].Validate(); err != nil {
			return nil, fmt.Errorf("articles[%d] %q: %w", i, f.Articles[i].Title, err)
		}
	}
	return &f, nil
}

// Importer writes seed entries into the stores.
type Importer struct {
	articles Articles
	objects  Objects
	logger   *slog.Logger
}

// NewImporter creates an importer.
func NewImporter(articles Articles, objects Objects, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{articles: articles, objects: objects, logger: logger}
}

// ImportFile parses and imports the seed file at path.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Result, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening seed file: %w", err)
	}
	defer func() { _ = fh.Close() }()

	f, err := Parse(fh)
	if err != nil {
		return nil, err
	}
	return im.Import(ctx, f, filepath.Dir(path))
}

// Import creates every entry of f in order. Relative pdf_file paths resolve
// against baseDir. The first failure stops the import; entries already
// created stay.
func (im *Importer) Import(ctx context.Context, f *File, baseDir string) (*Result, error) {
	result := &Result{}
	for i := range f.Articles {
		e := f.Articles[i]
		if e.ID != "" {
			_, err := im.articles.Get(ctx, e.ID)
			if err == nil {
				im.logger.Debug("skipping existing article", "id", e.ID)
				result.Skipped++
				continue
			}
			if !errors.Is(err, article.ErrNotFound) {
				return result, fmt.Errorf("checking article %s: %w", e.ID, err)
			}
		}

		a := e.Article
		a.ImageURL = docurl.ToRaw(a.ImageURL)

		var uploaded string
		if e.PDFFile != "" {
			obj, err := im.upload(ctx, resolve(baseDir, e.PDFFile))
			if err != nil {
				return result, fmt.Errorf("articles[%d] %q: %w", i, a.Title, err)
			}
			a.PDFURL = obj.URL
			a.PDFPath = obj.Path
			uploaded = obj.Path
		}

		created, err := im.articles.Create(ctx, &a)
		if err != nil {
			if uploaded != "" {
				_ = im.objects.Delete(ctx, uploaded)
			}
			return result, fmt.Errorf("articles[%d] %q: %w", i, a.Title, err)
		}
		im.logger.Info("imported article", "id", created.ID, "title", created.Title, "pdf", created.PDFPath)
		result.Created++
	}
	return result, nil
}

func (im *Importer) upload(ctx context.Context, path string) (*storage.Object, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer func() { _ = fh.Close() }()

	obj, err := im.objects.Upload(ctx, filepath.Base(path), storage.ContentTypePDF, fh)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", path, err)
	}
	return obj, nil
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
