package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/clockwork-earth/clockwork/article"
	"github.com/clockwork-earth/clockwork/backend"
	"github.com/clockwork-earth/clockwork/storage"
)

var testPDF = []byte("%PDF-1.3\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

const seedYAML = `articles:
  - id: deep-time
    title: Deep Time
    description: Geological clocks
    category: geology
    image_url: https://github.com/acme/site/blob/main/deep.png
    author: Ada
    published_date: "2024-11-02"
    is_project: true
    pdf_file: papers/deep-time.pdf
  - title: External
    description: Hosted elsewhere
    category: misc
    image_url: https://example.com/e.png
    author: Grace
    pdf_url: https://example.org/paper.pdf
`

func newStores(t *testing.T) (*article.Store, *storage.Bucket) {
	t.Helper()
	dir := t.TempDir()
	articles, err := article.Open(filepath.Join(dir, "articles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = articles.Close() })

	fs, err := backend.NewFilesystem(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	bucket := storage.New(fs, storage.WithNoSync(true), storage.WithPublicBaseURL("https://clockwork.earth"))
	require.NoError(t, bucket.OpenIndex(filepath.Join(dir, "objects.db")))
	t.Cleanup(func() { _ = bucket.Close() })
	return articles, bucket
}

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "papers"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "papers", "deep-time.pdf"), testPDF, 0o600))
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.Len(t, f.Articles, 2)

	want := Entry{
		Article: article.Article{
			ID:            "deep-time",
			Title:         "Deep Time",
			Description:   "Geological clocks",
			Category:      "geology",
			ImageURL:      "https://github.com/acme/site/blob/main/deep.png",
			Author:        "Ada",
			PublishedDate: "2024-11-02",
			IsProject:     true,
		},
		PDFFile: "papers/deep-time.pdf",
	}
	if diff := cmp.Diff(want, f.Articles[0]); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse(strings.NewReader("articles:\n  - title: Missing everything\n"))
	require.ErrorIs(t, err, article.ErrMissingField)

	_, err = Parse(strings.NewReader("posts: []\n"))
	require.ErrorContains(t, err, "decoding seed file")

	f, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, f.Articles)
}

func TestImportFile(t *testing.T) {
	articles, bucket := newStores(t)
	im := NewImporter(articles, bucket, nil)
	ctx := context.Background()
	path := writeSeed(t, seedYAML)

	result, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, &Result{Created: 2}, result)

	deep, err := articles.Get(ctx, "deep-time")
	require.NoError(t, err)
	require.Equal(t, "https://raw.githubusercontent.com/acme/site/main/deep.png", deep.ImageURL)
	require.NoError(t, bucket.Verify(ctx, deep.PDFPath))
	require.Equal(t, bucket.PublicURL(deep.PDFPath), deep.PDFURL)

	all, err := articles.List(ctx, article.Query{})
	require.NoError(t, err)
	got := make([]string, len(all))
	for i, a := range all {
		got[i] = a.PDFURL
	}
	require.Contains(t, got, "https://example.org/paper.pdf")

	// Re-import skips the entry with a known id and duplicates the other.
	result, err = im.ImportFile(ctx, path)
	require.NoError(t, err)
	if diff := cmp.Diff(&Result{Created: 1, Skipped: 1}, result, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestImport_MissingPDF(t *testing.T) {
	articles, bucket := newStores(t)
	im := NewImporter(articles, bucket, nil)

	path := writeSeed(t, strings.Replace(seedYAML, "papers/deep-time.pdf", "papers/missing.pdf", 1))
	result, err := im.ImportFile(context.Background(), path)
	require.ErrorContains(t, err, "opening pdf")
	require.Zero(t, result.Created)

	objs, err := bucket.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, objs)
}
