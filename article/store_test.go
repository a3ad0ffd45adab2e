package article

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "articles.db"), WithNow(now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func sample(title, category, published string, project bool) *Article {
	return &Article{
		Title:         title,
		Description:   title + " description",
		Category:      category,
		ImageURL:      "https://raw.githubusercontent.com/acme/site/main/" + title + ".png",
		PDFURL:        "https://clockwork.earth/storage/pdf-articles/" + title + ".pdf",
		PDFPath:       title + ".pdf",
		IsProject:     project,
		PublishedDate: published,
		Author:        "Ada",
		ReadTime:      "5 min",
	}
}

func TestCreateAndGet(t *testing.T) {
	now := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	s := newTestStore(t, fixedClock(now))
	ctx := context.Background()

	in := sample("orbits", "astronomy", "", false)
	in.RepositoryURL = "https://github.com/acme/orbits"
	created, err := s.Create(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "2025-03-14", created.PublishedDate)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(created, got); diff != "" {
		t.Errorf("article mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_PathWithURIMetacharacters(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data?v=1#frag")
	s, err := Open(filepath.Join(dir, "articles.db"), WithNow(time.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	created, err := s.Create(ctx, sample("tides", "oceans", "2025-01-02", false))
	require.NoError(t, err)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "tides", got.Title)
}

func TestReadOnlyDSN(t *testing.T) {
	require.Equal(t, "file:///srv/a%3Fb%23c/articles.db?mode=ro", readOnlyDSN("/srv/a?b#c/articles.db"))
}

func TestCreate_Validates(t *testing.T) {
	s := newTestStore(t, time.Now)

	a := sample("x", "physics", "", false)
	a.Author = ""
	a.ImageURL = "  "
	_, err := s.Create(context.Background(), a)
	require.ErrorIs(t, err, ErrMissingField)
	require.ErrorContains(t, err, "image_url, author")

	b := sample("y", "physics", "14/03/2025", false)
	_, err = s.Create(context.Background(), b)
	require.ErrorContains(t, err, "invalid published_date")
}

func TestUpdate(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := newTestStore(t, func() time.Time { return clock })
	ctx := context.Background()

	created, err := s.Create(ctx, sample("tides", "oceans", "2024-12-31", false))
	require.NoError(t, err)

	clock = now.Add(time.Hour)
	edit := *created
	edit.Title = "tides revisited"
	edit.IsProject = true
	edit.PDFPath = ""
	updated, err := s.Update(ctx, &edit)
	require.NoError(t, err)

	want := edit
	want.UpdatedAt = clock
	if diff := cmp.Diff(&want, updated); diff != "" {
		t.Errorf("updated article mismatch (-want +got):\n%s", diff)
	}
	require.True(t, updated.CreatedAt.Equal(now))

	missing := edit
	missing.ID = "does-not-exist"
	_, err = s.Update(ctx, &missing)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, time.Now)
	ctx := context.Background()

	created, err := s.Create(ctx, sample("comets", "astronomy", "2025-02-01", false))
	require.NoError(t, err)

	removed, err := s.Delete(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "comets.pdf", removed.PDFPath)

	_, err = s.Get(ctx, created.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Delete(ctx, created.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	s := newTestStore(t, time.Now)
	ctx := context.Background()

	for _, a := range []*Article{
		sample("a", "astronomy", "2025-01-01", false),
		sample("b", "oceans", "2025-03-01", true),
		sample("c", "astronomy", "2025-02-01", true),
		sample("d", "astronomy", "2024-06-01", true),
		sample("e", "climate", "2025-04-01", true),
	} {
		_, err := s.Create(ctx, a)
		require.NoError(t, err)
	}

	titles := func(as []Article) []string {
		out := make([]string, len(as))
		for i, a := range as {
			out[i] = a.Title
		}
		return out
	}

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Equal(t, []string{"e", "b", "c", "a", "d"}, titles(all))

	astro, err := s.List(ctx, Query{Category: "astronomy"})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "d"}, titles(astro))

	projects, err := s.List(ctx, Query{ProjectsOnly: true, Category: "astronomy"})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, titles(projects))

	featured, err := s.List(ctx, Query{ProjectsOnly: true, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"e", "b", "c"}, titles(featured))

	none, err := s.List(ctx, Query{Category: "geology"})
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)

	cats, err := s.Categories(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"astronomy", "climate", "oceans"}, cats)
}

func TestGetProject(t *testing.T) {
	s := newTestStore(t, time.Now)
	ctx := context.Background()

	article, err := s.Create(ctx, sample("plain", "misc", "", false))
	require.NoError(t, err)
	project, err := s.Create(ctx, sample("proj", "misc", "", true))
	require.NoError(t, err)

	_, err = s.GetProject(ctx, article.ID)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, "proj", got.Title)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "articles.db")
	s, err := Open(path)
	require.NoError(t, err)
	created, err := s.Create(context.Background(), sample("kept", "misc", "", false))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, "kept", got.Title)
}

func TestPDFPaths(t *testing.T) {
	s := newTestStore(t, time.Now)
	ctx := context.Background()

	_, err := s.Create(ctx, sample("one", "misc", "", false))
	require.NoError(t, err)
	noPDF := sample("two", "misc", "", false)
	noPDF.PDFPath = ""
	_, err = s.Create(ctx, noPDF)
	require.NoError(t, err)

	paths, err := s.PDFPaths(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"one.pdf": {}}, paths)
}
