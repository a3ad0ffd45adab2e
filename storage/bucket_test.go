package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	clockwork "github.com/clockwork-earth/clockwork"
	"github.com/clockwork-earth/clockwork/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPDF = []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

func newTestBucket(t *testing.T, opts ...Option) (*Bucket, *backend.Filesystem) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	opts = append([]Option{WithNoSync(true), WithPublicBaseURL("https://clockwork.earth/")}, opts...)
	b := New(fs, opts...)
	require.NoError(t, b.OpenIndex(filepath.Join(t.TempDir(), "objects.db")))
	t.Cleanup(func() { _ = b.Close() })
	return b, fs
}

func TestUpload_StoresAndIndexes(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	b, fs := newTestBucket(t, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	obj, err := b.Upload(ctx, "Paper.PDF", "application/pdf", bytes.NewReader(testPDF))
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(obj.Path, ".pdf"))
	assert.Equal(t, "https://clockwork.earth/storage/pdf-articles/"+obj.Path, obj.URL)
	assert.EqualValues(t, len(testPDF), obj.Size)
	assert.Equal(t, clockwork.HashBytes(testPDF), obj.Hash)
	assert.Equal(t, ContentTypePDF, obj.ContentType)
	assert.Equal(t, now, obj.CreatedAt)

	ok, err := fs.Exists(ctx, clockwork.ObjectKey(DefaultBucket, obj.Path))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := b.Stat(ctx, obj.Path)
	require.NoError(t, err)
	assert.Equal(t, obj, got)

	require.NoError(t, b.Verify(ctx, obj.Path))
}

func TestUpload_Rejections(t *testing.T) {
	b, _ := newTestBucket(t, WithMaxSize(int64(len(testPDF))))
	ctx := context.Background()

	_, err := b.Upload(ctx, "a.pdf", "image/png", bytes.NewReader(testPDF))
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = b.Upload(ctx, "a.pdf", "application/pdf", strings.NewReader("<html>not a pdf</html>"))
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = b.Upload(ctx, "a.pdf", "application/pdf", bytes.NewReader(append(testPDF, 'x')))
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = b.Upload(ctx, "a.pdf", "application/pdf", strings.NewReader(""))
	require.ErrorIs(t, err, ErrEmpty)

	objs, err := b.List(ctx)
	require.NoError(t, err)
	require.Empty(t, objs)
}

func TestUpload_DefaultLimitIsTenMiB(t *testing.T) {
	b, _ := newTestBucket(t)
	big := append(append([]byte{}, testPDF...), make([]byte, DefaultMaxSize)...)

	_, err := b.Upload(context.Background(), "big.pdf", "", bytes.NewReader(big))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDelete(t *testing.T) {
	b, fs := newTestBucket(t)
	ctx := context.Background()

	obj, err := b.Upload(ctx, "a.pdf", "application/pdf", bytes.NewReader(testPDF))
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, obj.Path))
	require.NoError(t, b.Delete(ctx, obj.Path))

	_, err = b.Stat(ctx, obj.Path)
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := fs.Exists(ctx, clockwork.ObjectKey(DefaultBucket, obj.Path))
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, b.Delete(ctx, "../escape.pdf"), ErrInvalidName)
}

func TestList_OldestFirst(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b, _ := newTestBucket(t, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	first, err := b.Upload(ctx, "1.pdf", "", bytes.NewReader(testPDF))
	require.NoError(t, err)
	now = now.Add(time.Minute)
	second, err := b.Upload(ctx, "2.pdf", "", bytes.NewReader(testPDF))
	require.NoError(t, err)

	objs, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, first.Path, objs[0].Path)
	assert.Equal(t, second.Path, objs[1].Path)
}

func TestVerify_DetectsTampering(t *testing.T) {
	b, fs := newTestBucket(t)
	ctx := context.Background()

	obj, err := b.Upload(ctx, "a.pdf", "", bytes.NewReader(testPDF))
	require.NoError(t, err)

	require.NoError(t, fs.Write(ctx, clockwork.ObjectKey(DefaultBucket, obj.Path), strings.NewReader("%PDF-tampered")))
	require.ErrorContains(t, b.Verify(ctx, obj.Path), "hash mismatch")
}

func TestPathFromURL(t *testing.T) {
	assert.Equal(t, "abc.pdf", PathFromURL("https://clockwork.earth/storage/pdf-articles/abc.pdf"))
	assert.Equal(t, "abc.pdf", PathFromURL("/storage/pdf-articles/abc.pdf"))
	assert.Equal(t, "", PathFromURL("https://clockwork.earth/"))
	assert.Equal(t, "", PathFromURL("://bad"))
}
