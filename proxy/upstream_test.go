package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpstream_ExactCapAccepted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 16))
	}))
	defer upstream.Close()

	doc, err := NewUpstream(WithMaxBytes(16)).FetchPDF(context.Background(), upstream.URL)
	require.NoError(t, err)
	require.Len(t, doc.Body, 16)
}

func TestUpstream_Errors(t *testing.T) {
	u := NewUpstream()

	_, err := u.FetchPDF(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingURL)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	_, err = u.FetchPDF(context.Background(), upstream.URL)
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	require.Equal(t, http.StatusForbidden, upErr.Status)
	require.Equal(t, "Forbidden", upErr.StatusText)
}

func TestUpstream_CheckHost(t *testing.T) {
	u := NewUpstream(WithAllowedHosts([]string{" GitHub.com ", "", "dropbox.com"}))

	require.NoError(t, u.checkHost("https://github.com/a/b"))
	require.NoError(t, u.checkHost("https://raw.github.com/a/b"))
	require.NoError(t, u.checkHost("https://www.dropbox.com/s/x.pdf"))
	require.ErrorIs(t, u.checkHost("https://evilgithub.com/a"), ErrHostNotAllowed)
	require.ErrorIs(t, u.checkHost("https://example.org/a"), ErrHostNotAllowed)

	require.NoError(t, NewUpstream().checkHost("https://anything.example/"))
}

func TestUpstream_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewUpstream().FetchPDF(ctx, "http://127.0.0.1:1/x.pdf")
	require.ErrorIs(t, err, context.Canceled)
}

func TestUpstream_HostTokens(t *testing.T) {
	var got string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer upstream.Close()

	u := NewUpstream(WithHostTokens(map[string]string{"127.0.0.1": "s3cret", "": "ignored"}))
	_, err := u.FetchPDF(context.Background(), upstream.URL)
	require.NoError(t, err)
	require.Equal(t, "Bearer s3cret", got)

	_, err = NewUpstream().FetchPDF(context.Background(), upstream.URL)
	require.NoError(t, err)
	require.Empty(t, got)
}
