package blobcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clockwork-earth/clockwork/docurl"
	"github.com/clockwork-earth/clockwork/telemetry"
)

// ProxyFetcher fetches documents through the site's own PDF proxy.
// Remote URLs are rewritten onto the proxy endpoint; site-relative paths
// are fetched from the site directly.
type ProxyFetcher struct {
	baseURL  string
	endpoint string
	client   *http.Client
}

// ProxyFetcherOption configures a ProxyFetcher.
type ProxyFetcherOption func(*ProxyFetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ProxyFetcherOption {
	return func(f *ProxyFetcher) {
		f.client = client
	}
}

// WithEndpoint overrides the proxy endpoint path.
func WithEndpoint(endpoint string) ProxyFetcherOption {
	return func(f *ProxyFetcher) {
		f.endpoint = endpoint
	}
}

// NewProxyFetcher creates a fetcher against the site at baseURL.
func NewProxyFetcher(baseURL string, opts ...ProxyFetcherOption) *ProxyFetcher {
	f := &ProxyFetcher{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		endpoint: docurl.DefaultProxyEndpoint,
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: telemetry.NewInstrumentedTransport(nil, "blobcache"),
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URLFor returns the address fetched for doc.
func (f *ProxyFetcher) URLFor(doc string) string {
	if docurl.IsRemote(doc) {
		return f.baseURL + docurl.ProxyPath(f.endpoint, doc)
	}
	if !strings.HasPrefix(doc, "/") {
		doc = "/" + doc
	}
	return f.baseURL + doc
}

// Fetch implements Fetcher.
func (f *ProxyFetcher) Fetch(ctx context.Context, doc string) ([]byte, error) {
	target := f.URLFor(doc)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return nil, &FetchError{
			URL:     doc,
			Message: fmt.Sprintf("Failed to fetch PDF: %d %s", resp.StatusCode, text),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return data, nil
}

var _ Fetcher = (*ProxyFetcher)(nil)
