// Package proxy relays remote documents to the browser so that pages can
// embed PDFs hosted on origins that refuse cross-origin or inline display.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clockwork-earth/clockwork/telemetry"
)

const (
	// DefaultTimeout bounds one upstream request.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes caps how much of an upstream body is buffered.
	DefaultMaxBytes = 50 << 20

	// UserAgent is sent on every upstream request.
	UserAgent = "Mozilla/5.0 (compatible; PDFProxyBot/1.0)"

	acceptPDF  = "application/pdf,*/*"
	acceptHTML = "text/html,application/xhtml+xml,*/*"
)

var (
	// ErrMissingURL is returned when a request carries no target URL.
	ErrMissingURL = errors.New("missing URL parameter")

	// ErrEmptyContent is returned when the upstream answered 2xx with no body.
	ErrEmptyContent = errors.New("received empty content")

	// ErrHostNotAllowed is returned when an allow-list is configured and the
	// target host is not on it.
	ErrHostNotAllowed = errors.New("host not allowed")

	// ErrTooLarge is returned when the upstream body exceeds the size cap.
	ErrTooLarge = errors.New("upstream content too large")
)

// UpstreamError reports a non-2xx upstream response.
type UpstreamError struct {
	Status     int
	StatusText string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.Status, e.StatusText)
}

// Document is a fully buffered upstream body.
type Document struct {
	Body        []byte
	ContentType string
}

// Upstream performs outbound document fetches.
type Upstream struct {
	client   *http.Client
	allowed  map[string]struct{}
	tokens   map[string]string
	maxBytes int64
	logger   *slog.Logger
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithAllowedHosts restricts fetches to the given hosts and their subdomains.
// An empty list leaves the proxy open.
func WithAllowedHosts(hosts []string) UpstreamOption {
	return func(u *Upstream) {
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h == "" {
				continue
			}
			if u.allowed == nil {
				u.allowed = make(map[string]struct{})
			}
			u.allowed[h] = struct{}{}
		}
	}
}

// WithHostTokens sends "Authorization: Bearer <token>" on requests to the
// given hosts, for documents kept in private repositories.
func WithHostTokens(tokens map[string]string) UpstreamOption {
	return func(u *Upstream) {
		for h, tok := range tokens {
			h = strings.ToLower(strings.TrimSpace(h))
			if h == "" || tok == "" {
				continue
			}
			if u.tokens == nil {
				u.tokens = make(map[string]string)
			}
			u.tokens[h] = tok
		}
	}
}

// WithMaxBytes sets the upstream body cap. Non-positive values keep the default.
func WithMaxBytes(n int64) UpstreamOption {
	return func(u *Upstream) {
		if n > 0 {
			u.maxBytes = n
		}
	}
}

// WithUpstreamLogger sets the logger used for fetch diagnostics.
func WithUpstreamLogger(logger *slog.Logger) UpstreamOption {
	return func(u *Upstream) {
		u.logger = logger
	}
}

// NewUpstream creates an upstream fetcher. Requests go through an
// instrumented transport so every fetch is counted.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "proxy"),
		},
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// FetchPDF fetches rawURL asking for a PDF.
func (u *Upstream) FetchPDF(ctx context.Context, rawURL string) (*Document, error) {
	return u.fetch(telemetry.WithSource(ctx, "pdf"), rawURL, acceptPDF)
}

// FetchHTML fetches rawURL asking for an HTML page.
func (u *Upstream) FetchHTML(ctx context.Context, rawURL string) (*Document, error) {
	return u.fetch(telemetry.WithSource(ctx, "html"), rawURL, acceptHTML)
}

func (u *Upstream) fetch(ctx context.Context, rawURL, accept string) (*Document, error) {
	if rawURL == "" {
		return nil, ErrMissingURL
	}
	if err := u.checkHost(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", UserAgent)
	if tok, ok := u.tokens[strings.ToLower(req.URL.Hostname())]; ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		u.logger.Warn("upstream fetch failed", "url", rawURL, "status", resp.StatusCode)
		return nil, &UpstreamError{Status: resp.StatusCode, StatusText: statusText(resp)}
	}

	// Read one byte past the cap so an exact-cap body is still accepted.
	body, err := io.ReadAll(io.LimitReader(resp.Body, u.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > u.maxBytes {
		return nil, ErrTooLarge
	}
	if len(body) == 0 {
		return nil, ErrEmptyContent
	}

	u.logger.Debug("upstream fetch complete", "url", rawURL, "bytes", len(body))

	return &Document{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (u *Upstream) checkHost(rawURL string) error {
	if len(u.allowed) == 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	host := strings.ToLower(parsed.Hostname())
	for host != "" {
		if _, ok := u.allowed[host]; ok {
			return nil
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, parsed.Hostname())
}

// statusText returns the upstream reason phrase, falling back to the
// canonical text when the server sent none.
func statusText(resp *http.Response) string {
	text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	text = strings.TrimSpace(text)
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}
