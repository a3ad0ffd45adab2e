package docurl

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// DefaultProxyEndpoint is the site route that relays remote documents.
const DefaultProxyEndpoint = "/api/pdf-proxy"

var whitespace = regexp.MustCompile(`\s+`)

// proxiedHosts need to be fetched server side for inline viewing.
var proxiedHosts = []string{
	"github.com",
	"githubusercontent.com",
	"drive.google.com",
	"dropbox.com",
}

// ShouldProxy reports whether u is hosted somewhere that blocks inline viewing.
func ShouldProxy(u string) bool {
	for _, host := range proxiedHosts {
		if strings.Contains(u, host) {
			return true
		}
	}
	return false
}

// IsRemote reports whether u is an absolute http(s) URL rather than a site path.
func IsRemote(u string) bool {
	return strings.HasPrefix(u, "http")
}

// WithToolbar adds the viewer toolbar fragment unless one is already present.
func WithToolbar(u string) string {
	if strings.Contains(u, "#toolbar=") {
		return u
	}
	return u + "#toolbar=1"
}

// ProxyPath returns the proxy route that fetches u on the caller's behalf.
func ProxyPath(endpoint, u string) string {
	if endpoint == "" {
		endpoint = DefaultProxyEndpoint
	}
	return endpoint + "?url=" + url.QueryEscape(u)
}

// Filename extracts the document name from the last path segment of u,
// without its .pdf extension. When u has no PDF segment the slugged title
// is returned instead.
func Filename(u, fallbackTitle string) string {
	if parsed, err := url.Parse(u); err == nil {
		name := path.Base(parsed.Path)
		if strings.HasSuffix(strings.ToLower(name), ".pdf") {
			name = name[:len(name)-len(".pdf")]
			if decoded, err := url.PathUnescape(name); err == nil {
				return decoded
			}
			return name
		}
	}
	return Slug(fallbackTitle)
}

// Slug lower-cases s and replaces whitespace runs with hyphens.
func Slug(s string) string {
	return strings.ToLower(whitespace.ReplaceAllString(s, "-"))
}

// DownloadName is the attachment filename offered for a document title.
func DownloadName(title string) string {
	return Slug(title) + ".pdf"
}
