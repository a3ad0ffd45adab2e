// Package docurl rewrites and inspects document URLs before they are fetched.
//
// Source-hosting "browse" URLs serve an HTML page around a file; the helpers
// here turn them into direct-content URLs that return the raw bytes.
package docurl

import (
	"strings"
)

const (
	repoHost   = "github.com"
	rawHost    = "raw.githubusercontent.com"
	blobMarker = "/blob/"
)

// ToRaw converts a GitHub repository browse URL into a raw content URL:
//
//	https://github.com/user/repo/blob/branch/path/file.pdf
//	https://raw.githubusercontent.com/user/repo/branch/path/file.pdf
//
// Any other input is returned unchanged.
func ToRaw(u string) string {
	if !IsRepoURL(u) {
		return u
	}
	out := strings.Replace(u, repoHost, rawHost, 1)
	return strings.Replace(out, blobMarker, "/", 1)
}

// IsRepoURL reports whether u is a GitHub browse URL that needs conversion.
func IsRepoURL(u string) bool {
	return strings.Contains(u, repoHost) && strings.Contains(u, blobMarker) && !IsRawURL(u)
}

// IsRawURL reports whether u already points at raw GitHub content.
func IsRawURL(u string) bool {
	return strings.Contains(u, rawHost)
}
