package proxy

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractBody parses an HTML page and returns the inner markup of its
// body with script, noscript and inline event handlers removed.
func ExtractBody(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	doc.Find("script, noscript").Remove()
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		var handlers []string
		for _, attr := range s.Nodes[0].Attr {
			if strings.HasPrefix(strings.ToLower(attr.Key), "on") {
				handlers = append(handlers, attr.Key)
			}
		}
		for _, key := range handlers {
			s.RemoveAttr(key)
		}
	})

	// The parser always synthesizes a body, even for bare fragments.
	out, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("rendering html: %w", err)
	}
	return strings.TrimSpace(out), nil
}
