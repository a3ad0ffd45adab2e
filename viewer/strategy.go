package viewer

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
)

// ErrNoReference is returned by strategies that can only show a local reference.
var ErrNoReference = errors.New("no local reference available")

// Source is what a strategy renders from.
type Source struct {
	// BlobURL serves the locally held bytes; empty when none are held.
	BlobURL string
	// DirectURL is the normalized document URL.
	DirectURL string
	Title     string
}

// Strategy is one way of displaying a PDF inline.
type Strategy interface {
	Name() string
	Render(src Source) (template.HTML, error)
}

// DefaultStrategies returns the standard order: embed first, object second.
func DefaultStrategies() []Strategy {
	return []Strategy{Embed{}, Object{}}
}

var (
	embedTemplate = template.Must(template.New("embed").Parse(
		`<embed src="{{.BlobURL}}" type="application/pdf" class="pdf-frame" onload="viewerEvent('loaded')" onerror="viewerEvent('error')">`))

	objectTemplate = template.Must(template.New("object").Parse(
		`<object data="{{.Data}}" type="application/pdf" class="pdf-frame" onload="viewerEvent('loaded')" onerror="viewerEvent('error')">` +
			`<div class="pdf-unsupported"><p>Your browser doesn't support embedded PDFs.` +
			`<a href="{{.DirectURL}}" target="_blank" rel="noopener noreferrer">Click here to download the PDF</a></p></div>` +
			`</object>`))

	linkTemplate = template.Must(template.New("link").Parse(
		`<div class="pdf-link"><p>{{.Title}}</p>` +
			`<a href="{{.DirectURL}}" target="_blank" rel="noopener noreferrer" onclick="viewerEvent('loaded')">Open PDF in a new tab</a></div>`))
)

func execute(t *template.Template, data any) (template.HTML, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", t.Name(), err)
	}
	return template.HTML(buf.String()), nil //nolint:gosec // produced by html/template
}

// Embed shows the local reference in an <embed> element.
type Embed struct{}

func (Embed) Name() string { return "embed" }

func (Embed) Render(src Source) (template.HTML, error) {
	if src.BlobURL == "" {
		return "", ErrNoReference
	}
	return execute(embedTemplate, src)
}

// Object shows the local reference, or the direct URL when none is held,
// in an <object> element with a download link as fallback content.
type Object struct{}

func (Object) Name() string { return "object" }

func (Object) Render(src Source) (template.HTML, error) {
	data := src.BlobURL
	if data == "" {
		data = src.DirectURL
	}
	if data == "" {
		return "", ErrNoReference
	}
	return execute(objectTemplate, struct {
		Data      string
		DirectURL string
	}{data, src.DirectURL})
}

// Link offers the direct URL as a plain anchor.
type Link struct{}

func (Link) Name() string { return "link" }

func (Link) Render(src Source) (template.HTML, error) {
	if src.DirectURL == "" {
		return "", ErrNoReference
	}
	return execute(linkTemplate, src)
}
