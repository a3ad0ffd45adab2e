package viewer

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/clockwork-earth/clockwork/blobcache"
	"github.com/clockwork-earth/clockwork/docurl"
	"github.com/clockwork-earth/clockwork/telemetry"
)

// BlobSource hands out local references for document URLs.
// *blobcache.Cache satisfies it.
type BlobSource interface {
	Acquire(ctx context.Context, url string) (blobcache.Ref, error)
	Open(ref blobcache.Ref) ([]byte, bool)
}

// Viewer is one open document overlay. Its methods are safe for concurrent
// use and serialize on the viewer's own lock.
type Viewer struct {
	id        string
	title     string
	inputURL  string
	directURL string
	rewritten bool
	blobPath  string

	cache      BlobSource
	direct     blobcache.Fetcher
	strategies []Strategy
	onClose    func()
	logger     *slog.Logger

	mu       sync.Mutex
	state    State
	errMsg   string
	current  int
	zoom     int
	rotation int
	ref      blobcache.Ref
	owned    []byte
	closed   bool
}

// Option configures a Viewer.
type Option func(*Viewer)

// WithLogger sets the logger for the viewer.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Viewer) {
		v.logger = logger
	}
}

// WithStrategies replaces the default strategy order.
func WithStrategies(s ...Strategy) Option {
	return func(v *Viewer) {
		if len(s) > 0 {
			v.strategies = append([]Strategy(nil), s...)
		}
	}
}

// WithDirectFetch makes the viewer fetch bytes itself instead of going
// through the shared cache. Those bytes are owned by the viewer and
// released on Close.
func WithDirectFetch(f blobcache.Fetcher) Option {
	return func(v *Viewer) {
		v.direct = f
	}
}

// WithOnClose registers a callback run once when the viewer closes.
func WithOnClose(fn func()) Option {
	return func(v *Viewer) {
		v.onClose = fn
	}
}

// WithBlobPath sets the path the page uses to load the local reference.
func WithBlobPath(path string) Option {
	return func(v *Viewer) {
		v.blobPath = path
	}
}

// WithID sets the viewer's session id.
func WithID(id string) Option {
	return func(v *Viewer) {
		v.id = id
	}
}

// New creates a viewer for documentURL. Nothing is fetched until Open.
func New(cache BlobSource, documentURL, title string, opts ...Option) *Viewer {
	direct := docurl.ToRaw(documentURL)
	v := &Viewer{
		title:      title,
		inputURL:   documentURL,
		directURL:  direct,
		rewritten:  direct != documentURL,
		cache:      cache,
		strategies: DefaultStrategies(),
		logger:     slog.Default(),
		state:      Loading,
		zoom:       defaultZoom,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ID returns the session id.
func (v *Viewer) ID() string {
	return v.id
}

// Title returns the display title.
func (v *Viewer) Title() string {
	return v.title
}

// Open acquires a local reference for the document and enters Loading on
// the first strategy. If acquisition fails the viewer enters Failed and
// the error is returned.
func (v *Viewer) Open(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadLocked(ctx)
}

func (v *Viewer) loadLocked(ctx context.Context) error {
	v.current = 0
	v.errMsg = ""
	v.setState(ctx, Loading)

	if v.ref != "" {
		if _, ok := v.blobLocked(); ok {
			return nil
		}
		// The cache expired or replaced the entry behind our ref.
		v.logger.Debug("local reference gone, acquiring again", "url", v.directURL)
		v.ref = ""
	}

	var err error
	if v.direct != nil {
		var data []byte
		data, err = v.direct.Fetch(ctx, v.directURL)
		if err == nil {
			if len(data) == 0 {
				err = errors.New("received empty PDF content")
			} else {
				v.owned = data
				v.ref = blobcache.NewRef()
			}
		}
	} else {
		v.ref, err = v.cache.Acquire(ctx, v.directURL)
	}
	if err != nil {
		v.ref = ""
		v.errMsg = msgLoadPrefix + fetchMessage(err)
		v.setState(ctx, Failed)
		v.logger.Warn("loading pdf", "url", v.directURL, "error", err)
		return fmt.Errorf("acquiring %s: %w", v.directURL, err)
	}
	return nil
}

// Loaded records that the current strategy displayed the document. It is
// a no-op when already Displayed, since the page reports every load.
func (v *Viewer) Loaded(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == Displayed {
		return nil
	}
	if v.state != Loading && v.state != FallbackLoading {
		return fmt.Errorf("%w: loaded in %s", ErrInvalidTransition, v.state)
	}
	v.errMsg = ""
	v.setState(ctx, Displayed)
	return nil
}

// LoadFailed records that the current strategy could not display the
// document and moves to the next one. A displayed strategy that fails on a
// later render counts the same way. After the last strategy the viewer
// enters Failed and stays there until Retry.
func (v *Viewer) LoadFailed(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == Failed {
		return fmt.Errorf("%w: error in %s", ErrInvalidTransition, v.state)
	}
	v.advanceLocked(ctx)
	return nil
}

func (v *Viewer) advanceLocked(ctx context.Context) {
	v.current++
	if v.current < len(v.strategies) {
		v.logger.Debug("strategy failed, trying next", "next", v.strategies[v.current].Name())
		v.setState(ctx, FallbackLoading)
		return
	}
	v.current = len(v.strategies) - 1
	v.errMsg = MsgAllStrategiesFailed
	v.setState(ctx, Failed)
}

// Retry leaves Failed by rotating which strategy goes first and loading
// again. The document is acquired again when the previous acquisition
// failed or the cache has since dropped it.
func (v *Viewer) Retry(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Failed {
		return fmt.Errorf("%w: retry in %s", ErrInvalidTransition, v.state)
	}
	if len(v.strategies) > 1 {
		rotated := make([]Strategy, 0, len(v.strategies))
		rotated = append(rotated, v.strategies[1:]...)
		v.strategies = append(rotated, v.strategies[0])
	}
	return v.loadLocked(ctx)
}

// Render returns the markup for the current strategy. A strategy that
// cannot render counts as a load failure and the next one is tried.
// In Failed the result is empty.
func (v *Viewer) Render(ctx context.Context) (template.HTML, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for v.state == Loading || v.state == FallbackLoading || v.state == Displayed {
		s := v.strategies[v.current]
		out, err := s.Render(v.sourceLocked())
		if err == nil {
			return out, nil
		}
		v.logger.Debug("strategy cannot render", "strategy", s.Name(), "error", err)
		if v.state == Displayed {
			return "", err
		}
		v.advanceLocked(ctx)
	}
	return "", nil
}

func (v *Viewer) sourceLocked() Source {
	src := Source{DirectURL: v.directURL, Title: v.title}
	if v.ref != "" && v.blobPath != "" {
		src.BlobURL = v.blobPath
	}
	return src
}

// ZoomIn increases zoom by one step, up to the maximum.
func (v *Viewer) ZoomIn() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.zoom = min(v.zoom+zoomStep, maxZoom)
	return v.zoom
}

// ZoomOut decreases zoom by one step, down to the minimum.
func (v *Viewer) ZoomOut() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.zoom = max(v.zoom-zoomStep, minZoom)
	return v.zoom
}

// Rotate turns the page clockwise by a quarter turn.
func (v *Viewer) Rotate() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rotation = (v.rotation + rotateStep) % 360
	return v.rotation
}

// OpenURL returns the direct document URL for opening in a new tab.
func (v *Viewer) OpenURL() string {
	return v.directURL
}

// Blob returns the locally held bytes, if any.
func (v *Viewer) Blob() ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.blobLocked()
}

func (v *Viewer) blobLocked() ([]byte, bool) {
	if v.ref == "" {
		return nil, false
	}
	if v.owned != nil {
		return v.owned, true
	}
	return v.cache.Open(v.ref)
}

// Download sends the document as an attachment named after the title.
// Without local bytes the client is redirected to the direct URL.
func (v *Viewer) Download(w http.ResponseWriter, r *http.Request) {
	data, ok := v.Blob()
	if !ok {
		http.Redirect(w, r, v.directURL, http.StatusFound)
		return
	}
	name := strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(docurl.DownloadName(v.title))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// Snapshot returns the current render state.
func (v *Viewer) Snapshot() RenderState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return RenderState{
		State:         v.state,
		Loading:       v.state == Loading || v.state == FallbackLoading,
		ErrorMessage:  v.errMsg,
		UsingFallback: v.current > 0,
		Strategy:      v.strategies[v.current].Name(),
		Zoom:          v.zoom,
		Rotation:      v.rotation,
		Rewritten:     v.rewritten,
		DirectURL:     v.directURL,
		Title:         v.title,
	}
}

// Apply dispatches a named event.
func (v *Viewer) Apply(ctx context.Context, event string) error {
	switch event {
	case "loaded":
		return v.Loaded(ctx)
	case "error":
		return v.LoadFailed(ctx)
	case "retry":
		return v.Retry(ctx)
	case "zoom-in":
		v.ZoomIn()
	case "zoom-out":
		v.ZoomOut()
	case "rotate":
		v.Rotate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	return nil
}

// Close releases bytes the viewer fetched itself and runs the close
// callback. References held by the shared cache are left to its expiry.
func (v *Viewer) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	if v.owned != nil {
		v.owned = nil
		v.ref = ""
	}
	onClose := v.onClose
	v.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (v *Viewer) setState(ctx context.Context, s State) {
	v.state = s
	telemetry.RecordViewerTransition(ctx, v.strategies[v.current].Name(), s.String())
}

// fetchMessage extracts the user-facing text from an acquisition error.
func fetchMessage(err error) string {
	var fe *blobcache.FetchError
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	return err.Error()
}
var _ BlobSource = (*blobcache.Cache)(nil)
