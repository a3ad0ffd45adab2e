// Package viewer renders a PDF document inside an overlay, walking an
// ordered list of display strategies until one of them succeeds.
package viewer

import "errors"

// State is the position of a viewer in its load state machine.
type State int

const (
	// Loading means the first strategy in the current order is being tried.
	Loading State = iota
	// FallbackLoading means an earlier strategy failed and a later one is being tried.
	FallbackLoading
	// Displayed means the current strategy reported a successful load.
	Displayed
	// Failed means acquisition failed or every strategy failed.
	Failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case FallbackLoading:
		return "fallback_loading"
	case Displayed:
		return "displayed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	minZoom     = 50
	maxZoom     = 200
	zoomStep    = 25
	defaultZoom = 100
	rotateStep  = 90

	// MsgAllStrategiesFailed is shown once no strategy could display the document.
	MsgAllStrategiesFailed = "Failed to load PDF. Please check if the URL is correct and accessible."

	// msgLoadPrefix prefixes acquisition failures.
	msgLoadPrefix = "Failed to load PDF: "
)

var (
	// ErrInvalidTransition is returned for events that do not apply to the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownEvent is returned by Apply for unrecognised event names.
	ErrUnknownEvent = errors.New("unknown event")
)

// RenderState is a point-in-time view of a viewer.
type RenderState struct {
	State         State  `json:"state"`
	Loading       bool   `json:"loading"`
	ErrorMessage  string `json:"error_message,omitempty"`
	UsingFallback bool   `json:"using_fallback"`
	Strategy      string `json:"strategy"`
	Zoom          int    `json:"zoom"`
	Rotation      int    `json:"rotation"`
	Rewritten     bool   `json:"rewritten"`
	DirectURL     string `json:"direct_url"`
	Title         string `json:"title"`
}
