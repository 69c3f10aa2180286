package pairing

import (
	"fmt"
	"time"
)

// State is the controller's position in the pairing lifecycle.
type State int

const (
	StateIdle State = iota
	StateIssuing
	StateActive
	StateExpired
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIssuing:
		return "issuing"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is the one live pairing code of a controller.
type Session struct {
	Token            string
	PIN              string
	TTLSeconds       int
	RemainingSeconds int
	Status           string
	IssuedAt         time.Time
	DeviceName       string
	Message          string
}

// QRState tracks the asynchronous QR asset load.
type QRState int

const (
	QRNone QRState = iota
	QRLoading
	QRLoaded
	QRFailed
)

func (s QRState) String() string {
	switch s {
	case QRLoading:
		return "loading"
	case QRLoaded:
		return "loaded"
	case QRFailed:
		return "failed"
	default:
		return "none"
	}
}

func (s QRState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// QRAsset is a loaded QR image for a token.
type QRAsset struct {
	Token       string
	URL         string
	ContentType string
	Data        []byte
}

type QRView struct {
	State QRState `json:"state"`
	URL   string  `json:"url,omitempty"`
	Error string  `json:"error,omitempty"`
	Image []byte  `json:"-"`
}

// PINPlaceholder is shown while no code is available.
const PINPlaceholder = "------"

// View is an immutable snapshot of everything a rendering surface needs.
type View struct {
	WidgetID           string  `json:"widget_id,omitempty"`
	State              State   `json:"state"`
	PIN                string  `json:"pin"`
	Countdown          string  `json:"countdown"`
	RemainingSeconds   int     `json:"remaining_seconds"`
	TTLSeconds         int     `json:"ttl_seconds"`
	Progress           float64 `json:"progress"`
	Warning            bool    `json:"warning"`
	StatusMessage      string  `json:"status_message,omitempty"`
	SuccessMessage     string  `json:"success_message,omitempty"`
	ErrorMessage       string  `json:"error_message,omitempty"`
	DeviceName         string  `json:"device_name,omitempty"`
	RefreshEnabled     bool    `json:"refresh_enabled"`
	ExpiryVisible      bool    `json:"expiry_visible"`
	PreviouslyVerified bool    `json:"previously_verified"`
	QR                 QRView  `json:"qr"`
}

// FormatCountdown renders seconds as MM:SS.
func FormatCountdown(totalSeconds int) string {
	if totalSeconds < 0 {
		totalSeconds = 0
	}
	return fmt.Sprintf("%02d:%02d", totalSeconds/60, totalSeconds%60)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
