// Package render draws controller views on a terminal.
package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"pairing-widget/internal/pairing"
	"pairing-widget/internal/trust"
	"pairing-widget/internal/util"
)

const (
	clearScreen = "\033[H\033[2J"
	barWidth    = 30
)

// Terminal renders pairing and trust views as text frames. It satisfies
// pairing.Renderer.
type Terminal struct {
	w        io.Writer
	clear    bool
	inverted bool
	logger   *zap.Logger

	mu     sync.Mutex
	qrURL  string
	qrText string
	last   pairing.View
	trust  *trust.View
}

type TerminalOption func(*Terminal)

// WithClearScreen redraws every frame in place.
func WithClearScreen(on bool) TerminalOption {
	return func(t *Terminal) { t.clear = on }
}

// WithInvertedQR draws light modules as blocks, for dark backgrounds.
func WithInvertedQR(on bool) TerminalOption {
	return func(t *Terminal) { t.inverted = on }
}

func WithLogger(l *zap.Logger) TerminalOption {
	return func(t *Terminal) {
		if l != nil {
			t.logger = l
		}
	}
}

func NewTerminal(w io.Writer, opts ...TerminalOption) *Terminal {
	t := &Terminal{w: w, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Render draws a full frame for v.
func (t *Terminal) Render(v pairing.View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = v
	t.drawLocked()
}

// RenderTrust updates the trust panel shown under the pairing frame.
func (t *Terminal) RenderTrust(v trust.View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trust = &v
	t.drawLocked()
}

func (t *Terminal) drawLocked() {
	var sb strings.Builder
	if t.clear {
		sb.WriteString(clearScreen)
	}
	sb.WriteString(Frame(t.last, t.qrBlocksLocked(t.last.QR)))
	if t.trust != nil {
		sb.WriteString("\n")
		sb.WriteString(TrustFrame(*t.trust))
	}
	if _, err := io.WriteString(t.w, sb.String()); err != nil {
		t.logger.Debug("Failed to write frame", util.ErrorField(err))
	}
}

// qrBlocksLocked decodes the QR image once per URL.
func (t *Terminal) qrBlocksLocked(qr pairing.QRView) string {
	if qr.State != pairing.QRLoaded || len(qr.Image) == 0 {
		return ""
	}
	if qr.URL == t.qrURL && t.qrText != "" {
		return t.qrText
	}
	m, err := DecodeMatrix(qr.Image)
	if err != nil {
		t.logger.Debug("QR image not drawable", util.ErrorField(err))
		t.qrURL, t.qrText = qr.URL, ""
		return ""
	}
	t.qrURL, t.qrText = qr.URL, m.Blocks(t.inverted)
	return t.qrText
}

// Frame formats v. qrBlocks, when non-empty, is drawn above the PIN.
func Frame(v pairing.View, qrBlocks string) string {
	var sb strings.Builder

	if v.PreviouslyVerified {
		sb.WriteString("This browser was verified before.\n\n")
	}

	switch {
	case v.State == pairing.StateActive && qrBlocks != "":
		sb.WriteString(qrBlocks)
		sb.WriteString("\n")
	case v.State == pairing.StateActive && v.QR.State == pairing.QRLoading:
		sb.WriteString("Loading QR code...\n\n")
	case v.State == pairing.StateActive && v.QR.State == pairing.QRFailed:
		sb.WriteString(v.QR.Error + "\n\n")
	}

	fmt.Fprintf(&sb, "PIN:        %s\n", spacedPIN(v.PIN))
	if v.TTLSeconds > 0 && v.State != pairing.StateConfirmed {
		marker := ""
		if v.Warning {
			marker = "  !"
		}
		fmt.Fprintf(&sb, "Expires in: %s  %s%s\n", v.Countdown, progressBar(v.Progress), marker)
	}
	if v.StatusMessage != "" {
		fmt.Fprintf(&sb, "Status:     %s\n", v.StatusMessage)
	}
	if v.SuccessMessage != "" && v.SuccessMessage != v.StatusMessage {
		fmt.Fprintf(&sb, "Message:    %s\n", v.SuccessMessage)
	}
	if v.ErrorMessage != "" {
		fmt.Fprintf(&sb, "Error:      %s\n", v.ErrorMessage)
	}
	if v.ExpiryVisible {
		sb.WriteString("\nThis code has expired.\n")
	}
	if v.RefreshEnabled {
		sb.WriteString("\n[r] new code  [q] quit\n")
	} else {
		sb.WriteString("\n[q] quit\n")
	}
	return sb.String()
}

// TrustFrame formats the trust panel.
func TrustFrame(v trust.View) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Site:       %s\n", v.Hostname)
	switch v.Status {
	case trust.StatusVerified:
		sb.WriteString("Trust:      verified")
		if v.LastVerifiedAt != "" {
			sb.WriteString(" (last " + v.LastVerifiedAt + ")")
		}
		sb.WriteString("\n")
	case trust.StatusUnverified:
		sb.WriteString("Trust:      not verified\n")
	case trust.StatusError:
		fmt.Fprintf(&sb, "Trust:      error: %s\n", v.Message)
	default:
		sb.WriteString("Trust:      checking...\n")
	}
	if v.Session != nil {
		fmt.Fprintf(&sb, "Verify at:  %s\n", v.Session.QRCodeURL)
	}
	return sb.String()
}

func spacedPIN(pin string) string {
	if len(pin) != 6 {
		return pin
	}
	return pin[:3] + " " + pin[3:]
}

func progressBar(p float64) string {
	filled := int(p*barWidth + 0.5)
	filled = max(0, min(filled, barWidth))
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}
