package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairing-widget/internal/pairing"
	"pairing-widget/internal/trust"
)

func testMatrix() Matrix {
	const size = 21
	m := make(Matrix, size)
	for r := range m {
		m[r] = make([]bool, size)
	}
	finder := func(top, left int) {
		for r := 0; r < 7; r++ {
			for c := 0; c < 7; c++ {
				ring := r == 0 || r == 6 || c == 0 || c == 6
				core := r >= 2 && r <= 4 && c >= 2 && c <= 4
				m[top+r][left+c] = ring || core
			}
		}
	}
	finder(0, 0)
	finder(0, 14)
	finder(14, 0)
	m[10][10] = true
	m[12][8] = true
	m[20][20] = true
	return m
}

func encodePNG(t *testing.T, m Matrix, scale, quiet int) []byte {
	t.Helper()
	size := len(m)*scale + 2*quiet
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	for r, row := range m {
		for c, on := range row {
			if !on {
				continue
			}
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					img.SetGray(quiet+c*scale+dx, quiet+r*scale+dy, color.Gray{Y: 0})
				}
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeMatrix(t *testing.T) {
	want := testMatrix()
	for _, scale := range []int{1, 3, 8} {
		got, err := DecodeMatrix(encodePNG(t, want, scale, 4*scale))
		require.NoError(t, err, "scale %d", scale)
		assert.Equal(t, want, got, "scale %d", scale)
	}
}

func TestDecodeMatrix_Rejects(t *testing.T) {
	_, err := DecodeMatrix([]byte("not an image"))
	assert.Error(t, err)

	blank := make(Matrix, 21)
	for r := range blank {
		blank[r] = make([]bool, 21)
	}
	_, err = DecodeMatrix(encodePNG(t, blank, 2, 4))
	assert.ErrorIs(t, err, ErrNoQRCode)
}

func TestMatrixBlocks(t *testing.T) {
	m := Matrix{{true, false}, {true, true}, {false, true}}
	got := m.Blocks(false)

	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	// one quiet module on each side, two module rows per line
	require.Len(t, lines, 3)
	assert.Equal(t, " ▄  ", lines[0])
	assert.Equal(t, " ▀█ ", lines[1])
	assert.Equal(t, "    ", lines[2])

	inverted := m.Blocks(true)
	assert.True(t, strings.HasPrefix(inverted, "█▀██\n"))
}

func TestFrame_Active(t *testing.T) {
	v := pairing.View{
		State:            pairing.StateActive,
		PIN:              "482913",
		Countdown:        "02:00",
		RemainingSeconds: 120,
		TTLSeconds:       120,
		Progress:         1,
		StatusMessage:    "Waiting for QR scan or PIN entry...",
		QR:               pairing.QRView{State: pairing.QRLoading},
	}
	out := Frame(v, "")

	assert.Contains(t, out, "PIN:        482 913")
	assert.Contains(t, out, "Expires in: 02:00  ["+strings.Repeat("#", barWidth)+"]")
	assert.Contains(t, out, "Loading QR code...")
	assert.Contains(t, out, "[q] quit")
	assert.NotContains(t, out, "[r] new code")
	assert.NotContains(t, out, "expired")
}

func TestFrame_ExpiredAndConfirmed(t *testing.T) {
	expired := Frame(pairing.View{
		State:          pairing.StateExpired,
		PIN:            "482913",
		Countdown:      "00:00",
		TTLSeconds:     120,
		Warning:        true,
		ExpiryVisible:  true,
		RefreshEnabled: true,
	}, "")
	assert.Contains(t, expired, "This code has expired.")
	assert.Contains(t, expired, "[r] new code")
	assert.Contains(t, expired, "  !")

	confirmed := Frame(pairing.View{
		State:              pairing.StateConfirmed,
		PIN:                "482913",
		TTLSeconds:         120,
		StatusMessage:      "Pairing confirmed (Pixel 8)",
		SuccessMessage:     "OK",
		RefreshEnabled:     true,
		PreviouslyVerified: true,
	}, "")
	assert.Contains(t, confirmed, "Message:    OK")
	assert.Contains(t, confirmed, "verified before")
	assert.NotContains(t, confirmed, "Expires in")
}

func TestTerminal_RendersQRAndTrust(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, WithClearScreen(true))

	img := encodePNG(t, testMatrix(), 2, 8)
	term.Render(pairing.View{
		State: pairing.StateActive,
		PIN:   "482913",
		QR:    pairing.QRView{State: pairing.QRLoaded, URL: "http://x/qr/t?t=1", Image: img},
	})
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, clearScreen))
	assert.Contains(t, out, "█")
	assert.Contains(t, out, "482 913")

	buf.Reset()
	term.RenderTrust(trust.View{Hostname: "portal.gov.pl", Status: trust.StatusVerified, LastVerifiedAt: "2026-01-01"})
	out = buf.String()
	assert.Contains(t, out, "Site:       portal.gov.pl")
	assert.Contains(t, out, "Trust:      verified (last 2026-01-01)")
	assert.Contains(t, out, "█", "QR stays cached between frames")
}
