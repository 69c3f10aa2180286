package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

var ErrNoQRCode = errors.New("image does not contain a recognisable QR code")

// finderModules is the width of a QR finder pattern in modules.
const finderModules = 7

// Matrix is a decoded grid of QR modules, true meaning dark.
type Matrix [][]bool

// DecodeMatrix recovers the module grid of a rendered QR image. The module
// size is taken from the top-left finder pattern.
func DecodeMatrix(data []byte) (Matrix, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if dark(img.At(x, y)) {
				minX, minY = min(minX, x), min(minY, y)
				maxX, maxY = max(maxX, x), max(maxY, y)
			}
		}
	}
	if maxX < minX {
		return nil, ErrNoQRCode
	}

	run := 0
	for x := minX; x <= maxX && dark(img.At(x, minY)); x++ {
		run++
	}
	module := run / finderModules
	if module < 1 || run%finderModules != 0 {
		return nil, ErrNoQRCode
	}

	cols := (maxX - minX + 1) / module
	rows := (maxY - minY + 1) / module
	if cols < finderModules || rows < finderModules {
		return nil, ErrNoQRCode
	}

	m := make(Matrix, rows)
	for r := 0; r < rows; r++ {
		m[r] = make([]bool, cols)
		for c := 0; c < cols; c++ {
			m[r][c] = dark(img.At(minX+c*module+module/2, minY+r*module+module/2))
		}
	}
	return m, nil
}

// Blocks draws m with half-block characters, two module rows per line, inside
// a one module quiet zone. Dark modules are drawn as spaces on a light
// background when inverted is set, which suits dark terminals.
func (m Matrix) Blocks(inverted bool) string {
	if len(m) == 0 {
		return ""
	}
	cols := len(m[0])
	at := func(r, c int) bool {
		if r < 0 || r >= len(m) || c < 0 || c >= cols {
			return inverted
		}
		return m[r][c] != inverted
	}

	var sb strings.Builder
	for r := -1; r <= len(m); r += 2 {
		for c := -1; c <= cols; c++ {
			top, bottom := at(r, c), at(r+1, c)
			switch {
			case top && bottom:
				sb.WriteString("█")
			case top:
				sb.WriteString("▀")
			case bottom:
				sb.WriteString("▄")
			default:
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func dark(c color.Color) bool {
	g := color.GrayModel.Convert(c).(color.Gray)
	_, _, _, a := c.RGBA()
	return a > 0x7fff && g.Y < 128
}
