// Package qrcode renders QR codes as SVG documents.
package qrcode

import (
	"errors"
	"fmt"
	"strings"

	goqrcode "github.com/skip2/go-qrcode"
)

// Colors and minimum dimension used for channel page codes.
const (
	DefaultMinSize = 200
	DarkColor      = "#000000"
	LightColor     = "#ffffff"
)

// ErrEmptyContent is returned when there is nothing to encode.
var ErrEmptyContent = errors.New("qr content is empty")

// SVG encodes content as a QR code and renders it as an SVG image at least
// minSize pixels wide. Every module is drawn as a square of whole pixels.
func SVG(content string, minSize int) ([]byte, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}

	code, err := goqrcode.New(content, goqrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}

	// Bitmap includes the quiet zone border.
	bitmap := code.Bitmap()
	modules := len(bitmap)
	if modules == 0 {
		return nil, errors.New("qr code has no modules")
	}

	scale := 1
	if minSize > modules {
		scale = (minSize + modules - 1) / modules
	}
	size := modules * scale

	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" standalone="yes"?>`+"\n")
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" version="1.1" width="%d" height="%d" viewBox="0 0 %d %d" shape-rendering="crispEdges">`,
		size, size, size, size)
	fmt.Fprintf(&b, `<rect x="0" y="0" width="%d" height="%d" fill="%s"/>`, size, size, LightColor)
	fmt.Fprintf(&b, `<path fill="%s" d="`, DarkColor)
	for y, row := range bitmap {
		for x, dark := range row {
			if dark {
				fmt.Fprintf(&b, "M%d %dh%dv%dh-%dz", x*scale, y*scale, scale, scale, scale)
			}
		}
	}
	b.WriteString(`"/></svg>`)

	return []byte(b.String()), nil
}
