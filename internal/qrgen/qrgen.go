// Package qrgen renders QR codes as PNG.
package qrgen

import (
	"errors"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// Keep well under the QR alphanumeric capacity so medium error
// correction always fits.
const maxTextLen = 1000

var (
	ErrEmpty   = errors.New("qr text is empty")
	ErrTooLong = errors.New("qr text too long")
)

// Encode renders text as a PNG of the given pixel size (default 512).
func Encode(text string, size int) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmpty
	}
	if len(text) > maxTextLen {
		return nil, ErrTooLong
	}
	if size <= 0 {
		size = 512
	}
	return qrcode.Encode(text, qrcode.Medium, size)
}
