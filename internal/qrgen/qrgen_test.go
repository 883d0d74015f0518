package qrgen

import (
	"bytes"
	"errors"
	"image"
	_ "image/png"
	"strings"
	"testing"
)

func TestEncodeProducesPNG(t *testing.T) {
	b, err := Encode("https://example.com", 256)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil || format != "png" {
		t.Fatalf("decode: format=%q err=%v", format, err)
	}
	if cfg.Width != 256 || cfg.Height != 256 {
		t.Fatalf("size: got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestEncodeValidation(t *testing.T) {
	if _, err := Encode("   ", 0); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty: got %v, want ErrEmpty", err)
	}
	if _, err := Encode(strings.Repeat("x", 2000), 0); !errors.Is(err, ErrTooLong) {
		t.Fatalf("long: got %v, want ErrTooLong", err)
	}
}
