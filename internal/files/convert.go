package files

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	// Register decoders; BMP and WebP come from x/image.
	_ "image/gif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var ErrBadImage = errors.New("cannot decode image")

// ConvertImage re-encodes an image stream into the target format
// ("png" or "jpg") and returns the encoded bytes plus the detected
// source format.
func ConvertImage(r io.Reader, target string) ([]byte, string, error) {
	img, srcFormat, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	var buf bytes.Buffer
	switch strings.ToLower(target) {
	case "png":
		err = png.Encode(&buf, img)
	case "jpg", "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	default:
		return nil, srcFormat, fmt.Errorf("unsupported target format %q", target)
	}
	if err != nil {
		return nil, srcFormat, err
	}
	return buf.Bytes(), srcFormat, nil
}

// ConvertedName swaps the extension for the target format.
func ConvertedName(name, target string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base = "image"
	}
	if strings.EqualFold(target, "jpeg") {
		target = "jpg"
	}
	return base + "." + strings.ToLower(target)
}
