package files

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"

	logx "assistbot/pkg/logx"
)

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir(), MaxSizeMB: 1}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveListOpen(t *testing.T) {
	s := newService(t)

	info, err := s.Save("notes.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if info.Name != "notes.txt" || info.Size != 5 {
		t.Fatalf("Save: got %+v", info)
	}

	// Same name gets a suffix, not an overwrite.
	info2, err := s.Save("notes.txt", strings.NewReader("world!"))
	if err != nil {
		t.Fatalf("Save collision: %v", err)
	}
	if info2.Name != "notes-2.txt" {
		t.Fatalf("collision name: got %q", info2.Name)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List: got %d entries", len(list))
	}

	rc, got, err := s.Open("notes.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "hello" || got.Size != 5 {
		t.Fatalf("Open: got %q %+v", b, got)
	}
}

func TestSanitizeBlocksTraversal(t *testing.T) {
	s := newService(t)

	info, err := s.Save("../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if strings.Contains(info.Name, "/") || strings.Contains(info.Name, "..") {
		t.Fatalf("unsafe stored name: %q", info.Name)
	}
	if _, _, err := s.Open("../" + info.Name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open traversal: got %v, want ErrNotFound", err)
	}
	if _, _, err := s.Open("missing.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open missing: got %v, want ErrNotFound", err)
	}
}

func TestSaveEnforcesSizeLimit(t *testing.T) {
	s := newService(t) // 1 MB cap
	big := bytes.Repeat([]byte{'a'}, (1<<20)+1)
	if _, err := s.Save("big.bin", bytes.NewReader(big)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Save oversized: got %v, want ErrTooLarge", err)
	}
	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("partial file left behind: %+v", list)
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestConvertImage(t *testing.T) {
	src := pngBytes(t)

	out, format, err := ConvertImage(bytes.NewReader(src), "jpg")
	if err != nil {
		t.Fatalf("ConvertImage: %v", err)
	}
	if format != "png" {
		t.Fatalf("source format: got %q", format)
	}
	if _, decoded, err := image.Decode(bytes.NewReader(out)); err != nil || decoded != "jpeg" {
		t.Fatalf("output: format=%q err=%v", decoded, err)
	}

	if _, _, err := ConvertImage(strings.NewReader("not an image"), "png"); !errors.Is(err, ErrBadImage) {
		t.Fatalf("garbage input: got %v, want ErrBadImage", err)
	}
	if _, _, err := ConvertImage(bytes.NewReader(src), "tiff"); err == nil {
		t.Fatal("unsupported target: want error")
	}
}

func TestConvertedName(t *testing.T) {
	cases := []struct{ name, target, want string }{
		{"photo.webp", "png", "photo.png"},
		{"photo", "jpg", "photo.jpg"},
		{"archive.tar.gz", "png", "archive.tar.png"},
		{".hidden", "jpeg", "image.jpg"},
	}
	for _, tc := range cases {
		if got := ConvertedName(tc.name, tc.target); got != tc.want {
			t.Errorf("ConvertedName(%q, %q): got %q, want %q", tc.name, tc.target, got, tc.want)
		}
	}
}
