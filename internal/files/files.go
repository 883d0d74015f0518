// Package files stores user uploads on disk and serves them back.
// Names are flattened to a single path component so a crafted file
// name can never escape the storage directory.
package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	logx "assistbot/pkg/logx"
)

var (
	ErrNotFound = errors.New("file not found")
	ErrTooLarge = errors.New("file too large")
)

type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
}

type Config struct {
	Dir       string // default "./files"
	MaxSizeMB int    // default 20
}

type Service struct {
	dir     string
	maxSize int64
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = "./files"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	maxMB := cfg.MaxSizeMB
	if maxMB <= 0 {
		maxMB = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{dir: dir, maxSize: int64(maxMB) << 20, log: log}, nil
}

func (s *Service) MaxSize() int64 { return s.maxSize }

// sanitize reduces a client-supplied name to a safe single component.
func sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, ". ")
	if name == "" {
		name = fmt.Sprintf("upload-%d", time.Now().UnixMilli())
	}
	return name
}

// Save writes r under name, renaming on collision ("doc.pdf" becomes
// "doc-2.pdf"). Uploads beyond the size cap fail with ErrTooLarge and
// leave nothing behind.
func (s *Service) Save(name string, r io.Reader) (Info, error) {
	name = sanitize(name)
	path := filepath.Join(s.dir, name)

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		name = fmt.Sprintf("%s-%d%s", base, i, ext)
		path = filepath.Join(s.dir, name)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Info{}, err
	}
	// One extra byte detects an over-limit stream.
	n, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	cerr := f.Close()
	if err == nil && cerr != nil {
		err = cerr
	}
	if err == nil && n > s.maxSize {
		err = fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.maxSize)
	}
	if err != nil {
		_ = os.Remove(path)
		return Info{}, err
	}

	s.log.Debug("file saved", logx.String("name", name), logx.Int64("size", n))
	return Info{Name: name, Size: n, ModTime: time.Now()}, nil
}

func (s *Service) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Open returns the stored file; the caller closes it.
func (s *Service) Open(name string) (io.ReadCloser, Info, error) {
	clean := sanitize(name)
	if clean != name {
		return nil, Info{}, ErrNotFound
	}
	path := filepath.Join(s.dir, clean)
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return nil, Info{}, ErrNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, Info{}, err
	}
	return f, Info{Name: clean, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}
