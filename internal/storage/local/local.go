// Package local keeps document bytes in a directory tree.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/0xdsaini/telegramdrive/internal/metrics"
)

// ErrInvalidKey is returned for keys that would escape the root directory.
var ErrInvalidKey = errors.New("invalid object key")

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `yaml:"root_path"`
	CreateDirs bool   `yaml:"create_dirs"`
}

// Store keeps each object in its own file. Keys are slash-separated and map
// onto subdirectories of the root, so "chat/msg" lives in <root>/chat/msg.
type Store struct {
	root string
	// mkdir is set when missing parent directories may be created on write.
	mkdir bool
}

// New opens the directory at cfg.RootPath, creating it when allowed.
func New(cfg Config) (*Store, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}

	switch info, err := os.Stat(root); {
	case errors.Is(err, fs.ErrNotExist) && cfg.CreateDirs:
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("create root path %s: %w", root, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root path %s: %w", root, err)
	case !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}
	return &Store{root: root, mkdir: cfg.CreateDirs}, nil
}

// observe records a call once its named error result is final.
func observe(op string, start time.Time, err *error) {
	metrics.RecordBlobOp("local", op, time.Since(start), *err == nil)
}

// resolve maps key onto a file path under the root.
func (s *Store) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || !fs.ValidPath(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// GetObject returns up to length bytes of key starting at offset. A zero
// length reads to the end. The returned size is the number of bytes the
// reader yields.
func (s *Store) GetObject(_ context.Context, key string, offset, length int64) (_ io.ReadCloser, _ int64, err error) {
	defer observe("get", time.Now(), &err)
	p, err := s.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}

	offset = min(max(offset, 0), info.Size())
	n := info.Size() - offset
	if length > 0 {
		n = min(n, length)
	}
	return section{io.NewSectionReader(f, offset, n), f}, n, nil
}

// PutObject writes body to key through a temporary file, so readers never
// see a partial object. A non-negative size must match the bytes written.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, size int64) (err error) {
	defer observe("put", time.Now(), &err)
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if s.mkdir {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".tgdrive-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	written, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("write %s: got %d bytes, want %d", key, written, size)
	}
	if err = os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes key. Deleting a missing object succeeds.
func (s *Store) DeleteObject(_ context.Context, key string) (err error) {
	defer observe("delete", time.Now(), &err)
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ObjectExists reports whether key is stored.
func (s *Store) ObjectExists(_ context.Context, key string) (bool, error) {
	p, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

func (s *Store) Type() string { return "local" }

func (s *Store) Close() error { return nil }

// section closes the file behind a section reader.
type section struct {
	*io.SectionReader
	f *os.File
}

func (r section) Close() error { return r.f.Close() }
