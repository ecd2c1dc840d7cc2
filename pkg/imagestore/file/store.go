// Package file implements imagestore.Store on a local directory.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/coverscan/pkg/imagestore"
)

// Store keeps images as files under BaseDir.
type Store struct {
	baseDir string
}

// Ensure Store implements the imagestore interfaces.
var (
	_ imagestore.Store  = (*Store)(nil)
	_ imagestore.Pinger = (*Store)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

// New creates the base directory if needed and returns a Store.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := filepath.Clean(cfg.BaseDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, &imagestore.StoreError{Op: "New", Kind: imagestore.KindFile, Key: base, Err: err}
	}
	return &Store{baseDir: base}, nil
}

// BaseDir returns the directory images are stored in.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) Close() error { return nil }

func (s *Store) Ping(ctx context.Context) error {
	_ = ctx
	st, err := os.Stat(s.baseDir)
	if err != nil {
		return s.wrapError("Ping", "", err)
	}
	if !st.IsDir() {
		return s.wrapError("Ping", "", fmt.Errorf("%s is not a directory", s.baseDir))
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_ = ctx
	_ = size
	_ = contentType
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".coverscan-put-*")
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", key, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, *imagestore.ObjectInfo, error) {
	_ = ctx
	full, err := s.fullPath(key)
	if err != nil {
		return nil, nil, s.wrapError("Get", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, nil, s.wrapError("Get", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, s.wrapError("Get", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, nil, &imagestore.StoreError{Op: "Get", Kind: imagestore.KindFile, Key: key, Err: imagestore.ErrNotFound}
	}
	return f, &imagestore.ObjectInfo{
		Key:          key,
		Size:         st.Size(),
		ContentType:  imagestore.ContentTypeFor(key),
		LastModified: st.ModTime(),
	}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_ = ctx
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s.wrapError("Delete", key, err)
	}
	return nil
}

func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", imagestore.ErrInvalidKey
	}
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", imagestore.ErrInvalidKey
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &imagestore.StoreError{Op: op, Kind: imagestore.KindFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to store sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = imagestore.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = imagestore.ErrAccessDenied
	}
	return wrapped
}
