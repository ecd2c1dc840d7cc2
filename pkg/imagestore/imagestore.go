// Package imagestore stores uploaded cover images.
//
// Keys are flat, generated names (see NewKey). Backends resolve keys
// relative to their own root: a directory for the file store, a bucket and
// optional prefix for S3.
package imagestore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an image store backend.
type Kind string

const (
	// KindFile stores images in a local directory.
	KindFile Kind = "file"

	// KindS3 stores images in AWS S3 or an S3-compatible service.
	KindS3 Kind = "s3"
)

// String returns the string representation of the backend kind.
func (k Kind) String() string {
	return string(k)
}

// Store abstracts image persistence.
//
// Implementations must be safe for concurrent use.
type Store interface {
	Getter

	// Put writes an image under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Delete removes an image. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Getter reads images. Extractors depend only on this.
type Getter interface {
	// Get opens an image for reading.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
}

// Pinger is implemented by stores that can check their backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ObjectInfo describes a stored image.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// NewKey returns a fresh storage key that keeps the lower-cased extension of
// filename, e.g. "3f0c...-9a1e.jpg".
func NewKey(filename string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
	return uuid.NewString() + ext
}

// ReadAll loads an image into memory, refusing objects larger than maxBytes
// when maxBytes > 0.
func ReadAll(ctx context.Context, g Getter, key string, maxBytes int64) ([]byte, *ObjectInfo, error) {
	rc, info, err := g.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rc.Close() }()

	r := io.Reader(rc)
	if maxBytes > 0 {
		r = io.LimitReader(rc, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read image %s: %w", key, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, nil, fmt.Errorf("image %s exceeds %d bytes", key, maxBytes)
	}
	if info == nil {
		info = &ObjectInfo{Key: key}
	}
	if info.ContentType == "" {
		info.ContentType = ContentTypeFor(key)
	}
	return data, info, nil
}
