package imagestore

import (
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns are the upload names accepted when none are configured.
var DefaultPatterns = []string{"*.{jpg,jpeg,png,webp,gif,bmp,tif,tiff}"}

// DefaultMaxBytes is the upload size cap when none is configured (10 MiB).
const DefaultMaxBytes int64 = 10 << 20

// Filter decides which uploaded file names are accepted as cover images.
//
// Patterns use doublestar syntax and are matched case-insensitively against
// the base name of the upload.
type Filter struct {
	patterns []string
	maxBytes int64
}

// NewFilter validates patterns and returns a Filter. Empty patterns fall back
// to DefaultPatterns; a non-positive maxBytes falls back to DefaultMaxBytes.
func NewFilter(patterns []string, maxBytes int64) (*Filter, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	clean := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid upload pattern %q", p)
		}
		clean = append(clean, p)
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("at least one upload pattern is required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Filter{patterns: clean, maxBytes: maxBytes}, nil
}

// Allow reports whether name matches one of the patterns.
func (f *Filter) Allow(name string) bool {
	base := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if base == "" || base == "." || base == "/" {
		return false
	}
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
	}
	return false
}

// MaxBytes is the largest accepted upload.
func (f *Filter) MaxBytes() int64 {
	return f.maxBytes
}

// Patterns returns the effective patterns.
func (f *Filter) Patterns() []string {
	return append([]string(nil), f.patterns...)
}

// ContentTypeFor guesses the MIME type of key from its extension.
func ContentTypeFor(key string) string {
	ext := strings.ToLower(path.Ext(key))
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
