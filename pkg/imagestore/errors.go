package imagestore

import (
	"errors"
	"fmt"
)

// Sentinel errors for image store operations.
var (
	// ErrNotFound indicates the requested image does not exist.
	ErrNotFound = errors.New("image not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidKey indicates a key that cannot be mapped onto the backend.
	ErrInvalidKey = errors.New("invalid image key")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnavailable indicates the backing service is unavailable.
	ErrUnavailable = errors.New("image store unavailable")

	// ErrThrottled indicates the request was rate limited by the backend.
	ErrThrottled = errors.New("request throttled")
)

// StoreError wraps backend errors with context.
type StoreError struct {
	// Op is the operation that failed (e.g., "Put", "Get").
	Op string

	// Kind is the backend kind.
	Kind Kind

	// Bucket is the bucket name, if applicable.
	Bucket string

	// Key is the image key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Bucket != "" && e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Kind, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Kind, e.Op, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Kind, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates an image was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsUnavailable returns true if the error indicates the backend is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
