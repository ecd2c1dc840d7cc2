// Package errors maps coverscan failures onto the JSON error envelope
// returned by the HTTP API:
//
//	{"error":{"code":"NOT_FOUND","message":"...","request_id":"...","details":{...}}}
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/3leaps/coverscan/pkg/bookstore"
	"github.com/3leaps/coverscan/pkg/imagestore"
	"github.com/3leaps/coverscan/pkg/jobqueue"
	"github.com/3leaps/coverscan/pkg/pipeline"
)

// Error codes carried in the envelope.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeQueueUnavailable   = "QUEUE_UNAVAILABLE"
	CodeStoreWriteFailure  = "STORE_WRITE_FAILURE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error with an explicit envelope code and HTTP status.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New returns an AppError with the given code and status.
func New(status int, code, message string) *AppError {
	return &AppError{Code: code, Status: status, Message: message}
}

// NewInvalidInput reports a client error.
func NewInvalidInput(message string) *AppError {
	return New(http.StatusBadRequest, CodeInvalidInput, message)
}

// NewNotFound reports a missing resource.
func NewNotFound(message string) *AppError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

// NewExternalServiceError reports a dependency that could not be reached.
func NewExternalServiceError(message string) *AppError {
	return New(http.StatusServiceUnavailable, CodeExternalService, message)
}

// WrapInternal wraps err as an internal error. The request id carried by
// ctx, if any, is kept in the details.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

// Classify returns the HTTP status and envelope code for err.
func Classify(err error) (int, string) {
	var appErr *AppError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case stderrors.As(err, &appErr):
		return appErr.Status, appErr.Code
	case stderrors.Is(err, pipeline.ErrInvalidInput), stderrors.Is(err, bookstore.ErrInvalidInput),
		stderrors.Is(err, imagestore.ErrInvalidKey):
		return http.StatusBadRequest, CodeInvalidInput
	case stderrors.Is(err, jobqueue.ErrNotFound), stderrors.Is(err, bookstore.ErrNotFound),
		stderrors.Is(err, imagestore.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case stderrors.Is(err, pipeline.ErrQueueUnavailable):
		return http.StatusInternalServerError, CodeQueueUnavailable
	case stderrors.Is(err, bookstore.ErrWriteFailed):
		return http.StatusInternalServerError, CodeStoreWriteFailure
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
