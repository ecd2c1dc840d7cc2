package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/coverscan/pkg/bookstore"
	"github.com/3leaps/coverscan/pkg/jobqueue"
	"github.com/3leaps/coverscan/pkg/pipeline"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"pipeline invalid", fmt.Errorf("%w: inputRef is required", pipeline.ErrInvalidInput), 400, CodeInvalidInput},
		{"book invalid", bookstore.ErrInvalidInput, 400, CodeInvalidInput},
		{"job not found", pipeline.ErrJobNotFound, 404, CodeNotFound},
		{"queue not found", jobqueue.ErrNotFound, 404, CodeNotFound},
		{"book not found", fmt.Errorf("get: %w", bookstore.ErrNotFound), 404, CodeNotFound},
		{"queue down", fmt.Errorf("%w: dial tcp", pipeline.ErrQueueUnavailable), 500, CodeQueueUnavailable},
		{"store write", fmt.Errorf("%w: disk full", bookstore.ErrWriteFailed), 500, CodeStoreWriteFailure},
		{"external", NewExternalServiceError("ocr down"), 503, CodeExternalService},
		{"unknown", assert.AnError, 500, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req = req.WithContext(WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, fmt.Errorf("%w: redis: connection refused", pipeline.ErrQueueUnavailable))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeQueueUnavailable, body.Error.Code)
	assert.Contains(t, body.Error.Message, "connection refused")
	assert.Equal(t, "req-1", body.Error.RequestID)
}

func TestRespondWithAppErrorKeepsDetails(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-2")
	err := WrapInternal(ctx, assert.AnError, "could not render")

	rec := httptest.NewRecorder()
	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), err)

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.Equal(t, "could not render", body.Error.Message)
	assert.Equal(t, "req-2", body.Error.Details["request_id"])
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRequestIDFromContext(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Equal(t, "abc", RequestIDFromContext(WithRequestID(context.Background(), "abc")))
}

func TestNewEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	req = req.WithContext(WithRequestID(req.Context(), "req-3"))

	t.Run("scalar details become context", func(t *testing.T) {
		env := NewEnvelope(req, CodeInvalidInput, "bad field", map[string]any{"field": "image"})
		assert.Equal(t, "req-3", env.CorrelationID)
		assert.Equal(t, "/upload", env.Path)
		assert.Equal(t, "image", env.Context["field"])
		assert.Nil(t, env.Details)
	})

	t.Run("nested details are kept whole", func(t *testing.T) {
		checks := map[string]string{"queue": "unhealthy"}
		env := NewEnvelope(req, CodeServiceUnavailable, "down", map[string]any{"checks": checks})
		assert.Equal(t, checks, env.Details["checks"])

		body := BodyFromEnvelope(env)
		assert.Equal(t, "req-3", body.RequestID)
		assert.Equal(t, checks, body.Details["checks"])
		assert.NotEmpty(t, body.Timestamp)
	})

	t.Run("nil request", func(t *testing.T) {
		env := NewEnvelope(nil, CodeInternal, "boom", nil)
		assert.Empty(t, env.CorrelationID)
		assert.Empty(t, BodyFromEnvelope(env).Details)
	})
}
