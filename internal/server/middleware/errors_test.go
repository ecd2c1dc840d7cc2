package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/coverscan/internal/errors"
)

func panicking(v any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(v)
	})
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	return response
}

func TestRecovery_PassesThrough(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "queued", rec.Body.String())
}

func TestRecovery_PanicBecomesInternalError(t *testing.T) {
	for name, value := range map[string]any{
		"string": "extractor exploded",
		"error":  assert.AnError,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			assert.NotPanics(t, func() {
				Recovery(panicking(value)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			})

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			response := decodeEnvelope(t, rec)
			assert.Equal(t, apperrors.CodeInternal, response.Error.Code)
			assert.Contains(t, response.Error.Message, "panic: ")
		})
	}
}

func TestRecovery_CarriesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/status/1", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()

	RequestID(Recovery(panicking("boom"))).ServeHTTP(rec, req)

	assert.Equal(t, "req-42", decodeEnvelope(t, rec).Error.RequestID)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestErrorHandler_MatchesRecovery(t *testing.T) {
	a := httptest.NewRecorder()
	Recovery(panicking("x")).ServeHTTP(a, httptest.NewRequest(http.MethodGet, "/", nil))

	b := httptest.NewRecorder()
	ErrorHandler(panicking("x")).ServeHTTP(b, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, a.Code, b.Code)
	assert.Equal(t, a.Header().Get("Content-Type"), b.Header().Get("Content-Type"))
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		envelope   *errors.ErrorEnvelope
		statusCode int
		wantCode   string
		wantMsg    string
		wantReqID  string
	}{
		{
			name:       "invalid input",
			envelope:   errors.NewErrorEnvelope(apperrors.CodeInvalidInput, "No file uploaded"),
			statusCode: http.StatusBadRequest,
			wantCode:   apperrors.CodeInvalidInput,
			wantMsg:    "No file uploaded",
		},
		{
			name: "not found with correlation ID",
			envelope: errors.NewErrorEnvelope(apperrors.CodeNotFound, "Job not found").
				WithCorrelationID("req-7"),
			statusCode: http.StatusNotFound,
			wantCode:   apperrors.CodeNotFound,
			wantMsg:    "Job not found",
			wantReqID:  "req-7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeErrorResponse(rec, tt.envelope, tt.statusCode)

			assert.Equal(t, tt.statusCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			response := decodeEnvelope(t, rec)
			assert.Equal(t, tt.wantCode, response.Error.Code)
			assert.Equal(t, tt.wantMsg, response.Error.Message)
			assert.Equal(t, tt.wantReqID, response.Error.RequestID)
			assert.NotEmpty(t, response.Error.Timestamp)
		})
	}
}

func TestWriteErrorResponse_WithContext(t *testing.T) {
	envelope := errors.NewErrorEnvelope(apperrors.CodeInvalidInput, "unsupported media type")
	envelope, err := envelope.WithContext(map[string]interface{}{
		"field":       "image",
		"contentType": "text/plain",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	writeErrorResponse(rec, envelope, http.StatusBadRequest)

	response := decodeEnvelope(t, rec)
	require.NotNil(t, response.Error.Details)
	assert.Equal(t, "image", response.Error.Details["field"])
	assert.Equal(t, "text/plain", response.Error.Details["contentType"])
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = apperrors.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}
