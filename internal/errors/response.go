package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// RequestIDHeader carries the request id in and out of the API.
const RequestIDHeader = "X-Request-ID"

// ErrorBody is the inner object of the envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// HTTPErrorResponse is the JSON error envelope.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type requestIDKey struct{}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewEnvelope builds the error envelope for code and message. The request id
// of r becomes the correlation id.
func NewEnvelope(r *http.Request, code, message string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if r != nil {
		if id := RequestIDFromContext(r.Context()); id != "" {
			env = env.WithCorrelationID(id)
		}
		env = env.WithPath(r.URL.Path)
	}
	if len(details) > 0 {
		// Context only takes scalars and string lists; nested values go to Details.
		if _, err := env.WithContext(details); err != nil {
			env = env.WithDetails(details)
		}
	}
	return env
}

// RespondWithError classifies err and writes the envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	message := err.Error()
	var details map[string]any

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		message = appErr.Message
		details = appErr.Details
	}
	WriteEnvelope(w, NewEnvelope(r, code, message, details), status)
}

// RespondWithCode writes an envelope with an explicit status and code.
func RespondWithCode(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	WriteEnvelope(w, NewEnvelope(r, code, message, details), status)
}

// BodyFromEnvelope flattens env into the wire body.
func BodyFromEnvelope(env *gferrors.ErrorEnvelope) ErrorBody {
	details := env.Details
	if details == nil {
		details = env.Context
	}
	return ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Details:   details,
		Timestamp: env.Timestamp,
	}
}

// WriteEnvelope writes env as the JSON error response with status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: BodyFromEnvelope(env)})
}
