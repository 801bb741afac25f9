package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/logging"
)

// MaxBodyBytes caps request bodies accepted by DecodeJSON.
const MaxBodyBytes = 1 << 20

// RetryAfterSeconds is advertised on retryable error responses.
const RetryAfterSeconds = 1

// ErrorBody is the error envelope written by WriteServiceError.
type ErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// WriteServiceError renders err with the status of its kind. Errors outside
// the taxonomy render as internal errors without leaking their text.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	se := apperrors.GetServiceError(err)
	if se == nil {
		se = apperrors.Internal("internal error", err)
	}
	if se.Retryable {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	body := ErrorBody{
		Code:      string(se.Code),
		Message:   se.Message,
		Details:   se.Details,
		Retryable: se.Retryable,
	}
	if r != nil {
		body.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, se.HTTPStatus, errorEnvelope{Error: body})
}

// Unauthorized writes a 401 error envelope.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteServiceError(w, nil, apperrors.Unauthorized(message))
}

// DecodeJSON reads a JSON request body into v. Unknown fields, trailing data
// and oversized bodies are validation errors.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return apperrors.Validation("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes+1))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Validation("request body is required")
		}
		return apperrors.Validation("invalid request body: %v", err)
	}
	if dec.More() {
		return apperrors.Validation("request body must contain a single JSON object")
	}
	if dec.InputOffset() > MaxBodyBytes {
		return apperrors.Validation("request body exceeds %d bytes", MaxBodyBytes)
	}
	return nil
}

// APIError is a decoded error envelope returned by Client calls.
type APIError struct {
	Status int
	ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}
