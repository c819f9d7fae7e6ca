// Package api provides the JSON response helpers shared by every HTTP
// handler. Store outcomes double as HTTP status codes, so handlers hand
// errors straight to FromError.
package api

import (
	"encoding/json"
	"net/http"

	"relay-backend/internal/errors"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Success writes a JSON response with the given status. A nil body writes
// the status line only.
func Success(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Error writes a JSON error body with the given status.
func Error(w http.ResponseWriter, statusCode int, message string) {
	ErrorWithRequestID(w, statusCode, message, "")
}

// ErrorWithRequestID writes a JSON error body carrying the request id for
// correlation.
func ErrorWithRequestID(w http.ResponseWriter, statusCode int, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, RequestID: requestID})
}

// FromError maps a store error onto its HTTP status. Client mistakes keep
// their message; server-side failures get a generic body so backend detail
// never leaks.
func FromError(w http.ResponseWriter, err error, requestID string) {
	outcome := errors.OutcomeOf(err)
	status := int(outcome)

	message := err.Error()
	switch outcome {
	case errors.OutcomeUnavailable:
		message = "backend unavailable, retry with backoff"
	case errors.OutcomeInternal:
		message = "internal error"
	}

	ErrorWithRequestID(w, status, message, requestID)
}
