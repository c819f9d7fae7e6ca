// Package middleware holds the HTTP middleware chain: request correlation,
// session propagation, panic recovery and request deadlines.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	// RequestIDKey carries the correlation id through the request context.
	RequestIDKey contextKey = "requestID"

	requestIDHeader = "X-Request-ID"
)

// RequestID accepts a caller-supplied X-Request-ID or generates one, then
// stores it in the context and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set(requestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request id from a context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRequestIDFromRequest extracts the request id from a request.
func GetRequestIDFromRequest(r *http.Request) string {
	return GetRequestID(r.Context())
}
