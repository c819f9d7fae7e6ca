package middleware

import (
	"context"
	"net/http"
)

const (
	// SessionIDKey carries the caller's sync session id through the context.
	SessionIDKey contextKey = "sessionID"

	sessionIDHeader = "X-Session-ID"
)

// Session extracts the caller's X-Session-ID header into the context.
// Mutations stamp it on the record so the notifier can skip echoing a
// change back to the session that made it. Absent header means no session.
func Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(sessionIDHeader)
		if sessionID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), SessionIDKey, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSessionID extracts the session id from a context, empty when the
// caller sent none.
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}
