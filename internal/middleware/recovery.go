package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"relay-backend/pkg/api"
)

// Recovery converts handler panics into 500 responses instead of dropped
// connections.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", GetRequestIDFromRequest(r)),
						zap.ByteString("stack", debug.Stack()))

					if w.Header().Get("Content-Type") == "" {
						api.ErrorWithRequestID(w, http.StatusInternalServerError,
							"internal error", GetRequestIDFromRequest(r))
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
