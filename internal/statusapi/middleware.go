package statusapi

import (
	"net/http"
	"strings"

	"camvault/internal/observability/logging"
)

const requestIDHeader = "X-Request-Id"

// requestIDMiddleware propagates the caller's request id, or a generated
// one, into the response headers and the request logger context.
func requestIDMiddleware(generate func() string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = generate()
		}
		w.Header().Set(requestIDHeader, requestID)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), requestID)))
	})
}
