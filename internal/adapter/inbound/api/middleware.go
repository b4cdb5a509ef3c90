package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// requestIDMiddleware assigns every request an id, echoes it in the
// X-Request-ID response header, and logs the request at debug level.
// A client-supplied X-Request-ID is kept so callers can correlate.
func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		logger.Debug("http request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		next.ServeHTTP(w, r)
	})
}
