package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// responseTrace records what the handler wrote so the access log can report
// status and payload size without buffering the body. Result downloads run to
// gigabytes, which makes the byte count worth having next to the duration.
type responseTrace struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (t *responseTrace) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTrace) Write(p []byte) (int, error) {
	n, err := t.ResponseWriter.Write(p)
	t.bytes += int64(n)
	return n, err
}

// Logger writes one access log line per request.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		trace := &responseTrace{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(trace, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", trace.status,
			"bytes", trace.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
