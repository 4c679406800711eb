package httpx

import (
	"log/slog"
	"net/http"
	"time"
)

// accessRecorder remembers what the handler wrote so the access log
// can report it after the fact.
type accessRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rec *accessRecorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *accessRecorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(p)
	rec.written += int64(n)
	return n, err
}

// WithAccessLog logs one line per request on the ops surface.
func WithAccessLog(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &accessRecorder{ResponseWriter: w}
			begin := time.Now()

			next.ServeHTTP(rec, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.written,
				"elapsed_ms", time.Since(begin).Milliseconds(),
				"request_id", RequestID(r.Context()),
			)
		})
	}
}
