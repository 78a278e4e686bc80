package middleware

import (
	"net/http"
	"strings"
	"time"

	"playback-proxy/work/logger"
)

// StatusRecorder wraps http.ResponseWriter to remember the status and byte count
// while still exposing Flush to streaming handlers.
type StatusRecorder struct {
	http.ResponseWriter
	WroteHeader bool
	Status      int
	Bytes       int64
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w}
}

func (sr *StatusRecorder) WriteHeader(statusCode int) {
	if sr.WroteHeader {
		return
	}
	sr.Status = statusCode
	sr.WroteHeader = true
	sr.ResponseWriter.WriteHeader(statusCode)
}

func (sr *StatusRecorder) Write(b []byte) (int, error) {
	if !sr.WroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.Bytes += int64(n)
	return n, err
}

// Implement http.Flusher interface
func (sr *StatusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *StatusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// AccessLog writes one line per request: method, path, status, bytes, duration and request id.
// Paths are logged without the query string, and signed tokens (which embed the
// upstream URL) are masked.
func AccessLog(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := NewStatusRecorder(w)

			next.ServeHTTP(rec, r)

			status := rec.Status
			if status == 0 {
				status = http.StatusOK
			}
			line := "{middleware/logging - AccessLog} %s %s %d %dB %s rid=%s"
			args := []interface{}{r.Method, redactPath(r.URL.Path), status, rec.Bytes, time.Since(start).Round(time.Millisecond), RequestIDFromContext(r.Context())}
			if status >= http.StatusInternalServerError {
				log.Warn(line, args...)
			} else {
				log.Debug(line, args...)
			}
		})
	}
}

func redactPath(p string) string {
	if i := strings.Index(p, "/u/"); i >= 0 && strings.HasPrefix(p, "/proxy/hls/") {
		return p[:i] + "/u/***"
	}
	return p
}
