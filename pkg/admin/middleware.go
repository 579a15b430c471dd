package admin

import (
	"net/http"
	"time"

	"github.com/getmockd/faultd/pkg/ratelimit"
)

// withMiddleware wraps the handler with rate limiting and request metrics.
// Order (outermost first): metrics -> security headers -> rate limiting -> handler.
func (a *AdminAPI) withMiddleware(mux *http.ServeMux) http.Handler {
	limited := ratelimit.Middleware(a.limiter)(mux)
	secured := securityHeaders(limited)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusCapturingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		secured.ServeHTTP(wrapped, r)

		// The matched pattern keeps label cardinality bounded.
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		a.metrics.Observe(r.Method, pattern, wrapped.statusCode, time.Since(start))
		a.log.Debug("admin request", "method", r.Method, "path", r.URL.Path, "status", wrapped.statusCode)
	})
}

// securityHeaders sets headers that keep browsers from sniffing or framing
// admin responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// statusCapturingResponseWriter wraps http.ResponseWriter to capture the status code.
type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

// WriteHeader captures the status code before writing the header.
func (w *statusCapturingResponseWriter) WriteHeader(code int) {
	if !w.headerWritten {
		w.statusCode = code
		w.headerWritten = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write marks the header as written with 200 if needed.
func (w *statusCapturingResponseWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.statusCode = http.StatusOK
		w.headerWritten = true
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController support.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
