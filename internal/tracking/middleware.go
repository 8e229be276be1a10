// Package tracking provides the request-ID-and-timing HTTP middleware
// wrapped around every route.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const loggerKey contextKey = iota

// Logger retrieves the per-request logger bound by Middleware, falling back
// to the default logger if none is present (e.g. in tests calling a handler
// directly).
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status      int
	start       time.Time
	wroteHeader bool
}

// WriteHeader stamps X-Process-Time before the headers are sent, since they
// cannot change afterwards.
func (w *statusCapturingWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set("X-Process-Time", fmt.Sprintf("%.4f", time.Since(w.start).Seconds()))
	}
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so streaming handlers behind the
// middleware can still flush.
func (w *statusCapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware mints or echoes X-Request-ID, binds request_id/client_ip into a
// contextual logger, times the request, and sets X-Process-Time on the
// response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		logger := slog.Default().With("request_id", requestID, "client_ip", r.RemoteAddr)
		ctx := context.WithValue(r.Context(), loggerKey, logger)
		r = r.WithContext(ctx)

		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK, start: start}

		next.ServeHTTP(sw, r)

		elapsed := time.Since(start).Seconds()
		if !sw.wroteHeader {
			w.Header().Set("X-Process-Time", fmt.Sprintf("%.4f", elapsed))
		}

		logger.Info("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", elapsed,
		)
	})
}
