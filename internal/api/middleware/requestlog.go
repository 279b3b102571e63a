// Package middleware implements the HTTP pipeline: error envelope and
// panic recovery, request logging, security headers, tenant resolution,
// authentication, rate limiting, response caching and latency metrics.
// Order matters; the router wires them outermost-first in that sequence.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/api/helpers"
	"github.com/meridianhq/taskforge/internal/reqctx"
)

// RequestLog assigns every request a correlation id, echoes it back in
// X-Correlation-ID, and logs one completion line with a level derived
// from the response status.
func RequestLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" || len(correlationID) > 64 {
				correlationID = uuid.NewString()
			}
			w.Header().Set("X-Correlation-ID", correlationID)

			rc := reqctx.From(r.Context())
			rc.CorrelationID = correlationID
			rc.StartedAt = start
			r = r.WithContext(reqctx.With(r.Context(), rc))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			switch {
			case ww.Status() >= 500:
				level = slog.LevelError
			case ww.Status() >= 400:
				level = slog.LevelWarn
			}

			log.Log(r.Context(), level, "http_request_completed",
				"status", ww.Status(),
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes", ww.BytesWritten(),
				"correlation_id", correlationID,
				"ip", helpers.ClientIP(r),
			)
		})
	}
}
