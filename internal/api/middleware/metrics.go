package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meridianhq/taskforge/internal/observability"
	"github.com/meridianhq/taskforge/internal/reqctx"
)

// PerformanceMonitor records request latency per route pattern. The chi
// pattern ("/api/v1/tasks/{taskID}") is only known after routing, so the
// label is read on the way out. Latency counts from the request log's
// start stamp so the tenant, auth and rate-limit stages are included.
func PerformanceMonitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if t := reqctx.From(r.Context()).StartedAt; !t.IsZero() {
			start = t
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		observability.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}
