package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/meridianhq/taskforge/internal/cache"
	"github.com/meridianhq/taskforge/internal/reqctx"
)

const (
	taskListTTL  = 60 * time.Second
	taskStatsTTL = 300 * time.Second
)

// ResponseCache serves repeated task list and statistics reads from Redis.
// Entries are keyed per tenant under the "tasks" namespace, which is the
// prefix the event-driven invalidator clears whenever a task in that
// tenant changes; the TTL is only the backstop for a missed event.
//
// Only 200 responses are stored. Within a tenant the list endpoint is the
// same for every caller that passes its permission gate, so the principal
// is deliberately not part of the key.
func ResponseCache(store *cache.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.From(r.Context())
			key, ttl, ok := cacheKeyFor(r, rc)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if body, hit := store.Get(r.Context(), key); hit {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				w.Write(body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			w.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(rec, r)

			if rec.status == http.StatusOK && rec.body.Len() > 0 {
				store.Set(r.Context(), key, rec.body.Bytes(), ttl)
			}
		})
	}
}

// cacheKeyFor reports whether the request is cacheable and under which key.
func cacheKeyFor(r *http.Request, rc reqctx.Context) (string, time.Duration, bool) {
	if r.Method != http.MethodGet || !rc.HasTenant() {
		return "", 0, false
	}
	switch r.URL.Path {
	case "/api/v1/tasks":
		return cache.Key(rc.TenantID, "tasks", "list", queryDigest(r)), taskListTTL, true
	case "/api/v1/tasks/reports/statistics":
		return cache.Key(rc.TenantID, "tasks", "stats", queryDigest(r)), taskStatsTTL, true
	default:
		return "", 0, false
	}
}

// queryDigest folds the raw query into a fixed-width key segment.
func queryDigest(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.URL.RawQuery))
	return hex.EncodeToString(sum[:8])
}

// responseRecorder tees the response body so a 200 can be stored after it
// has been sent to the client.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
