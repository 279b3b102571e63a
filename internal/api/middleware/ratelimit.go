package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridianhq/taskforge/internal/api/helpers"
	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/cache"
	"github.com/meridianhq/taskforge/internal/observability"
	"github.com/meridianhq/taskforge/internal/reqctx"
	"github.com/meridianhq/taskforge/internal/tenancy"
)

const (
	rateWindow         = time.Minute
	anonymousPerMinute = 30
	localSweepInterval = 10 * time.Minute
)

// RateLimiter enforces per-minute quotas keyed by tenant, route group and
// principal. The shared counter window lives in Redis; when Redis is
// unreachable each process falls back to a local token bucket at the same
// rate, which over-admits across replicas but never hard-fails requests.
type RateLimiter struct {
	store        *cache.Store
	resolver     *tenancy.Resolver
	log          *slog.Logger
	defaultLimit int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewRateLimiter(store *cache.Store, resolver *tenancy.Resolver, defaultPerMinute int, log *slog.Logger) *RateLimiter {
	l := &RateLimiter{
		store:        store,
		resolver:     resolver,
		log:          log,
		defaultLimit: defaultPerMinute,
		local:        make(map[string]*rate.Limiter),
	}
	go l.sweepLoop()
	return l
}

// Middleware applies the quota for the bound tenant's plan, or the
// anonymous quota when no principal is known. Rejected requests get 429
// with Retry-After.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.From(r.Context())
		group := routeGroup(r.URL.Path)
		limit := l.limitFor(r, rc)
		key := l.key(rc, group, r)

		allowed, remaining, err := l.store.Allow(r.Context(), key, limit, rateWindow)
		if err != nil {
			l.log.Warn("rate_limit_backend_unavailable", "error", err, "key", key)
			allowed = l.allowLocal(key, limit)
			remaining = -1
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		if remaining >= 0 {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}

		if !allowed {
			observability.RateLimitRejections.WithLabelValues(group).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(rateWindow.Seconds())))
			helpers.RespondError(w, r, apperr.RateLimited())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitFor resolves the plan quota. Anonymous requests get the strictest
// limit; a failed plan lookup falls back to the configured default rather
// than denying service.
func (l *RateLimiter) limitFor(r *http.Request, rc reqctx.Context) int {
	if !rc.Authenticated() || !rc.HasTenant() {
		return anonymousPerMinute
	}
	meta, err := l.resolver.Meta(r.Context(), rc.TenantID)
	if err != nil {
		return l.defaultLimit
	}
	return meta.Plan.RequestsPerMinute()
}

func (l *RateLimiter) key(rc reqctx.Context, group string, r *http.Request) string {
	tenant := "anon"
	if rc.HasTenant() {
		tenant = rc.TenantID.String()
	}
	principal := helpers.ClientIP(r)
	if rc.Authenticated() {
		principal = rc.UserID.String()
	}
	return fmt.Sprintf("rl:%s:%s:%s", tenant, group, principal)
}

// allowLocal is the degraded path: a per-process token bucket at the same
// per-minute rate.
func (l *RateLimiter) allowLocal(key string, limit int) bool {
	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit)/rateWindow.Seconds()), limit)
		l.local[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// sweepLoop drops every local limiter periodically so the fallback map
// cannot grow without bound during a long Redis outage.
func (l *RateLimiter) sweepLoop() {
	for {
		time.Sleep(localSweepInterval)
		l.mu.Lock()
		l.local = make(map[string]*rate.Limiter)
		l.mu.Unlock()
	}
}

// routeGroup collapses a request path to its first API segment so limiter
// keys and metrics stay low-cardinality: /api/v1/tasks/123 -> tasks.
func routeGroup(path string) string {
	trimmed := strings.TrimPrefix(path, "/api/v1/")
	if trimmed == path {
		return "root"
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "root"
	}
	return trimmed
}
