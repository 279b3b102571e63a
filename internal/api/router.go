// Package api is the HTTP edge: the middleware pipeline, the route
// adapters that translate requests into mediator messages, and the
// operational endpoints (health, metrics, JWKS).
package api

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/taskforge/internal/api/helpers"
	"github.com/meridianhq/taskforge/internal/api/middleware"
	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/auth"
	"github.com/meridianhq/taskforge/internal/cache"
	"github.com/meridianhq/taskforge/internal/mediator"
	"github.com/meridianhq/taskforge/internal/observability"
	"github.com/meridianhq/taskforge/internal/tenancy"
)

// Deps carries everything the router needs. The route adapters only ever
// talk to the mediator; the rest feeds the middleware pipeline and the
// operational endpoints.
type Deps struct {
	Log      *slog.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Cache    *cache.Store
	Resolver *tenancy.Resolver
	Tokens   auth.TokenProvider
	Mediator *mediator.Mediator

	CORSAllowedOrigins []string
	RateLimitPerMinute int
}

// NewRouter assembles the middleware pipeline and mounts every route.
// Pipeline order is load-bearing: the error handler wraps everything so
// panics become envelopes, tenancy resolves before authentication so the
// token claim can be reconciled against it, and rate limiting runs after
// authentication so quotas key on the verified principal.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})

	r.Use(chimw.RealIP)
	r.Use(sentryHandler.Handle)
	r.Use(middleware.ErrorHandler(d.Log))
	r.Use(middleware.RequestLog(d.Log))
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", Health(d.Pool, d.Redis, d.Log))
	r.Get("/ready", Ready(d.Pool))
	r.Get("/live", Live())
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())
	r.Get("/.well-known/jwks.json", JWKS(d.Tokens))

	limiter := middleware.NewRateLimiter(d.Cache, d.Resolver, d.RateLimitPerMinute, d.Log)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.TenantResolver(d.Resolver))
		r.Use(middleware.Authentication(d.Tokens, d.Resolver, d.Log))
		r.Use(limiter.Middleware)
		r.Use(middleware.ResponseCache(d.Cache))
		r.Use(middleware.PerformanceMonitor)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-Correlation-ID"},
			ExposedHeaders:   []string{"X-Correlation-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))

		ar := &authRoutes{med: d.Mediator}
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", ar.register)
			r.Post("/login", ar.login)
			r.Post("/refresh", ar.refresh)
			r.Post("/logout", ar.logout)
			r.Post("/mfa/enable", ar.enableMFA)
			r.Post("/mfa/verify", ar.verifyMFA)
			r.Post("/mfa/disable", ar.disableMFA)
			r.Post("/password/change", ar.changePassword)
			r.Get("/me", ar.me)
		})

		tr := &taskRoutes{med: d.Mediator}
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", tr.list)
			r.Post("/", tr.create)
			r.Get("/reports/statistics", tr.statistics)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", tr.get)
				r.Put("/", tr.update)
				r.Delete("/", tr.remove)
				r.Patch("/assign", tr.assign)
				r.Patch("/status", tr.changeStatus)
				r.Post("/comments", tr.addComment)
				r.Get("/comments", tr.listComments)
				r.Post("/watchers", tr.addWatcher)
				r.Delete("/watchers/{userID}", tr.removeWatcher)
			})
		})

		nr := &tenantRoutes{med: d.Mediator}
		r.Route("/tenants", func(r chi.Router) {
			r.Post("/", nr.create)
			r.Get("/current", nr.current)
			r.Put("/current/settings", nr.updateSettings)
		})
		r.Get("/audit", nr.auditLog)

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			helpers.RespondError(w, r, apperr.NotFound("route"))
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			helpers.RespondError(w, r, apperr.Validation("method not allowed for this route"))
		})
	})

	return r
}
