package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/auth"
	"github.com/meridianhq/taskforge/internal/cache"
	"github.com/meridianhq/taskforge/internal/reqctx"
	"github.com/meridianhq/taskforge/internal/tenancy"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Metadata struct {
		CorrelationID string `json:"correlation_id"`
	} `json:"metadata"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func newCacheStore(t *testing.T) (*cache.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return cache.NewStore(client, slog.Default(), 200*time.Millisecond), mr
}

// stubTenants is an in-memory TenantSource for resolver-backed middleware.
type stubTenants struct {
	byID map[uuid.UUID]*tenancy.Tenant
}

func (s *stubTenants) GetByID(_ context.Context, id uuid.UUID) (*tenancy.Tenant, error) {
	t, ok := s.byID[id]
	if !ok {
		return nil, apperr.NotFound("tenant")
	}
	return t, nil
}

func (s *stubTenants) GetBySubdomain(_ context.Context, sub string) (*tenancy.Tenant, error) {
	for _, t := range s.byID {
		if t.Subdomain == sub {
			return t, nil
		}
	}
	return nil, apperr.NotFound("tenant")
}

func newResolver(t *testing.T, tenants ...*tenancy.Tenant) *tenancy.Resolver {
	t.Helper()
	src := &stubTenants{byID: make(map[uuid.UUID]*tenancy.Tenant)}
	for _, tn := range tenants {
		src.byID[tn.ID] = tn
	}
	store, _ := newCacheStore(t)
	return tenancy.NewResolver(src, store, "taskforge.io")
}

func activeTenant(sub string) *tenancy.Tenant {
	return &tenancy.Tenant{
		ID:        uuid.New(),
		Name:      sub,
		Subdomain: sub,
		Plan:      tenancy.PlanBasic,
		IsActive:  true,
	}
}

// captureContext returns a handler that records the reqctx it ran under.
func captureContext(rc *reqctx.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*rc = reqctx.From(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)

	SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	h := rec.Header()
	assert.Equal(t, "max-age=31536000; includeSubDomains", h.Get("Strict-Transport-Security"))
	assert.Equal(t, "default-src 'self'", h.Get("Content-Security-Policy"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
	assert.Equal(t, "geolocation=(), microphone=(), camera=()", h.Get("Permissions-Policy"))
}

func TestRequestLog_GeneratesCorrelationID(t *testing.T) {
	var rc reqctx.Context
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)

	RequestLog(slog.Default())(captureContext(&rc)).ServeHTTP(rec, req)

	echoed := rec.Header().Get("X-Correlation-ID")
	require.NotEmpty(t, echoed)
	assert.Equal(t, echoed, rc.CorrelationID, "handler should see the echoed id")
	assert.False(t, rc.StartedAt.IsZero())
}

func TestRequestLog_KeepsClientCorrelationID(t *testing.T) {
	var rc reqctx.Context
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("X-Correlation-ID", "client-supplied-1")

	RequestLog(slog.Default())(captureContext(&rc)).ServeHTTP(rec, req)

	assert.Equal(t, "client-supplied-1", rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "client-supplied-1", rc.CorrelationID)
}

func TestErrorHandler_ConvertsPanicToEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)

	ErrorHandler(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INTERNAL", env.Error.Code)
	assert.NotContains(t, env.Error.Message, "boom", "panic detail must not leak")
}

func TestTenantResolver(t *testing.T) {
	tn := activeTenant("acme")
	inactive := activeTenant("gone")
	inactive.IsActive = false
	resolver := newResolver(t, tn, inactive)
	mw := TenantResolver(resolver)

	t.Run("header binds the tenant", func(t *testing.T) {
		var rc reqctx.Context
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Header.Set("X-Tenant-ID", tn.ID.String())

		mw(captureContext(&rc)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, tn.ID, rc.TenantID)
	})

	t.Run("subdomain binds the tenant", func(t *testing.T) {
		var rc reqctx.Context
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Host = "acme.taskforge.io"

		mw(captureContext(&rc)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, tn.ID, rc.TenantID)
	})

	t.Run("malformed header is a validation error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Header.Set("X-Tenant-ID", "not-a-uuid")

		mw(captureContext(&reqctx.Context{})).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("unknown tenant is not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Header.Set("X-Tenant-ID", uuid.NewString())

		mw(captureContext(&reqctx.Context{})).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("deactivated tenant is forbidden", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Header.Set("X-Tenant-ID", inactive.ID.String())

		mw(captureContext(&reqctx.Context{})).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("disagreeing header and subdomain", func(t *testing.T) {
		other := activeTenant("globex")
		mw := TenantResolver(newResolver(t, tn, other))

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Host = "globex.taskforge.io"
		req.Header.Set("X-Tenant-ID", tn.ID.String())

		mw(captureContext(&reqctx.Context{})).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "TENANT_MISMATCH", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("no signal continues unbound", func(t *testing.T) {
		var rc reqctx.Context
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/login", nil)

		mw(captureContext(&rc)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, uuid.Nil, rc.TenantID)
	})
}

func issueToken(t *testing.T, tokens auth.TokenProvider, tenantID uuid.UUID) (string, uuid.UUID) {
	t.Helper()
	userID := uuid.New()
	token, err := tokens.Issue(&auth.User{
		ID:          userID,
		TenantID:    tenantID,
		Email:       "dev@acme.test",
		Roles:       []string{"MEMBER"},
		Permissions: []string{"tasks.read"},
	})
	require.NoError(t, err)
	return token, userID
}

func TestAuthentication(t *testing.T) {
	tn := activeTenant("acme")
	other := activeTenant("globex")
	resolver := newResolver(t, tn, other)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tokens := auth.NewTokenServiceFromKey("test-1", key, "https://auth.taskforge.test", 15*time.Minute)

	mw := Authentication(tokens, resolver, slog.Default())

	t.Run("no bearer continues anonymous", func(t *testing.T) {
		var rc reqctx.Context
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)

		mw(captureContext(&rc)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, rc.Authenticated())
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer garbage")

		mw(captureContext(&reqctx.Context{})).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "INVALID_TOKEN", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("basic scheme is rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

		mw(captureContext(&reqctx.Context{})).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("claim binds the tenant when nothing else did", func(t *testing.T) {
		token, userID := issueToken(t, tokens, tn.ID)

		var rc reqctx.Context
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		mw(captureContext(&rc)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, tn.ID, rc.TenantID)
		assert.Equal(t, userID, rc.UserID)
		assert.Equal(t, []string{"MEMBER"}, rc.Roles)
	})

	t.Run("claim agreeing with the resolved tenant passes", func(t *testing.T) {
		token, _ := issueToken(t, tokens, tn.ID)

		var rc reqctx.Context
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		seeded := reqctx.With(req.Context(), reqctx.Context{TenantID: tn.ID})

		mw(captureContext(&rc)).ServeHTTP(rec, req.WithContext(seeded))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, tn.ID, rc.TenantID)
	})

	t.Run("token from another tenant is a mismatch", func(t *testing.T) {
		token, _ := issueToken(t, tokens, other.ID)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		seeded := reqctx.With(req.Context(), reqctx.Context{TenantID: tn.ID})

		mw(captureContext(&reqctx.Context{})).ServeHTTP(rec, req.WithContext(seeded))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "TENANT_MISMATCH", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("claim naming a dead tenant is rejected", func(t *testing.T) {
		dead := activeTenant("dead")
		dead.IsActive = false
		resolver := newResolver(t, dead)
		mw := Authentication(tokens, resolver, slog.Default())

		token, _ := issueToken(t, tokens, dead.ID)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		mw(captureContext(&reqctx.Context{})).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestRateLimiter_AnonymousQuota(t *testing.T) {
	store, _ := newCacheStore(t)
	tn := activeTenant("acme")
	limiter := NewRateLimiter(store, newResolver(t, tn), 60, slog.Default())

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < anonymousPerMinute; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		handler.ServeHTTP(last, req)
		require.Equal(t, http.StatusOK, last.Code, "request %d should pass", i+1)
	}
	assert.Equal(t, "30", last.Header().Get("X-RateLimit-Limit"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "203.0.113.7:40000"
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeEnvelope(t, rec).Error.Code)

	t.Run("another address has its own window", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "198.51.100.9:40000"
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRateLimiter_PlanQuota(t *testing.T) {
	store, _ := newCacheStore(t)
	tn := activeTenant("acme")
	tn.Plan = tenancy.PlanEnterprise
	limiter := NewRateLimiter(store, newResolver(t, tn), 60, slog.Default())

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	seeded := reqctx.With(req.Context(), reqctx.Context{TenantID: tn.ID, UserID: uuid.New()})
	handler.ServeHTTP(rec, req.WithContext(seeded))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimiter_FallsBackWhenRedisDown(t *testing.T) {
	store, mr := newCacheStore(t)
	tn := activeTenant("acme")
	limiter := NewRateLimiter(store, newResolver(t, tn), 60, slog.Default())
	mr.Close()

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "203.0.113.7:40000"
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "local fallback should admit the request")

	for i := 0; i < anonymousPerMinute; i++ {
		rec = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		handler.ServeHTTP(rec, req)
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "local bucket should eventually reject")
}

func TestResponseCache(t *testing.T) {
	store, _ := newCacheStore(t)
	tenantID := uuid.New()
	calls := 0

	handler := ResponseCache(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"success":true,"data":{"call":%d}}`, calls)
	}))

	get := func(tenant uuid.UUID, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		seeded := reqctx.With(req.Context(), reqctx.Context{TenantID: tenant, UserID: uuid.New()})
		handler.ServeHTTP(rec, req.WithContext(seeded))
		return rec
	}

	first := get(tenantID, "/api/v1/tasks?status=TODO")
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.Equal(t, 1, calls)

	second := get(tenantID, "/api/v1/tasks?status=TODO")
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, 1, calls, "hit must not reach the handler")
	assert.Equal(t, first.Body.String(), second.Body.String())

	t.Run("different query is a different entry", func(t *testing.T) {
		rec := get(tenantID, "/api/v1/tasks?status=DONE")
		assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	})

	t.Run("other tenants never share entries", func(t *testing.T) {
		rec := get(uuid.New(), "/api/v1/tasks?status=TODO")
		assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	})

	t.Run("statistics is cacheable", func(t *testing.T) {
		before := calls
		get(tenantID, "/api/v1/tasks/reports/statistics")
		rec := get(tenantID, "/api/v1/tasks/reports/statistics")
		assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
		assert.Equal(t, before+1, calls)
	})

	t.Run("single task reads are never cached", func(t *testing.T) {
		rec := get(tenantID, "/api/v1/tasks/"+uuid.NewString())
		assert.Empty(t, rec.Header().Get("X-Cache"))
	})

	t.Run("unbound requests bypass the cache", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		handler.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("X-Cache"))
	})
}

func TestResponseCache_SkipsNon200(t *testing.T) {
	store, _ := newCacheStore(t)
	tenantID := uuid.New()
	calls := 0

	handler := ResponseCache(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		seeded := reqctx.With(req.Context(), reqctx.Context{TenantID: tenantID})
		handler.ServeHTTP(rec, req.WithContext(seeded))
	}
	assert.Equal(t, 2, calls, "errors must not be served from cache")
}

func TestRouteGroup(t *testing.T) {
	assert.Equal(t, "tasks", routeGroup("/api/v1/tasks"))
	assert.Equal(t, "tasks", routeGroup("/api/v1/tasks/123/comments"))
	assert.Equal(t, "auth", routeGroup("/api/v1/auth/login"))
	assert.Equal(t, "root", routeGroup("/health"))
	assert.Equal(t, "root", routeGroup("/api/v1/"))
}
