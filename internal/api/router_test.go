package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/taskforge/internal/api"
	"github.com/meridianhq/taskforge/internal/auth"
	"github.com/meridianhq/taskforge/internal/authz"
	"github.com/meridianhq/taskforge/internal/cache"
	"github.com/meridianhq/taskforge/internal/events"
	"github.com/meridianhq/taskforge/internal/mediator"
	"github.com/meridianhq/taskforge/internal/storage"
	"github.com/meridianhq/taskforge/internal/task"
	"github.com/meridianhq/taskforge/internal/tenancy"
)

// apiFixture is a full HTTP stack against a real database: router,
// middleware pipeline, mediator, miniredis. Only the outbox relay and
// worker-side subscribers are absent.
type apiFixture struct {
	t      *testing.T
	pool   *pgxpool.Pool
	server *httptest.Server
	tokens auth.TokenProvider
}

type httpEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
	Metadata struct {
		CorrelationID string `json:"correlation_id"`
	} `json:"metadata"`
}

func setupAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database integration test")
	}

	ctx := context.Background()
	pool, err := storage.NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cacheStore := cache.NewStore(client, log, 200*time.Millisecond)
	tenantStore := tenancy.NewStore(pool)
	resolver := tenancy.NewResolver(tenantStore, cacheStore, "taskforge.test")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tokens := auth.NewTokenServiceFromKey("test-1", key, "https://auth.taskforge.test", 15*time.Minute)

	med := mediator.New(pool, events.NewStore(pool), log)
	task.NewService(log).Register(med)
	tenancy.NewService(tenantStore, resolver, log).Register(med)

	router := api.NewRouter(api.Deps{
		Log:                log,
		Pool:               pool,
		Redis:              client,
		Cache:              cacheStore,
		Resolver:           resolver,
		Tokens:             tokens,
		Mediator:           med,
		CORSAllowedOrigins: []string{"https://app.taskforge.test"},
		RateLimitPerMinute: 60,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &apiFixture{t: t, pool: pool, server: server, tokens: tokens}
}

func (f *apiFixture) createTenant(name string) *tenancy.Tenant {
	f.t.Helper()
	ctx := context.Background()
	tn := &tenancy.Tenant{
		ID:        uuid.New(),
		Name:      name,
		Subdomain: fmt.Sprintf("apitest-%s", uuid.NewString()[:8]),
		Plan:      tenancy.PlanBasic,
		MaxUsers:  25,
		IsActive:  true,
		Settings:  map[string]any{},
	}
	err := storage.WithTx(ctx, f.pool, func(tx pgx.Tx) error {
		return tenancy.NewStore(f.pool).Create(ctx, tx, tn)
	})
	require.NoError(f.t, err)

	f.t.Cleanup(func() {
		_, _ = f.pool.Exec(ctx, "DELETE FROM task_comments WHERE tenant_id = $1", tn.ID)
		_, _ = f.pool.Exec(ctx, "DELETE FROM tasks WHERE tenant_id = $1", tn.ID)
		_, _ = f.pool.Exec(ctx, "DELETE FROM outbox WHERE tenant_id = $1", tn.ID)
		_, _ = f.pool.Exec(ctx, "DELETE FROM tenants WHERE id = $1", tn.ID)
	})
	return tn
}

func (f *apiFixture) memberToken(tenantID uuid.UUID) string {
	f.t.Helper()
	roles := []string{string(authz.RoleMember)}
	token, err := f.tokens.Issue(&auth.User{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Email:       "member@apitest.example",
		Roles:       roles,
		Permissions: authz.DefaultPermissions(roles),
	})
	require.NoError(f.t, err)
	return token
}

// do sends a request with the given bearer and tenant header and decodes
// the envelope.
func (f *apiFixture) do(method, path, bearer string, tenantID uuid.UUID, body any) (*http.Response, httpEnvelope) {
	f.t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, buf)
	require.NoError(f.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if tenantID != uuid.Nil {
		req.Header.Set("X-Tenant-ID", tenantID.String())
	}

	resp, err := f.server.Client().Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var env httpEnvelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	if len(raw) > 0 {
		require.NoError(f.t, json.Unmarshal(raw, &env), "body: %s", raw)
	}
	return resp, env
}

func TestCrossTenantTokenRejectedAtTheEdge(t *testing.T) {
	f := setupAPIFixture(t)
	tenantA := f.createTenant("Tenant A")
	tenantB := f.createTenant("Tenant B")
	tokenB := f.memberToken(tenantB.ID)

	// A tenant-B token presented against tenant A's scope never reaches a
	// handler.
	resp, env := f.do(http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), tokenB, tenantA.ID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "TENANT_MISMATCH", env.Error.Code)
	assert.NotEmpty(t, env.Metadata.CorrelationID)

	// The same token against its own tenant works.
	resp, env = f.do(http.MethodPost, "/api/v1/tasks", tokenB, tenantB.ID, map[string]any{
		"project_id": uuid.NewString(),
		"title":      "Only visible to tenant B",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	// Tenant A, correctly scoped, sees 404 for B's task: not 403, no
	// existence leak.
	tokenA := f.memberToken(tenantA.ID)
	resp, env = f.do(http.MethodGet, "/api/v1/tasks/"+created.ID.String(), tokenA, tenantA.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	// The owner still reads it.
	resp, _ = f.do(http.MethodGet, "/api/v1/tasks/"+created.ID.String(), tokenB, tenantB.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := setupAPIFixture(t)
	tn := f.createTenant("Lifecycle")
	token := f.memberToken(tn.ID)

	resp, env := f.do(http.MethodPost, "/api/v1/tasks", token, tn.ID, map[string]any{
		"project_id": uuid.NewString(),
		"title":      "Draft the launch plan",
		"priority":   "HIGH",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)

	var created struct {
		ID      uuid.UUID `json:"id"`
		Version int       `json:"version"`
		Status  string    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "TODO", created.Status)
	assert.Equal(t, 1, created.Version)

	// Update with the version just read.
	resp, env = f.do(http.MethodPut, "/api/v1/tasks/"+created.ID.String(), token, tn.ID, map[string]any{
		"version": 1,
		"title":   "Draft and review the launch plan",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Replaying the same stale version now conflicts and names both
	// versions.
	resp, env = f.do(http.MethodPut, "/api/v1/tasks/"+created.ID.String(), token, tn.ID, map[string]any{
		"version": 1,
		"title":   "A competing edit",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "CONFLICT", env.Error.Code)
	assert.Equal(t, float64(1), env.Error.Details["expected_version"])
	assert.Equal(t, float64(2), env.Error.Details["current_version"])

	// Unknown body fields are rejected before the mediator ever runs.
	resp, env = f.do(http.MethodPost, "/api/v1/tasks", token, tn.ID, map[string]any{
		"project_id": uuid.NewString(),
		"title":      "x",
		"bogus":      true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestAnonymousRequestsAreGated(t *testing.T) {
	f := setupAPIFixture(t)
	tn := f.createTenant("Anon")

	resp, env := f.do(http.MethodGet, "/api/v1/tasks", "", tn.ID, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHENTICATED", env.Error.Code)
}

func TestUnknownRouteGetsEnvelope(t *testing.T) {
	f := setupAPIFixture(t)
	tn := f.createTenant("Routes")
	token := f.memberToken(tn.ID)

	resp, env := f.do(http.MethodGet, "/api/v1/does-not-exist", token, tn.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	f := setupAPIFixture(t)

	resp, err := f.server.Client().Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)

	resp, err = f.server.Client().Get(f.server.URL + "/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = f.server.Client().Get(f.server.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jwks))
	assert.NotEmpty(t, jwks.Keys)
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	f := setupAPIFixture(t)

	resp, err := f.server.Client().Get(f.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))
}
