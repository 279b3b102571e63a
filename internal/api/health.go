package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/taskforge/internal/auth"
)

// healthStatus is the probe body. Failing checks name the subsystem but
// never the underlying error; that goes to the log.
type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health reports overall dependency health. Postgres down means unhealthy;
// Redis down only degrades, because every Redis consumer has a fallback
// path.
func Health(pool *pgxpool.Pool, rdb *redis.Client, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"postgres": "ok", "redis": "ok"}
		status, code := "healthy", http.StatusOK

		if err := pool.Ping(r.Context()); err != nil {
			log.Error("health_check_failed", "component", "postgres", "error", err)
			checks["postgres"] = "unreachable"
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			log.Warn("health_check_degraded", "component", "redis", "error", err)
			checks["redis"] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
		}

		writeProbe(w, code, healthStatus{Status: status, Checks: checks})
	}
}

// Ready gates traffic on the database only. A pod with a live pool can
// serve even while Redis is down.
func Ready(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			writeProbe(w, http.StatusServiceUnavailable, healthStatus{Status: "not ready"})
			return
		}
		writeProbe(w, http.StatusOK, healthStatus{Status: "ready"})
	}
}

// Live answers as long as the process can schedule the handler.
func Live() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, http.StatusOK, healthStatus{Status: "alive"})
	}
}

// JWKS publishes the verification keys so resource servers can validate
// access tokens without sharing state.
func JWKS(tokens auth.TokenProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		json.NewEncoder(w).Encode(tokens.JWKS())
	}
}

func writeProbe(w http.ResponseWriter, code int, body healthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
