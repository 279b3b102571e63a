// Package observability wires the process-level telemetry: Prometheus
// collectors and the optional OTLP trace exporter.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskforge"

var (
	// HTTPRequestDuration observes request latency per route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// CrossTenantDenials counts requests that targeted another tenant's
	// data and were answered with NOT_FOUND.
	CrossTenantDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "security",
		Name:      "cross_tenant_denials_total",
		Help:      "Requests denied because they addressed another tenant's resources.",
	})

	// TokenFamilyRevocations counts refresh-token replays that revoked a
	// whole family.
	TokenFamilyRevocations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "security",
		Name:      "token_family_revocations_total",
		Help:      "Refresh token families revoked after replay detection.",
	})

	// LoginFailures counts rejected login attempts by reason.
	LoginFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "security",
		Name:      "login_failures_total",
		Help:      "Login attempts rejected, by reason.",
	}, []string{"reason"})

	// RateLimitRejections counts 429 responses per route group.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the rate limiter.",
	}, []string{"route"})

	// OutboxPublished counts events delivered to every subscriber.
	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Outbox rows successfully published.",
	})

	// OutboxRetries counts failed dispatch attempts that were rescheduled.
	OutboxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "retries_total",
		Help:      "Outbox dispatch attempts that failed and were rescheduled.",
	})

	// OutboxDeadLetters counts rows moved to the dead-letter table.
	OutboxDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "dead_letters_total",
		Help:      "Outbox rows abandoned after exhausting all attempts.",
	})

	// CacheHits and CacheMisses count read outcomes by key namespace.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache reads that returned a value.",
	}, []string{"namespace"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache reads that missed or failed.",
	}, []string{"namespace"})
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
