// Command api runs the HTTP front end: the middleware pipeline, the
// mediator with every module registered, and the operational endpoints.
// Events recorded by handlers land in the outbox; the worker process
// delivers them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/meridianhq/taskforge/internal/api"
	"github.com/meridianhq/taskforge/internal/audit"
	"github.com/meridianhq/taskforge/internal/auth"
	"github.com/meridianhq/taskforge/internal/cache"
	"github.com/meridianhq/taskforge/internal/config"
	"github.com/meridianhq/taskforge/internal/crypto"
	"github.com/meridianhq/taskforge/internal/events"
	"github.com/meridianhq/taskforge/internal/mediator"
	"github.com/meridianhq/taskforge/internal/observability"
	"github.com/meridianhq/taskforge/internal/storage"
	"github.com/meridianhq/taskforge/internal/task"
	"github.com/meridianhq/taskforge/internal/tenancy"
	"github.com/meridianhq/taskforge/pkg/logger"
)

const (
	exitConfigError     = 1
	exitDependencyError = 2
)

func main() {
	// Local env files are a dev convenience; deployed environments set
	// real variables.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	log := logger.Setup(cfg.Environment)
	log.Info("api_starting", "environment", cfg.Environment, "port", cfg.Port)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			TracesSampleRate: 0.1,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.Environment)
		if err != nil {
			log.Error("tracing_init_failed", "error", err)
		} else {
			defer shutdownTracing(context.Background())
		}
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.DBTimeout)
	pool, err := storage.NewPool(connectCtx, cfg.DatabaseURL)
	connectCancel()
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(exitDependencyError)
	}
	defer pool.Close()
	log.Info("database_connected")

	rdb, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("redis_url_invalid", "error", err)
		os.Exit(exitConfigError)
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Redis down is survivable: the resolver, rate limiter and
		// response cache all degrade rather than fail.
		log.Warn("redis_unreachable_at_startup", "error", err)
	}
	cacheStore := cache.NewStore(rdb, log, cfg.CacheTimeout)

	tokens, err := auth.NewTokenService(
		cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyDir,
		"https://auth."+cfg.TenantApexDomain, cfg.AccessTokenTTL,
	)
	if err != nil {
		log.Error("token_keys_load_failed", "error", err)
		os.Exit(exitConfigError)
	}

	box, err := crypto.NewBox(cfg.SecretMasterKey)
	if err != nil {
		log.Error("secret_key_invalid", "error", err)
		os.Exit(exitConfigError)
	}

	tenantStore := tenancy.NewStore(pool)
	resolver := tenancy.NewResolver(tenantStore, cacheStore, cfg.TenantApexDomain)

	breach := auth.NewHIBPClient(cfg.BreachOracleURL, cfg.BreachOracleTimeout, log)
	passwords := auth.NewPasswordService(auth.NewArgon2Hasher(), breach, cfg.BreachFailClosed, log)
	mfa := auth.NewMFAService("TaskForge", box)

	med := mediator.New(pool, events.NewStore(pool), log)
	auth.NewService(tenantStore, passwords, tokens, mfa, cfg.RefreshTokenPepper, log).
		WithRefreshTTL(cfg.RefreshTokenTTL).
		Register(med)
	task.NewService(log).Register(med)
	tenancy.NewService(tenantStore, resolver, log).Register(med)
	audit.NewService().Register(med)

	router := api.NewRouter(api.Deps{
		Log:                log,
		Pool:               pool,
		Redis:              rdb,
		Cache:              cacheStore,
		Resolver:           resolver,
		Tokens:             tokens,
		Mediator:           med,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_failed", "error", err)
		os.Exit(exitDependencyError)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			_ = srv.Close()
		}
		log.Info("server_stopped")
	}
}
