// Command worker owns everything asynchronous: it relays committed outbox
// rows to the in-process subscribers (audit trail, notifications, cache
// invalidation, optional AMQP fan-out) and prunes expired refresh tokens.
// Run exactly one instance; per-aggregate event ordering depends on a
// single relay walking the outbox sequence.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/meridianhq/taskforge/internal/audit"
	"github.com/meridianhq/taskforge/internal/auth"
	"github.com/meridianhq/taskforge/internal/cache"
	"github.com/meridianhq/taskforge/internal/config"
	"github.com/meridianhq/taskforge/internal/events"
	"github.com/meridianhq/taskforge/internal/notify"
	"github.com/meridianhq/taskforge/internal/storage"
	"github.com/meridianhq/taskforge/pkg/logger"
)

const (
	exitConfigError     = 1
	exitDependencyError = 2

	janitorInterval       = time.Hour
	refreshTokenRetention = 30 * 24 * time.Hour
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	log := logger.Setup(cfg.Environment)
	log.Info("worker_starting", "environment", cfg.Environment)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.DBTimeout)
	pool, err := storage.NewPool(connectCtx, cfg.DatabaseURL)
	connectCancel()
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(exitDependencyError)
	}
	defer pool.Close()

	rdb, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("redis_url_invalid", "error", err)
		os.Exit(exitConfigError)
	}
	defer rdb.Close()
	cacheStore := cache.NewStore(rdb, log, cfg.CacheTimeout)

	bus := events.NewBus(log)
	audit.NewRecorder(pool, log).Register(bus)
	notify.NewSubscriber(&notify.LogSender{Logger: log}, log).Register(bus)
	cache.NewInvalidator(cacheStore).Register(bus)

	if cfg.AMQPURL != "" {
		pub := events.NewAMQPPublisher(cfg.AMQPURL, "taskforge.events", log)
		defer pub.Close()
		bus.SubscribeAll("amqp_publisher", pub.Handle)
		log.Info("amqp_fanout_enabled")
	}

	outbox := events.NewStore(pool)
	go janitorLoop(ctx, pool, outbox, log)

	relay := events.NewRelay(outbox, bus, log, events.RelayConfig{
		PollInterval:  cfg.OutboxPollInterval,
		ShutdownGrace: 30 * time.Second,
	})
	relay.Run(ctx)

	log.Info("worker_stopped")
}

// janitorLoop runs hourly maintenance: it prunes refresh tokens that have
// been expired long enough that no replay-detection value remains, and
// logs the outbox backlog. Revoked-but-unexpired rows stay: they are what
// reuse detection matches against.
func janitorLoop(ctx context.Context, pool storage.Querier, outbox *events.Store, log *slog.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	run := func() {
		deleted, err := auth.RefreshStore{}.DeleteExpired(ctx, pool, refreshTokenRetention)
		if err != nil {
			log.Error("refresh_token_prune_failed", "error", err)
			return
		}
		if deleted > 0 {
			log.Info("refresh_tokens_pruned", "deleted", deleted)
		}

		pending, err := outbox.PendingCount(ctx)
		if err != nil {
			log.Error("outbox_backlog_check_failed", "error", err)
			return
		}
		if pending > 0 {
			log.Info("outbox_backlog", "pending", pending)
		}
	}

	run()
	for {
		select {
		case <-ticker.C:
			run()
		case <-ctx.Done():
			return
		}
	}
}
