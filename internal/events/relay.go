package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/observability"
)

const (
	defaultBatchSize   = 50
	defaultMaxAttempts = 10
	retryBase          = time.Second
	retryCap           = time.Minute
)

// RelayConfig tunes the delivery loop. Zero values fall back to defaults.
type RelayConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int
	ShutdownGrace time.Duration
}

// Relay polls the outbox and delivers committed events to the bus. Run one
// relay per deployment: per-aggregate ordering relies on a single consumer
// walking the sequence.
type Relay struct {
	store *Store
	bus   *Bus
	log   *slog.Logger
	cfg   RelayConfig
}

func NewRelay(store *Store, bus *Bus, log *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Relay{store: store, bus: bus, log: log, cfg: cfg}
}

// Run polls until ctx is cancelled, then drains one final batch under the
// shutdown grace period so in-flight rows are not stranded until restart.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.log.Info("outbox_relay_started",
		"poll_interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"max_attempts", r.cfg.MaxAttempts,
	)

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
			n, err := r.processBatch(drainCtx)
			cancel()
			if err != nil {
				r.log.Error("outbox_drain_failed", "error", err)
			}
			r.log.Info("outbox_relay_stopped", "drained", n)
			return

		case <-ticker.C:
			n, err := r.processBatch(ctx)
			if err != nil {
				r.log.Error("outbox_pass_failed", "error", err)
				continue
			}
			if n > 0 {
				r.log.Debug("outbox_pass", "published", n)
			}
		}
	}
}

// processBatch delivers one batch of due rows. When a row fails, later
// rows of the same aggregate are skipped this pass so subscribers never
// see an aggregate's events out of order.
func (r *Relay) processBatch(ctx context.Context) (int, error) {
	rows, err := r.store.FetchDue(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	failed := make(map[uuid.UUID]bool)
	var published []uuid.UUID

	for _, row := range rows {
		if failed[row.AggregateID] {
			continue
		}
		if err := r.bus.Publish(ctx, row.Event); err != nil {
			failed[row.AggregateID] = true
			r.handleFailure(ctx, row, err)
			continue
		}
		published = append(published, row.ID)
	}

	if len(published) > 0 {
		if err := r.store.MarkPublished(ctx, published); err != nil {
			return 0, err
		}
		observability.OutboxPublished.Add(float64(len(published)))
	}
	return len(published), nil
}

func (r *Relay) handleFailure(ctx context.Context, row Row, cause error) {
	attempts := row.Attempts + 1

	if attempts >= r.cfg.MaxAttempts {
		row.Attempts = attempts
		if err := r.store.DeadLetter(ctx, row, cause.Error()); err != nil {
			r.log.Error("outbox_dead_letter_failed", "event_id", row.ID, "error", err)
			return
		}
		observability.OutboxDeadLetters.Inc()
		r.log.Error("outbox_dead_lettered",
			"event_id", row.ID,
			"event_type", row.Type,
			"aggregate_id", row.AggregateID,
			"attempts", attempts,
			"error", cause,
		)
		return
	}

	delay := RetryDelay(attempts)
	if err := r.store.Reschedule(ctx, row.ID, attempts, time.Now().Add(delay), cause.Error()); err != nil {
		r.log.Error("outbox_reschedule_failed", "event_id", row.ID, "error", err)
		return
	}
	observability.OutboxRetries.Inc()
	r.log.Warn("outbox_delivery_retry",
		"event_id", row.ID,
		"event_type", row.Type,
		"attempts", attempts,
		"retry_in", delay,
		"error", cause,
	)
}

// RetryDelay returns the wait applied after the given failed attempt:
// 1s, 2s, 4s, ... doubling up to a 60s ceiling.
func RetryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.MaxInterval = retryCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}
