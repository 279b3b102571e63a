package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// HandlerFunc consumes one delivered event. Implementations must be
// idempotent keyed on the event id: the relay re-delivers a row whenever
// any subscriber for it failed.
type HandlerFunc func(ctx context.Context, ev Event) error

type subscription struct {
	name       string
	minVersion int
	fn         HandlerFunc
}

// Bus fans committed events out to in-process subscribers. Registration
// happens at startup; Publish is called by the relay.
type Bus struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[Type][]subscription
	all  []subscription
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[Type][]subscription),
	}
}

// Subscribe registers fn for one event type. Events with a schema version
// below minVersion are skipped for this subscriber.
func (b *Bus) Subscribe(t Type, name string, minVersion int, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], subscription{name: name, minVersion: minVersion, fn: fn})
}

// SubscribeAll registers fn for every event type, such as a broker
// publisher that forwards the whole stream.
func (b *Bus) SubscribeAll(name string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, subscription{name: name, minVersion: 1, fn: fn})
}

// Publish invokes every matching subscriber. All subscribers run even when
// an earlier one fails; the failures come back joined so the relay can
// retry the row.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs[ev.Type])+len(b.all))
	matched = append(matched, b.subs[ev.Type]...)
	matched = append(matched, b.all...)
	b.mu.RUnlock()

	var errs []error
	for _, sub := range matched {
		if ev.Version < sub.minVersion {
			b.log.Debug("event_version_skipped",
				"subscriber", sub.name,
				"event_type", ev.Type,
				"version", ev.Version,
				"min_version", sub.minVersion,
			)
			continue
		}
		if err := sub.fn(ctx, ev); err != nil {
			b.log.Warn("event_subscriber_failed",
				"subscriber", sub.name,
				"event_type", ev.Type,
				"event_id", ev.ID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", sub.name, err))
		}
	}
	return errors.Join(errs...)
}
