package events_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/taskforge/internal/events"
)

func makeEvent(t events.Type, version int) events.Event {
	return events.Event{
		ID:          uuid.New(),
		Type:        t,
		AggregateID: uuid.New(),
		TenantID:    uuid.New(),
		Payload:     []byte(`{}`),
		Version:     version,
	}
}

func TestBusRoutesByType(t *testing.T) {
	bus := events.NewBus(slog.Default())
	ctx := context.Background()

	var taskCalls, userCalls int
	bus.Subscribe(events.TaskCreated, "task-counter", 1, func(ctx context.Context, ev events.Event) error {
		taskCalls++
		return nil
	})
	bus.Subscribe(events.UserRegistered, "user-counter", 1, func(ctx context.Context, ev events.Event) error {
		userCalls++
		return nil
	})

	require.NoError(t, bus.Publish(ctx, makeEvent(events.TaskCreated, 1)))
	require.NoError(t, bus.Publish(ctx, makeEvent(events.TaskCreated, 1)))
	require.NoError(t, bus.Publish(ctx, makeEvent(events.UserRegistered, 1)))

	assert.Equal(t, 2, taskCalls)
	assert.Equal(t, 1, userCalls)
}

func TestBusSubscribeAllReceivesEverything(t *testing.T) {
	bus := events.NewBus(slog.Default())
	ctx := context.Background()

	var seen []events.Type
	bus.SubscribeAll("stream-mirror", func(ctx context.Context, ev events.Event) error {
		seen = append(seen, ev.Type)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, makeEvent(events.TaskCreated, 1)))
	require.NoError(t, bus.Publish(ctx, makeEvent(events.SecurityAlert, 1)))

	assert.Equal(t, []events.Type{events.TaskCreated, events.SecurityAlert}, seen)
}

func TestBusRunsRemainingSubscribersAfterFailure(t *testing.T) {
	bus := events.NewBus(slog.Default())
	ctx := context.Background()

	boom := errors.New("audit table unavailable")
	var secondCalled bool

	bus.Subscribe(events.TaskCreated, "audit", 1, func(ctx context.Context, ev events.Event) error {
		return boom
	})
	bus.Subscribe(events.TaskCreated, "cache-invalidator", 1, func(ctx context.Context, ev events.Event) error {
		secondCalled = true
		return nil
	})

	err := bus.Publish(ctx, makeEvent(events.TaskCreated, 1))

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "audit", "the failing subscriber should be named")
	assert.True(t, secondCalled, "one failing subscriber must not starve the others")
}

func TestBusSkipsEventsBelowMinVersion(t *testing.T) {
	bus := events.NewBus(slog.Default())
	ctx := context.Background()

	var calls int
	bus.Subscribe(events.TaskStatusChanged, "v2-consumer", 2, func(ctx context.Context, ev events.Event) error {
		calls++
		return nil
	})

	require.NoError(t, bus.Publish(ctx, makeEvent(events.TaskStatusChanged, 1)))
	assert.Equal(t, 0, calls, "events below the minimum version are not delivered")

	require.NoError(t, bus.Publish(ctx, makeEvent(events.TaskStatusChanged, 2)))
	assert.Equal(t, 1, calls)
}
