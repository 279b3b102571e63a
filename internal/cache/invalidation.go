package cache

import (
	"context"

	"github.com/meridianhq/taskforge/internal/events"
)

// taskEventTypes are the events that can change what a cached task list or
// statistics report would show.
var taskEventTypes = []events.Type{
	events.TaskCreated,
	events.TaskUpdated,
	events.TaskAssigned,
	events.TaskStatusChanged,
	events.TaskDeleted,
	events.TaskCommentAdded,
	events.TaskWatcherAdded,
	events.TaskWatcherRemoved,
}

// Invalidator drops a tenant's cached task reads whenever a task event
// commits. It runs off the outbox, so a cached page can be stale for one
// relay interval at most.
type Invalidator struct {
	store *Store
}

func NewInvalidator(store *Store) *Invalidator {
	return &Invalidator{store: store}
}

func (i *Invalidator) Register(bus *events.Bus) {
	for _, t := range taskEventTypes {
		bus.Subscribe(t, "cache_invalidator", 1, i.onTaskEvent)
	}
}

func (i *Invalidator) onTaskEvent(ctx context.Context, ev events.Event) error {
	// DeleteByPattern is fail-soft; a dead cache self-heals through TTLs,
	// so there is nothing useful to retry.
	i.store.DeleteByPattern(ctx, Key(ev.TenantID, "tasks"))
	return nil
}
