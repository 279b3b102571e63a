package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/taskforge/internal/events"
	"github.com/meridianhq/taskforge/internal/storage"
)

// Recorder turns delivered events into audit rows. It subscribes to the
// whole stream; event types it cannot map are dropped with a warning so a
// new event type never wedges the relay.
type Recorder struct {
	pool  *pgxpool.Pool
	store Store
	log   *slog.Logger
}

func NewRecorder(pool *pgxpool.Pool, log *slog.Logger) *Recorder {
	return &Recorder{pool: pool, log: log}
}

// Register attaches the recorder to the bus.
func (r *Recorder) Register(bus *events.Bus) {
	bus.SubscribeAll("audit_recorder", r.HandleEvent)
}

// HandleEvent writes one audit row inside a tenant transaction, which
// keeps row-level security satisfied even though the relay itself runs
// without a request tenant.
func (r *Recorder) HandleEvent(ctx context.Context, ev events.Event) error {
	e, ok := entryFrom(ev)
	if !ok {
		r.log.Warn("audit_event_unmapped", "event_type", ev.Type, "event_id", ev.ID)
		return nil
	}
	return storage.WithTenantTx(ctx, r.pool, ev.TenantID, func(tx pgx.Tx) error {
		return r.store.Insert(ctx, tx, e)
	})
}

// actionFor maps an event type to the dotted action name and the kind of
// row it targets.
func actionFor(t events.Type) (action, targetType string, ok bool) {
	switch t {
	case events.UserRegistered:
		return "user.registered", "user", true
	case events.UserLoggedIn:
		return "user.logged_in", "user", true
	case events.PasswordChanged:
		return "user.password_changed", "user", true
	case events.MFAEnabled:
		return "user.mfa_enabled", "user", true
	case events.MFADisabled:
		return "user.mfa_disabled", "user", true
	case events.SecurityAlert:
		return "security.alert", "user", true
	case events.TenantCreated:
		return "tenant.created", "tenant", true
	case events.TenantSettingsUpdated:
		return "tenant.settings_updated", "tenant", true
	case events.TaskCreated:
		return "task.created", "task", true
	case events.TaskUpdated:
		return "task.updated", "task", true
	case events.TaskAssigned:
		return "task.assigned", "task", true
	case events.TaskStatusChanged:
		return "task.status_changed", "task", true
	case events.TaskDeleted:
		return "task.deleted", "task", true
	case events.TaskCommentAdded:
		return "task.comment_added", "task", true
	case events.TaskWatcherAdded:
		return "task.watcher_added", "task", true
	case events.TaskWatcherRemoved:
		return "task.watcher_removed", "task", true
	}
	return "", "", false
}

// actorKeys in lookup order; payload conventions put the acting user under
// one of these.
var actorKeys = []string{"changed_by", "updated_by", "deleted_by", "assigned_by", "created_by", "user_id"}

func entryFrom(ev events.Event) (*Entry, bool) {
	action, targetType, ok := actionFor(ev.Type)
	if !ok {
		return nil, false
	}

	changes := map[string]any{}
	if len(ev.Payload) > 0 {
		// A payload that does not decode still gets a row; the action and
		// target are the load-bearing part.
		_ = json.Unmarshal(ev.Payload, &changes)
	}

	var actor *uuid.UUID
	for _, k := range actorKeys {
		if raw, present := changes[k]; present {
			if s, isStr := raw.(string); isStr {
				if id, err := uuid.Parse(s); err == nil {
					actor = &id
					break
				}
			}
		}
	}

	target := ev.AggregateID
	return &Entry{
		ID:          uuid.New(),
		EventID:     ev.ID,
		TenantID:    ev.TenantID,
		ActorUserID: actor,
		Action:      action,
		TargetType:  targetType,
		TargetID:    &target,
		Changes:     changes,
		CreatedAt:   time.Now().UTC(),
	}, true
}
