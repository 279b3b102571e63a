// Package audit persists an immutable, tenant-scoped trail of everything
// the event stream reports. Rows are written by an outbox subscriber, so
// the trail lags the transaction that caused it but never disagrees with
// it.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/storage"
)

// Entry is one audit row. EventID is the outbox event that produced it;
// redelivery of the same event inserts nothing.
type Entry struct {
	ID          uuid.UUID      `json:"id"`
	EventID     uuid.UUID      `json:"event_id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	ActorUserID *uuid.UUID     `json:"actor_user_id,omitempty"`
	Action      string         `json:"action"`
	TargetType  string         `json:"target_type"`
	TargetID    *uuid.UUID     `json:"target_id,omitempty"`
	Changes     map[string]any `json:"changes"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Store reads and writes audit_log. Like every store, each statement
// carries its tenant predicate.
type Store struct{}

// Insert is idempotent on event_id: the relay redelivers events whenever
// any subscriber failed, and the second delivery must not duplicate the
// row.
func (Store) Insert(ctx context.Context, q storage.Querier, e *Entry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO audit_log (id, event_id, tenant_id, actor_user_id, action, target_type, target_id, changes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING`,
		e.ID, e.EventID, e.TenantID, e.ActorUserID, e.Action, e.TargetType, e.TargetID, e.Changes, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Filter narrows List; zero values mean "no constraint".
type Filter struct {
	Action     string
	TargetType string
	TargetID   uuid.UUID
	Page       int
	PageSize   int
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (f *Filter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
}

// List returns one page of the tenant's trail, newest first, plus the
// total match count.
func (Store) List(ctx context.Context, q storage.Querier, tenantID uuid.UUID, f Filter) ([]*Entry, int, error) {
	f.Normalize()

	where := []string{"tenant_id = $1"}
	args := []any{tenantID}

	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.TargetType != "" {
		add("target_type = $%d", f.TargetType)
	}
	if f.TargetID != uuid.Nil {
		add("target_id = $%d", f.TargetID)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := q.QueryRow(ctx, "SELECT count(*) FROM audit_log WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT id, event_id, tenant_id, actor_user_id, action, target_type, target_id, changes, created_at
		FROM audit_log
		WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(&e.ID, &e.EventID, &e.TenantID, &e.ActorUserID, &e.Action,
			&e.TargetType, &e.TargetID, &e.Changes, &e.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read audit entries: %w", err)
	}
	return entries, total, nil
}

// GetByEventID exists for the recorder's tests and for backfills; the API
// surface only lists.
func (Store) GetByEventID(ctx context.Context, q storage.Querier, tenantID, eventID uuid.UUID) (*Entry, error) {
	var e Entry
	err := q.QueryRow(ctx, `
		SELECT id, event_id, tenant_id, actor_user_id, action, target_type, target_id, changes, created_at
		FROM audit_log
		WHERE tenant_id = $1 AND event_id = $2`,
		tenantID, eventID).Scan(&e.ID, &e.EventID, &e.TenantID, &e.ActorUserID, &e.Action,
		&e.TargetType, &e.TargetID, &e.Changes, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFound("audit entry")
		}
		return nil, fmt.Errorf("failed to load audit entry: %w", err)
	}
	return &e, nil
}
