package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is an outbox row: an event plus its delivery bookkeeping.
type Row struct {
	Event
	Sequence      int64
	Attempts      int
	NextAttemptAt *time.Time
	LastError     *string
}

// Store persists outbox rows. Append joins the command transaction; the
// delivery methods run on the pool because the relay is not tenant-scoped.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append writes recorded events into the outbox within tx. The rows become
// visible to the relay only when tx commits.
func (s *Store) Append(ctx context.Context, tx pgx.Tx, evs []Event) error {
	for _, ev := range evs {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox (id, tenant_id, event_type, aggregate_id, payload, version, occurred_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		`, ev.ID, ev.TenantID, string(ev.Type), ev.AggregateID, []byte(ev.Payload), ev.Version, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("failed to append outbox event %s: %w", ev.Type, err)
		}
	}
	return nil
}

// FetchDue returns unpublished rows whose retry time has passed, oldest
// first. Sequence order is commit order, which preserves per-aggregate
// delivery order as long as a single relay consumes the table. A row whose
// aggregate has an earlier row backing off is held back too, so retries
// never let later events overtake failed ones.
func (s *Store) FetchDue(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, event_type, aggregate_id, payload, version, sequence,
		       occurred_at, attempts, next_attempt_at, last_error
		FROM outbox o
		WHERE o.published_at IS NULL
		  AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= now())
		  AND NOT EXISTS (
			SELECT 1 FROM outbox e
			WHERE e.aggregate_id = o.aggregate_id
			  AND e.published_at IS NULL
			  AND e.sequence < o.sequence
			  AND e.next_attempt_at > now()
		  )
		ORDER BY o.sequence
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var eventType string
		if err := rows.Scan(
			&r.ID, &r.TenantID, &eventType, &r.AggregateID, &r.Payload, &r.Version,
			&r.Sequence, &r.OccurredAt, &r.Attempts, &r.NextAttemptAt, &r.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		r.Type = Type(eventType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkPublished stamps rows as delivered.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET published_at = now() WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark outbox rows published: %w", err)
	}
	return nil
}

// Reschedule bumps the attempt counter and sets the next delivery time.
func (s *Store) Reschedule(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1
	`, id, attempts, next, lastErr)
	if err != nil {
		return fmt.Errorf("failed to reschedule outbox row: %w", err)
	}
	return nil
}

// DeadLetter moves a row out of the delivery path after it exhausted its
// attempts. The move is transactional so the event is never lost or
// duplicated between the two tables.
func (s *Store) DeadLetter(ctx context.Context, row Row, lastErr string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_dead_letters (id, tenant_id, event_type, aggregate_id, payload, version, occurred_at, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
	`, row.ID, row.TenantID, string(row.Type), row.AggregateID, []byte(row.Payload), row.Version, row.OccurredAt, row.Attempts, lastErr)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox WHERE id = $1`, row.ID); err != nil {
		return fmt.Errorf("failed to remove dead-lettered outbox row: %w", err)
	}

	return tx.Commit(ctx)
}

// PendingCount reports undelivered rows. The worker logs it as a backlog
// signal during maintenance sweeps.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM outbox WHERE published_at IS NULL
	`).Scan(&n)
	return n, err
}
