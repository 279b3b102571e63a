package task

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

// Store persists tasks and their comments. Every statement carries an
// explicit tenant_id predicate; deleted rows are invisible except where an
// audit read asks for them.
type Store struct{}

const taskColumns = `id, tenant_id, project_id, department_id, title, description,
	status, priority, assigned_to_user_id, created_by_user_id, watchers, tags,
	due_date, estimated_hours, actual_hours, blocked_reason, version, is_deleted,
	created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.TenantID, &t.ProjectID, &t.DepartmentID, &t.Title,
		&t.Description, &t.Status, &t.Priority, &t.AssignedTo, &t.CreatedBy,
		&t.Watchers, &t.Tags, &t.DueDate, &t.EstimatedHours, &t.ActualHours,
		&t.BlockedReason, &t.Version, &t.IsDeleted, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFound("task")
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return &t, nil
}

func (Store) Create(ctx context.Context, q storage.Querier, t *Task) error {
	_, err := q.Exec(ctx, `
		INSERT INTO tasks (id, tenant_id, project_id, department_id, title,
			description, status, priority, assigned_to_user_id, created_by_user_id,
			watchers, tags, due_date, estimated_hours, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.TenantID, t.ProjectID, t.DepartmentID, t.Title,
		t.Description, string(t.Status), string(t.Priority), t.AssignedTo, t.CreatedBy,
		t.Watchers, t.Tags, t.DueDate, t.EstimatedHours, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetByID returns the task, excluding soft-deleted rows.
func (Store) GetByID(ctx context.Context, q storage.Querier, tenantID, id uuid.UUID) (*Task, error) {
	row := q.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE tenant_id = $1 AND id = $2 AND NOT is_deleted`,
		tenantID, id)
	return scanTask(row)
}

// Update writes the full mutable row guarded by the version the caller
// read. Zero rows means either a concurrent writer got there first or the
// task is gone; the two cases surface as CONFLICT and NOT_FOUND.
func (Store) Update(ctx context.Context, q storage.Querier, t *Task, expectedVersion int) error {
	tag, err := q.Exec(ctx, `
		UPDATE tasks
		SET title = $3, description = $4, status = $5, priority = $6,
		    assigned_to_user_id = $7, watchers = $8, tags = $9, due_date = $10,
		    estimated_hours = $11, actual_hours = $12, blocked_reason = $13,
		    version = version + 1, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND version = $14 AND NOT is_deleted`,
		t.TenantID, t.ID, t.Title, t.Description, string(t.Status), string(t.Priority),
		t.AssignedTo, t.Watchers, t.Tags, t.DueDate,
		t.EstimatedHours, t.ActualHours, t.BlockedReason,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current int
		err := q.QueryRow(ctx,
			`SELECT version FROM tasks WHERE tenant_id = $1 AND id = $2 AND NOT is_deleted`,
			t.TenantID, t.ID).Scan(&current)
		if err == pgx.ErrNoRows {
			return apperr.NotFound("task")
		}
		if err != nil {
			return fmt.Errorf("failed to check task version: %w", err)
		}
		return apperr.Conflict("task was modified concurrently").
			WithDetail("expected_version", expectedVersion).
			WithDetail("current_version", current)
	}
	t.Version = expectedVersion + 1
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// SoftDelete hides the task; the row stays for audit reads.
func (Store) SoftDelete(ctx context.Context, q storage.Querier, tenantID, id uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE tasks
		SET is_deleted = TRUE, version = version + 1, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND NOT is_deleted`,
		tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("task")
	}
	return nil
}

// Filter narrows List. Zero values mean "no constraint".
type Filter struct {
	Status     Status
	Priority   Priority
	AssignedTo uuid.UUID
	ProjectID  uuid.UUID
	Tag        string
	Page       int
	PageSize   int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize clamps pagination to sane bounds.
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

// List returns one page of tasks plus the total match count.
func (Store) List(ctx context.Context, q storage.Querier, tenantID uuid.UUID, f Filter) ([]*Task, int, error) {
	f.Normalize()

	where := []string{"tenant_id = $1", "NOT is_deleted"}
	args := []any{tenantID}

	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Priority != "" {
		add("priority = $%d", string(f.Priority))
	}
	if f.AssignedTo != uuid.Nil {
		add("assigned_to_user_id = $%d", f.AssignedTo)
	}
	if f.ProjectID != uuid.Nil {
		add("project_id = $%d", f.ProjectID)
	}
	if f.Tag != "" {
		add("$%d = ANY(tags)", f.Tag)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := q.QueryRow(ctx, "SELECT count(*) FROM tasks WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT `+taskColumns+`
		FROM tasks
		WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read tasks: %w", err)
	}
	return tasks, total, nil
}

// Stats aggregates the tenant's live tasks in one pass.
func (Store) Stats(ctx context.Context, q storage.Querier, tenantID uuid.UUID) (*Statistics, error) {
	row := q.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'TODO'),
			count(*) FILTER (WHERE status = 'IN_PROGRESS'),
			count(*) FILTER (WHERE status = 'IN_REVIEW'),
			count(*) FILTER (WHERE status = 'BLOCKED'),
			count(*) FILTER (WHERE status = 'DONE'),
			count(*) FILTER (WHERE status = 'CANCELLED'),
			count(*) FILTER (WHERE priority = 'LOW'),
			count(*) FILTER (WHERE priority = 'MEDIUM'),
			count(*) FILTER (WHERE priority = 'HIGH'),
			count(*) FILTER (WHERE priority = 'CRITICAL'),
			count(*) FILTER (WHERE due_date < now() AND status NOT IN ('DONE', 'CANCELLED')),
			count(*) FILTER (WHERE status = 'DONE' AND updated_at >= now() - interval '7 days')
		FROM tasks
		WHERE tenant_id = $1 AND NOT is_deleted`,
		tenantID)

	var s Statistics
	var todo, inProgress, inReview, blocked, done, cancelled int
	var low, medium, high, critical int
	err := row.Scan(&s.Total, &todo, &inProgress, &inReview, &blocked, &done, &cancelled,
		&low, &medium, &high, &critical, &s.Overdue, &s.CompletedLast7d)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate task statistics: %w", err)
	}

	s.ByStatus = map[string]int{
		string(StatusTodo):       todo,
		string(StatusInProgress): inProgress,
		string(StatusInReview):   inReview,
		string(StatusBlocked):    blocked,
		string(StatusDone):       done,
		string(StatusCancelled):  cancelled,
	}
	s.ByPriority = map[string]int{
		string(PriorityLow):      low,
		string(PriorityMedium):   medium,
		string(PriorityHigh):     high,
		string(PriorityCritical): critical,
	}
	return &s, nil
}

func (Store) AddComment(ctx context.Context, q storage.Querier, c *Comment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO task_comments (id, tenant_id, task_id, user_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.TenantID, c.TaskID, c.UserID, c.Content, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

// ListComments returns every comment on the task in posting order.
func (Store) ListComments(ctx context.Context, q storage.Querier, tenantID, taskID uuid.UUID) ([]*Comment, error) {
	rows, err := q.Query(ctx, `
		SELECT id, tenant_id, task_id, user_id, content, created_at
		FROM task_comments
		WHERE tenant_id = $1 AND task_id = $2
		ORDER BY created_at, id`,
		tenantID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.TenantID, &c.TaskID, &c.UserID, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read comments: %w", err)
	}
	return comments, nil
}
