package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/authz"
	"github.com/meridianhq/taskforge/internal/events"
	"github.com/meridianhq/taskforge/internal/mediator"
	"github.com/meridianhq/taskforge/internal/reqctx"
)

// Service wires the task handlers into the mediator. The store is
// stateless; every statement runs on the tenant-bound transaction the
// mediator hands in.
type Service struct {
	store Store
	log   *slog.Logger
}

func NewService(log *slog.Logger) *Service {
	return &Service{log: log}
}

func (s *Service) Register(m *mediator.Mediator) {
	m.RegisterCommand(CreateCommand{}.MessageName(), s.create)
	m.RegisterCommand(UpdateCommand{}.MessageName(), s.update)
	m.RegisterCommand(AssignCommand{}.MessageName(), s.assign)
	m.RegisterCommand(ChangeStatusCommand{}.MessageName(), s.changeStatus)
	m.RegisterCommand(DeleteCommand{}.MessageName(), s.delete)
	m.RegisterCommand(AddCommentCommand{}.MessageName(), s.addComment)
	m.RegisterCommand(AddWatcherCommand{}.MessageName(), s.addWatcher)
	m.RegisterCommand(RemoveWatcherCommand{}.MessageName(), s.removeWatcher)
	m.RegisterQuery(GetQuery{}.MessageName(), s.get)
	m.RegisterQuery(ListQuery{}.MessageName(), s.list)
	m.RegisterQuery(ListCommentsQuery{}.MessageName(), s.listComments)
	m.RegisterQuery(StatisticsQuery{}.MessageName(), s.statistics)
}

// taskRef projects the fields the resource predicate inspects.
func taskRef(t *Task) authz.TaskRef {
	return authz.TaskRef{
		AssignedTo:   t.AssignedTo,
		CreatedBy:    t.CreatedBy,
		DepartmentID: t.DepartmentID,
	}
}

// loadForWrite fetches the task and applies the resource gate. Same-tenant
// callers outside the predicate get FORBIDDEN; cross-tenant callers never
// see the row and get NOT_FOUND from the fetch itself.
func (s *Service) loadForWrite(ctx context.Context, tx pgx.Tx, rc reqctx.Context, tenantID, taskID uuid.UUID) (*Task, error) {
	t, err := s.store.GetByID(ctx, tx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if !authz.CanAccessTask(rc, taskRef(t)) {
		return nil, apperr.Forbidden("you do not have access to this task")
	}
	return t, nil
}

func (s *Service) create(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*CreateCommand)
	rc := reqctx.From(ctx)

	priority := cmd.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	tags := cmd.Tags
	if tags == nil {
		tags = []string{}
	}

	now := time.Now().UTC()
	t := &Task{
		ID:             uuid.New(),
		TenantID:       rec.TenantID(),
		ProjectID:      cmd.ProjectID,
		DepartmentID:   rc.DepartmentID,
		Title:          cmd.Title,
		Description:    cmd.Description,
		Status:         StatusTodo,
		Priority:       priority,
		AssignedTo:     cmd.AssignedTo,
		CreatedBy:      rc.UserID,
		Watchers:       []uuid.UUID{rc.UserID},
		Tags:           tags,
		DueDate:        cmd.DueDate,
		EstimatedHours: cmd.EstimatedHours,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if cmd.AssignedTo != nil {
		t.AddWatcher(*cmd.AssignedTo)
	}

	if err := s.store.Create(ctx, tx, t); err != nil {
		return nil, err
	}

	err := rec.Record(events.TaskCreated, t.ID, map[string]any{
		"task_id":    t.ID,
		"project_id": t.ProjectID,
		"title":      t.Title,
		"priority":   t.Priority,
		"created_by": t.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("task_created",
		slog.String("task_id", t.ID.String()),
		slog.String("tenant_id", t.TenantID.String()),
	)
	return t, nil
}

func (s *Service) update(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*UpdateCommand)
	rc := reqctx.From(ctx)

	t, err := s.loadForWrite(ctx, tx, rc, rec.TenantID(), cmd.TaskID)
	if err != nil {
		return nil, err
	}

	var changed []string
	if cmd.Title != nil {
		t.Title = *cmd.Title
		changed = append(changed, "title")
	}
	if cmd.Description != nil {
		t.Description = *cmd.Description
		changed = append(changed, "description")
	}
	if cmd.Priority != nil {
		t.Priority = *cmd.Priority
		changed = append(changed, "priority")
	}
	if cmd.DueDate != nil {
		t.DueDate = cmd.DueDate
		changed = append(changed, "due_date")
	}
	if cmd.EstimatedHours != nil {
		t.EstimatedHours = cmd.EstimatedHours
		changed = append(changed, "estimated_hours")
	}
	if cmd.ActualHours != nil {
		t.ActualHours = cmd.ActualHours
		changed = append(changed, "actual_hours")
	}
	if cmd.Tags != nil {
		t.Tags = cmd.Tags
		changed = append(changed, "tags")
	}

	if err := s.store.Update(ctx, tx, t, cmd.Version); err != nil {
		return nil, err
	}

	err = rec.Record(events.TaskUpdated, t.ID, map[string]any{
		"task_id":    t.ID,
		"fields":     changed,
		"version":    t.Version,
		"updated_by": rc.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("task_updated",
		slog.String("task_id", t.ID.String()),
		slog.Int("version", t.Version),
	)
	return t, nil
}

func (s *Service) assign(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*AssignCommand)
	rc := reqctx.From(ctx)

	t, err := s.loadForWrite(ctx, tx, rc, rec.TenantID(), cmd.TaskID)
	if err != nil {
		return nil, err
	}

	assignee := cmd.AssignedTo
	t.AssignedTo = &assignee
	t.AddWatcher(assignee)

	if err := s.store.Update(ctx, tx, t, t.Version); err != nil {
		return nil, err
	}

	err = rec.Record(events.TaskAssigned, t.ID, map[string]any{
		"task_id":     t.ID,
		"assigned_to": assignee,
		"assigned_by": rc.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("task_assigned",
		slog.String("task_id", t.ID.String()),
		slog.String("assigned_to", assignee.String()),
	)
	return t, nil
}

func (s *Service) changeStatus(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*ChangeStatusCommand)
	rc := reqctx.From(ctx)

	t, err := s.loadForWrite(ctx, tx, rc, rec.TenantID(), cmd.TaskID)
	if err != nil {
		return nil, err
	}

	from := t.Status
	if err := t.Transition(cmd.Status, cmd.Reason, authz.IsAdmin(rc.Roles)); err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, tx, t, t.Version); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"from":       from,
		"to":         t.Status,
		"changed_by": rc.UserID,
	}
	if t.BlockedReason != nil {
		payload["reason"] = *t.BlockedReason
	}
	if err := rec.Record(events.TaskStatusChanged, t.ID, payload); err != nil {
		return nil, err
	}

	s.log.Info("task_status_changed",
		slog.String("task_id", t.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(t.Status)),
	)
	return t, nil
}

func (s *Service) delete(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*DeleteCommand)
	rc := reqctx.From(ctx)

	t, err := s.loadForWrite(ctx, tx, rc, rec.TenantID(), cmd.TaskID)
	if err != nil {
		return nil, err
	}

	if err := s.store.SoftDelete(ctx, tx, rec.TenantID(), t.ID); err != nil {
		return nil, err
	}

	err = rec.Record(events.TaskDeleted, t.ID, map[string]any{
		"task_id":    t.ID,
		"deleted_by": rc.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("task_deleted", slog.String("task_id", t.ID.String()))
	return nil, nil
}

func (s *Service) addComment(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*AddCommentCommand)
	rc := reqctx.From(ctx)

	// Commenting needs read access only, so no resource gate here. The
	// fetch still proves the task exists inside this tenant.
	t, err := s.store.GetByID(ctx, tx, rec.TenantID(), cmd.TaskID)
	if err != nil {
		return nil, err
	}

	c := &Comment{
		ID:        uuid.New(),
		TenantID:  rec.TenantID(),
		TaskID:    t.ID,
		UserID:    rc.UserID,
		Content:   cmd.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AddComment(ctx, tx, c); err != nil {
		return nil, err
	}

	err = rec.Record(events.TaskCommentAdded, t.ID, map[string]any{
		"task_id":    t.ID,
		"comment_id": c.ID,
		"user_id":    c.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("task_comment_added",
		slog.String("task_id", t.ID.String()),
		slog.String("comment_id", c.ID.String()),
	)
	return c, nil
}

func (s *Service) addWatcher(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*AddWatcherCommand)
	rc := reqctx.From(ctx)

	t, err := s.store.GetByID(ctx, tx, rec.TenantID(), cmd.TaskID)
	if err != nil {
		return nil, err
	}

	userID := cmd.UserID
	if userID == uuid.Nil {
		userID = rc.UserID
	}

	// Watching twice is a no-op, not an error.
	if !t.AddWatcher(userID) {
		return t, nil
	}
	if err := s.store.Update(ctx, tx, t, t.Version); err != nil {
		return nil, err
	}

	err = rec.Record(events.TaskWatcherAdded, t.ID, map[string]any{
		"task_id": t.ID,
		"user_id": userID,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) removeWatcher(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*RemoveWatcherCommand)

	t, err := s.store.GetByID(ctx, tx, rec.TenantID(), cmd.TaskID)
	if err != nil {
		return nil, err
	}

	if !t.RemoveWatcher(cmd.UserID) {
		return t, nil
	}
	if err := s.store.Update(ctx, tx, t, t.Version); err != nil {
		return nil, err
	}

	err = rec.Record(events.TaskWatcherRemoved, t.ID, map[string]any{
		"task_id": t.ID,
		"user_id": cmd.UserID,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) get(ctx context.Context, tx pgx.Tx, msg mediator.Message) (any, error) {
	q := msg.(*GetQuery)
	rc := reqctx.From(ctx)
	return s.store.GetByID(ctx, tx, rc.TenantID, q.TaskID)
}

// Page is the list result plus the numbers the response envelope needs to
// build pagination metadata.
type Page struct {
	Tasks    []*Task `json:"tasks"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

func (s *Service) list(ctx context.Context, tx pgx.Tx, msg mediator.Message) (any, error) {
	q := msg.(*ListQuery)
	rc := reqctx.From(ctx)

	f := Filter{
		Status:     q.Status,
		Priority:   q.Priority,
		AssignedTo: q.AssignedTo,
		ProjectID:  q.ProjectID,
		Tag:        q.Tag,
		Page:       q.Page,
		PageSize:   q.PageSize,
	}
	f.Normalize()

	tasks, total, err := s.store.List(ctx, tx, rc.TenantID, f)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return &Page{Tasks: tasks, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

func (s *Service) listComments(ctx context.Context, tx pgx.Tx, msg mediator.Message) (any, error) {
	q := msg.(*ListCommentsQuery)
	rc := reqctx.From(ctx)

	if _, err := s.store.GetByID(ctx, tx, rc.TenantID, q.TaskID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, tx, rc.TenantID, q.TaskID)
	if err != nil {
		return nil, err
	}
	if comments == nil {
		comments = []*Comment{}
	}
	return comments, nil
}

func (s *Service) statistics(ctx context.Context, tx pgx.Tx, msg mediator.Message) (any, error) {
	rc := reqctx.From(ctx)
	return s.store.Stats(ctx, tx, rc.TenantID)
}
