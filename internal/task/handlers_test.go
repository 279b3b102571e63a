package task_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/authz"
	"github.com/meridianhq/taskforge/internal/events"
	"github.com/meridianhq/taskforge/internal/mediator"
	"github.com/meridianhq/taskforge/internal/reqctx"
	"github.com/meridianhq/taskforge/internal/storage"
	"github.com/meridianhq/taskforge/internal/task"
	"github.com/meridianhq/taskforge/internal/tenancy"
)

type taskFixture struct {
	pool     *pgxpool.Pool
	med      *mediator.Mediator
	tenantID uuid.UUID
}

func setupTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database integration test")
	}

	ctx := context.Background()
	pool, err := storage.NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	med := mediator.New(pool, events.NewStore(pool), log)
	task.NewService(log).Register(med)

	f := &taskFixture{pool: pool, med: med, tenantID: uuid.New()}
	f.createTenant(t, f.tenantID)
	return f
}

func (f *taskFixture) createTenant(t *testing.T, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	sub := fmt.Sprintf("tasktest-%s", id.String()[:8])

	err := storage.WithTx(ctx, f.pool, func(tx pgx.Tx) error {
		return tenancy.NewStore(f.pool).Create(ctx, tx, &tenancy.Tenant{
			ID:        id,
			Name:      "Task Test Tenant",
			Subdomain: sub,
			Plan:      tenancy.PlanBasic,
			MaxUsers:  25,
			IsActive:  true,
			Settings:  map[string]any{},
		})
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = f.pool.Exec(ctx, "DELETE FROM task_comments WHERE tenant_id = $1", id)
		_, _ = f.pool.Exec(ctx, "DELETE FROM tasks WHERE tenant_id = $1", id)
		_, _ = f.pool.Exec(ctx, "DELETE FROM outbox WHERE tenant_id = $1", id)
		_, _ = f.pool.Exec(ctx, "DELETE FROM tenants WHERE id = $1", id)
	})
}

func (f *taskFixture) memberCtx(userID uuid.UUID) context.Context {
	roles := []string{string(authz.RoleMember)}
	return reqctx.With(context.Background(), reqctx.Context{
		TenantID:    f.tenantID,
		UserID:      userID,
		Roles:       roles,
		Permissions: authz.DefaultPermissions(roles),
	})
}

func (f *taskFixture) adminCtx(userID uuid.UUID) context.Context {
	roles := []string{string(authz.RoleTenantAdmin)}
	return reqctx.With(context.Background(), reqctx.Context{
		TenantID:    f.tenantID,
		UserID:      userID,
		Roles:       roles,
		Permissions: authz.DefaultPermissions(roles),
	})
}

func (f *taskFixture) createTask(t *testing.T, ctx context.Context, cmd *task.CreateCommand) *task.Task {
	t.Helper()
	if cmd == nil {
		cmd = &task.CreateCommand{ProjectID: uuid.New(), Title: "Write release notes"}
	}
	res, err := f.med.Send(ctx, cmd)
	require.NoError(t, err)
	created, ok := res.(*task.Task)
	require.True(t, ok)
	return created
}

func (f *taskFixture) eventTypes(t *testing.T, aggregateID uuid.UUID) []string {
	t.Helper()
	rows, err := f.pool.Query(context.Background(),
		"SELECT event_type FROM outbox WHERE aggregate_id = $1 ORDER BY sequence", aggregateID)
	require.NoError(t, err)
	defer rows.Close()

	var types []string
	for rows.Next() {
		var et string
		require.NoError(t, rows.Scan(&et))
		types = append(types, et)
	}
	require.NoError(t, rows.Err())
	return types
}

func TestCreateAndGetTask(t *testing.T) {
	f := setupTaskFixture(t)
	creator := uuid.New()
	ctx := f.memberCtx(creator)

	due := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Second)
	created := f.createTask(t, ctx, &task.CreateCommand{
		ProjectID:   uuid.New(),
		Title:       "Draft onboarding guide",
		Description: "First pass, outline only",
		Priority:    task.PriorityHigh,
		DueDate:     &due,
		Tags:        []string{"docs", "onboarding"},
	})

	assert.Equal(t, task.StatusTodo, created.Status)
	assert.Equal(t, task.PriorityHigh, created.Priority)
	assert.Equal(t, creator, created.CreatedBy)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, []uuid.UUID{creator}, created.Watchers, "creator watches from the start")

	res, err := f.med.Send(ctx, &task.GetQuery{TaskID: created.ID})
	require.NoError(t, err)
	got := res.(*task.Task)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, []string{"docs", "onboarding"}, got.Tags)
	require.NotNil(t, got.DueDate)
	assert.WithinDuration(t, due, *got.DueDate, time.Second)

	assert.Equal(t, []string{"TaskCreated"}, f.eventTypes(t, created.ID))
}

func TestCreateTaskDefaultsPriority(t *testing.T) {
	f := setupTaskFixture(t)
	ctx := f.memberCtx(uuid.New())

	created := f.createTask(t, ctx, &task.CreateCommand{ProjectID: uuid.New(), Title: "Triage inbox"})
	assert.Equal(t, task.PriorityMedium, created.Priority)
}

func TestTaskNotVisibleAcrossTenants(t *testing.T) {
	f := setupTaskFixture(t)
	created := f.createTask(t, f.memberCtx(uuid.New()), nil)

	other := uuid.New()
	f.createTenant(t, other)
	otherCtx := reqctx.With(context.Background(), reqctx.Context{
		TenantID:    other,
		UserID:      uuid.New(),
		Roles:       []string{string(authz.RoleTenantAdmin)},
		Permissions: authz.DefaultPermissions([]string{string(authz.RoleTenantAdmin)}),
	})

	_, err := f.med.Send(otherCtx, &task.GetQuery{TaskID: created.ID})
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound), "foreign tenant sees NOT_FOUND, not FORBIDDEN")

	_, err = f.med.Send(otherCtx, &task.UpdateCommand{TaskID: created.ID, Version: 1, Title: strptr("hijack")})
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func strptr(s string) *string { return &s }

func TestUpdateTask(t *testing.T) {
	f := setupTaskFixture(t)
	creator := uuid.New()
	ctx := f.memberCtx(creator)
	created := f.createTask(t, ctx, nil)

	hours := 6.5
	res, err := f.med.Send(ctx, &task.UpdateCommand{
		TaskID:         created.ID,
		Version:        created.Version,
		Title:          strptr("Write release notes for 2.4"),
		EstimatedHours: &hours,
		Tags:           []string{"release"},
	})
	require.NoError(t, err)
	updated := res.(*task.Task)

	assert.Equal(t, "Write release notes for 2.4", updated.Title)
	assert.Equal(t, created.Version+1, updated.Version)
	assert.Equal(t, []string{"release"}, updated.Tags)
	require.NotNil(t, updated.EstimatedHours)
	assert.Equal(t, 6.5, *updated.EstimatedHours)
}

func TestUpdateTaskStaleVersionConflicts(t *testing.T) {
	f := setupTaskFixture(t)
	ctx := f.memberCtx(uuid.New())
	created := f.createTask(t, ctx, nil)

	// Two clients both read version 1; the first write wins.
	_, err := f.med.Send(ctx, &task.UpdateCommand{TaskID: created.ID, Version: 1, Title: strptr("first")})
	require.NoError(t, err)

	_, err = f.med.Send(ctx, &task.UpdateCommand{TaskID: created.ID, Version: 1, Title: strptr("second")})
	require.Error(t, err)
	appErr := apperr.From(err)
	assert.Equal(t, apperr.CodeConflict, appErr.Code)
	assert.Equal(t, 1, appErr.Details["expected_version"])
	assert.Equal(t, 2, appErr.Details["current_version"])
}

func TestResourceGateOnTaskWrites(t *testing.T) {
	f := setupTaskFixture(t)
	creator := uuid.New()
	created := f.createTask(t, f.memberCtx(creator), nil)

	stranger := f.memberCtx(uuid.New())
	_, err := f.med.Send(stranger, &task.UpdateCommand{TaskID: created.ID, Version: 1, Title: strptr("mine now")})
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden), "same-tenant stranger is FORBIDDEN")

	// Admins pass the gate.
	_, err = f.med.Send(f.adminCtx(uuid.New()), &task.UpdateCommand{TaskID: created.ID, Version: 1, Title: strptr("renamed")})
	require.NoError(t, err)

	// So does the assignee.
	assignee := uuid.New()
	_, err = f.med.Send(f.adminCtx(uuid.New()), &task.AssignCommand{TaskID: created.ID, AssignedTo: assignee})
	require.NoError(t, err)
	_, err = f.med.Send(f.memberCtx(assignee), &task.UpdateCommand{TaskID: created.ID, Version: 3, Title: strptr("on it")})
	require.NoError(t, err)
}

func TestAssignTask(t *testing.T) {
	f := setupTaskFixture(t)
	manager := uuid.New()
	ctx := f.adminCtx(manager)
	created := f.createTask(t, ctx, nil)

	assignee := uuid.New()
	res, err := f.med.Send(ctx, &task.AssignCommand{TaskID: created.ID, AssignedTo: assignee})
	require.NoError(t, err)
	assigned := res.(*task.Task)

	require.NotNil(t, assigned.AssignedTo)
	assert.Equal(t, assignee, *assigned.AssignedTo)
	assert.True(t, assigned.Watching(assignee), "assignee becomes a watcher")
	assert.Equal(t, created.Version+1, assigned.Version)
	assert.Equal(t, []string{"TaskCreated", "TaskAssigned"}, f.eventTypes(t, created.ID))
}

func TestMemberCannotAssign(t *testing.T) {
	f := setupTaskFixture(t)
	ctx := f.memberCtx(uuid.New())
	created := f.createTask(t, ctx, nil)

	_, err := f.med.Send(ctx, &task.AssignCommand{TaskID: created.ID, AssignedTo: uuid.New()})
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))
}

func TestStatusFlow(t *testing.T) {
	f := setupTaskFixture(t)
	creator := uuid.New()
	ctx := f.memberCtx(creator)
	created := f.createTask(t, ctx, nil)

	// Skipping straight to DONE is rejected and nothing is written.
	_, err := f.med.Send(ctx, &task.ChangeStatusCommand{TaskID: created.ID, Status: task.StatusDone})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))

	admin := f.adminCtx(uuid.New())
	_, err = f.med.Send(admin, &task.AssignCommand{TaskID: created.ID, AssignedTo: creator})
	require.NoError(t, err)

	version := created.Version + 1
	for _, to := range []task.Status{task.StatusInProgress, task.StatusInReview, task.StatusDone} {
		res, err := f.med.Send(ctx, &task.ChangeStatusCommand{TaskID: created.ID, Status: to})
		require.NoError(t, err, "transition to %s", to)
		moved := res.(*task.Task)
		version++
		assert.Equal(t, version, moved.Version)
		assert.Equal(t, to, moved.Status)
	}

	assert.Equal(t, []string{
		"TaskCreated", "TaskAssigned",
		"TaskStatusChanged", "TaskStatusChanged", "TaskStatusChanged",
	}, f.eventTypes(t, created.ID))
}

func TestBlockedStatusKeepsReason(t *testing.T) {
	f := setupTaskFixture(t)
	ctx := f.memberCtx(uuid.New())
	created := f.createTask(t, ctx, nil)

	_, err := f.med.Send(ctx, &task.ChangeStatusCommand{TaskID: created.ID, Status: task.StatusBlocked})
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation), "missing reason is rejected")

	res, err := f.med.Send(ctx, &task.ChangeStatusCommand{
		TaskID: created.ID,
		Status: task.StatusBlocked,
		Reason: strptr("waiting on legal review"),
	})
	require.NoError(t, err)
	blocked := res.(*task.Task)
	require.NotNil(t, blocked.BlockedReason)
	assert.Equal(t, "waiting on legal review", *blocked.BlockedReason)

	res, err = f.med.Send(ctx, &task.ChangeStatusCommand{TaskID: created.ID, Status: task.StatusTodo})
	require.NoError(t, err)
	assert.Nil(t, res.(*task.Task).BlockedReason)
}

func TestOnlyAdminsCancel(t *testing.T) {
	f := setupTaskFixture(t)
	ctx := f.memberCtx(uuid.New())
	created := f.createTask(t, ctx, nil)

	_, err := f.med.Send(ctx, &task.ChangeStatusCommand{TaskID: created.ID, Status: task.StatusCancelled})
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))

	res, err := f.med.Send(f.adminCtx(uuid.New()), &task.ChangeStatusCommand{TaskID: created.ID, Status: task.StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, res.(*task.Task).Status)
}

func TestDeleteTask(t *testing.T) {
	f := setupTaskFixture(t)
	ctx := f.adminCtx(uuid.New())
	created := f.createTask(t, ctx, nil)

	_, err := f.med.Send(ctx, &task.DeleteCommand{TaskID: created.ID})
	require.NoError(t, err)

	_, err = f.med.Send(ctx, &task.GetQuery{TaskID: created.ID})
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))

	// The row itself survives for audit reads.
	var deleted bool
	err = f.pool.QueryRow(context.Background(),
		"SELECT is_deleted FROM tasks WHERE id = $1", created.ID).Scan(&deleted)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = f.med.Send(ctx, &task.DeleteCommand{TaskID: created.ID})
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound), "second delete finds nothing")
}

func TestMemberCannotDelete(t *testing.T) {
	f := setupTaskFixture(t)
	ctx := f.memberCtx(uuid.New())
	created := f.createTask(t, ctx, nil)

	_, err := f.med.Send(ctx, &task.DeleteCommand{TaskID: created.ID})
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))
}

func TestComments(t *testing.T) {
	f := setupTaskFixture(t)
	author := uuid.New()
	ctx := f.memberCtx(author)
	created := f.createTask(t, ctx, nil)

	res, err := f.med.Send(ctx, &task.AddCommentCommand{TaskID: created.ID, Content: "Spec attached."})
	require.NoError(t, err)
	c := res.(*task.Comment)
	assert.Equal(t, author, c.UserID)
	assert.Equal(t, "Spec attached.", c.Content)

	_, err = f.med.Send(ctx, &task.AddCommentCommand{TaskID: created.ID, Content: "Second pass done."})
	require.NoError(t, err)

	res, err = f.med.Send(ctx, &task.ListCommentsQuery{TaskID: created.ID})
	require.NoError(t, err)
	comments := res.([]*task.Comment)
	require.Len(t, comments, 2)
	assert.Equal(t, "Spec attached.", comments[0].Content)
	assert.Equal(t, "Second pass done.", comments[1].Content)

	_, err = f.med.Send(ctx, &task.AddCommentCommand{TaskID: uuid.New(), Content: "lost"})
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestWatcherCommands(t *testing.T) {
	f := setupTaskFixture(t)
	creator := uuid.New()
	ctx := f.memberCtx(creator)
	created := f.createTask(t, ctx, nil)

	// No explicit user: the caller watches on their own behalf.
	watcherID := uuid.New()
	watcherCtx := f.memberCtx(watcherID)
	res, err := f.med.Send(watcherCtx, &task.AddWatcherCommand{TaskID: created.ID})
	require.NoError(t, err)
	watched := res.(*task.Task)
	assert.True(t, watched.Watching(watcherID))

	// Watching twice neither bumps the version nor records an event.
	res, err = f.med.Send(watcherCtx, &task.AddWatcherCommand{TaskID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, watched.Version, res.(*task.Task).Version)

	res, err = f.med.Send(watcherCtx, &task.RemoveWatcherCommand{TaskID: created.ID, UserID: watcherID})
	require.NoError(t, err)
	assert.False(t, res.(*task.Task).Watching(watcherID))

	assert.Equal(t, []string{"TaskCreated", "TaskWatcherAdded", "TaskWatcherRemoved"},
		f.eventTypes(t, created.ID))
}

func TestListTasks(t *testing.T) {
	f := setupTaskFixture(t)
	me := uuid.New()
	ctx := f.memberCtx(me)
	projectA, projectB := uuid.New(), uuid.New()

	f.createTask(t, ctx, &task.CreateCommand{ProjectID: projectA, Title: "A one", Priority: task.PriorityHigh, Tags: []string{"infra"}})
	f.createTask(t, ctx, &task.CreateCommand{ProjectID: projectA, Title: "A two", AssignedTo: &me})
	f.createTask(t, ctx, &task.CreateCommand{ProjectID: projectB, Title: "B one", Priority: task.PriorityHigh})

	list := func(q *task.ListQuery) *task.Page {
		t.Helper()
		res, err := f.med.Send(ctx, q)
		require.NoError(t, err)
		return res.(*task.Page)
	}

	all := list(&task.ListQuery{})
	assert.Equal(t, 3, all.Total)
	assert.Len(t, all.Tasks, 3)
	assert.Equal(t, 1, all.Page)
	assert.Equal(t, 20, all.PageSize)

	assert.Equal(t, 2, list(&task.ListQuery{Priority: task.PriorityHigh}).Total)
	assert.Equal(t, 2, list(&task.ListQuery{ProjectID: projectA}).Total)
	assert.Equal(t, 1, list(&task.ListQuery{AssignedTo: me}).Total)
	assert.Equal(t, 1, list(&task.ListQuery{Tag: "infra"}).Total)
	assert.Equal(t, 0, list(&task.ListQuery{Status: task.StatusDone}).Total)

	paged := list(&task.ListQuery{Page: 2, PageSize: 2})
	assert.Equal(t, 3, paged.Total)
	assert.Len(t, paged.Tasks, 1)
}

func TestStatisticsReport(t *testing.T) {
	f := setupTaskFixture(t)
	me := uuid.New()
	ctx := f.adminCtx(me)

	overdue := time.Now().UTC().Add(-48 * time.Hour)
	f.createTask(t, ctx, &task.CreateCommand{ProjectID: uuid.New(), Title: "Late", DueDate: &overdue})
	done := f.createTask(t, ctx, &task.CreateCommand{ProjectID: uuid.New(), Title: "Shipped", AssignedTo: &me, Priority: task.PriorityCritical})

	for _, to := range []task.Status{task.StatusInProgress, task.StatusInReview, task.StatusDone} {
		_, err := f.med.Send(ctx, &task.ChangeStatusCommand{TaskID: done.ID, Status: to})
		require.NoError(t, err)
	}

	res, err := f.med.Send(ctx, &task.StatisticsQuery{})
	require.NoError(t, err)
	stats := res.(*task.Statistics)

	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[string(task.StatusTodo)])
	assert.Equal(t, 1, stats.ByStatus[string(task.StatusDone)])
	assert.Equal(t, 1, stats.ByPriority[string(task.PriorityCritical)])
	assert.Equal(t, 1, stats.Overdue)
	assert.Equal(t, 1, stats.CompletedLast7d)
}

func TestListRequiresReadPermission(t *testing.T) {
	f := setupTaskFixture(t)

	noPerms := reqctx.With(context.Background(), reqctx.Context{
		TenantID: f.tenantID,
		UserID:   uuid.New(),
		Roles:    []string{string(authz.RoleMember)},
	})
	_, err := f.med.Send(noPerms, &task.ListQuery{})
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))
}

func TestStatisticsRequiresReportsPermission(t *testing.T) {
	f := setupTaskFixture(t)

	_, err := f.med.Send(f.memberCtx(uuid.New()), &task.StatisticsQuery{})
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden), "members lack reports.view")
}
