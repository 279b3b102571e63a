package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/authz"
)

// CreateCommand opens a new task in TODO. The creator becomes the first
// watcher; an assignee named here is watching from the start too.
type CreateCommand struct {
	ProjectID      uuid.UUID  `json:"project_id" validate:"required"`
	Title          string     `json:"title" validate:"required,min=1,max=500"`
	Description    string     `json:"description" validate:"max=5000"`
	Priority       Priority   `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	AssignedTo     *uuid.UUID `json:"assigned_to_user_id"`
	DueDate        *time.Time `json:"due_date"`
	Tags           []string   `json:"tags" validate:"omitempty,max=20,dive,min=1,max=50"`
	EstimatedHours *float64   `json:"estimated_hours" validate:"omitempty,gte=0"`
}

func (CreateCommand) MessageName() string        { return "tasks.create" }
func (CreateCommand) RequiredPermission() string { return authz.PermTasksCreate }

// UpdateCommand is a partial update: nil fields stay untouched. Version is
// the version the client last read; a stale value fails with CONFLICT.
type UpdateCommand struct {
	TaskID         uuid.UUID  `json:"-" validate:"required"`
	Version        int        `json:"version" validate:"required,min=1"`
	Title          *string    `json:"title" validate:"omitempty,min=1,max=500"`
	Description    *string    `json:"description" validate:"omitempty,max=5000"`
	Priority       *Priority  `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	DueDate        *time.Time `json:"due_date"`
	EstimatedHours *float64   `json:"estimated_hours" validate:"omitempty,gte=0"`
	ActualHours    *float64   `json:"actual_hours" validate:"omitempty,gte=0"`
	Tags           []string   `json:"tags" validate:"omitempty,max=20,dive,min=1,max=50"`
}

func (UpdateCommand) MessageName() string        { return "tasks.update" }
func (UpdateCommand) RequiredPermission() string { return authz.PermTasksUpdate }

// AssignCommand hands the task to another user and adds them as a watcher.
type AssignCommand struct {
	TaskID     uuid.UUID `json:"-" validate:"required"`
	AssignedTo uuid.UUID `json:"assigned_to_user_id" validate:"required"`
}

func (AssignCommand) MessageName() string        { return "tasks.assign" }
func (AssignCommand) RequiredPermission() string { return authz.PermTasksAssign }

// ChangeStatusCommand moves the task along the state machine. Reason is
// mandatory when the target is BLOCKED.
type ChangeStatusCommand struct {
	TaskID uuid.UUID `json:"-" validate:"required"`
	Status Status    `json:"status" validate:"required"`
	Reason *string   `json:"reason" validate:"omitempty,min=1,max=500"`
}

func (ChangeStatusCommand) MessageName() string        { return "tasks.status.change" }
func (ChangeStatusCommand) RequiredPermission() string { return authz.PermTasksUpdate }

// DeleteCommand soft-deletes: the row survives for audit reads.
type DeleteCommand struct {
	TaskID uuid.UUID `json:"-" validate:"required"`
}

func (DeleteCommand) MessageName() string        { return "tasks.delete" }
func (DeleteCommand) RequiredPermission() string { return authz.PermTasksDelete }

// AddCommentCommand appends a comment.
type AddCommentCommand struct {
	TaskID  uuid.UUID `json:"-" validate:"required"`
	Content string    `json:"content" validate:"required,min=1,max=5000"`
}

func (AddCommentCommand) MessageName() string        { return "tasks.comments.add" }
func (AddCommentCommand) RequiredPermission() string { return authz.PermTasksRead }

// AddWatcherCommand subscribes a user to the task. An empty user_id means
// the caller is watching their own behalf.
type AddWatcherCommand struct {
	TaskID uuid.UUID `json:"-" validate:"required"`
	UserID uuid.UUID `json:"user_id"`
}

func (AddWatcherCommand) MessageName() string        { return "tasks.watchers.add" }
func (AddWatcherCommand) RequiredPermission() string { return authz.PermTasksRead }

// RemoveWatcherCommand unsubscribes a user. Both ids come from the URL.
type RemoveWatcherCommand struct {
	TaskID uuid.UUID `json:"-" validate:"required"`
	UserID uuid.UUID `json:"-" validate:"required"`
}

func (RemoveWatcherCommand) MessageName() string        { return "tasks.watchers.remove" }
func (RemoveWatcherCommand) RequiredPermission() string { return authz.PermTasksRead }

// GetQuery loads one task. Tasks in other tenants do not exist as far as
// this query can tell.
type GetQuery struct {
	TaskID uuid.UUID `json:"-" validate:"required"`
}

func (GetQuery) MessageName() string        { return "tasks.get" }
func (GetQuery) RequiredPermission() string { return authz.PermTasksRead }

// ListQuery returns one page of the tenant's tasks.
type ListQuery struct {
	Status     Status    `json:"status" validate:"omitempty,oneof=TODO IN_PROGRESS IN_REVIEW BLOCKED DONE CANCELLED"`
	Priority   Priority  `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	AssignedTo uuid.UUID `json:"assigned_to"`
	ProjectID  uuid.UUID `json:"project_id"`
	Tag        string    `json:"tag" validate:"omitempty,max=50"`
	Page       int       `json:"page" validate:"omitempty,min=1"`
	PageSize   int       `json:"page_size" validate:"omitempty,min=1,max=100"`
}

func (ListQuery) MessageName() string        { return "tasks.list" }
func (ListQuery) RequiredPermission() string { return authz.PermTasksRead }

// ListCommentsQuery returns every comment on one task in posting order.
type ListCommentsQuery struct {
	TaskID uuid.UUID `json:"-" validate:"required"`
}

func (ListCommentsQuery) MessageName() string        { return "tasks.comments.list" }
func (ListCommentsQuery) RequiredPermission() string { return authz.PermTasksRead }

// StatisticsQuery aggregates the tenant's live tasks.
type StatisticsQuery struct{}

func (StatisticsQuery) MessageName() string        { return "tasks.statistics" }
func (StatisticsQuery) RequiredPermission() string { return authz.PermReportsView }
