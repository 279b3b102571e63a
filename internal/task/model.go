// Package task implements the task aggregate: the status state machine,
// optimistic concurrency on version, watchers, comments, and the command
// and query handlers behind the /tasks surface.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/apperr"
)

type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusInReview   Status = "IN_REVIEW"
	StatusBlocked    Status = "BLOCKED"
	StatusDone       Status = "DONE"
	StatusCancelled  Status = "CANCELLED"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusInReview, StatusBlocked, StatusDone, StatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Task is the aggregate root. Version increments on every mutation and is
// the optimistic concurrency token.
type Task struct {
	ID             uuid.UUID   `json:"id"`
	TenantID       uuid.UUID   `json:"tenant_id"`
	ProjectID      uuid.UUID   `json:"project_id"`
	DepartmentID   *uuid.UUID  `json:"department_id,omitempty"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Status         Status      `json:"status"`
	Priority       Priority    `json:"priority"`
	AssignedTo     *uuid.UUID  `json:"assigned_to_user_id,omitempty"`
	CreatedBy      uuid.UUID   `json:"created_by_user_id"`
	Watchers       []uuid.UUID `json:"watchers"`
	Tags           []string    `json:"tags"`
	DueDate        *time.Time  `json:"due_date,omitempty"`
	EstimatedHours *float64    `json:"estimated_hours,omitempty"`
	ActualHours    *float64    `json:"actual_hours,omitempty"`
	BlockedReason  *string     `json:"blocked_reason,omitempty"`
	Version        int         `json:"version"`
	IsDeleted      bool        `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// transitions is the allowed edge set of the status machine. CANCELLED has
// no outgoing edges; adminOnly marks edges reserved for administrators.
var transitions = map[Status]map[Status]bool{
	StatusTodo:       {StatusInProgress: true, StatusBlocked: true, StatusCancelled: true},
	StatusInProgress: {StatusInReview: true, StatusBlocked: true, StatusCancelled: true},
	StatusInReview:   {StatusInProgress: true, StatusDone: true, StatusCancelled: true},
	StatusBlocked:    {StatusTodo: true, StatusInProgress: true, StatusCancelled: true},
	StatusDone:       {StatusCancelled: true},
	StatusCancelled:  {},
}

// CanTransition reports whether the edge exists at all, regardless of who
// asks.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Transition validates and applies a status change. DONE is terminal for
// everyone except administrators cancelling; every transition into
// CANCELLED is admin-only.
func (t *Task) Transition(to Status, reason *string, isAdmin bool) error {
	if !ValidStatus(to) {
		return apperr.Validation("unknown status").WithDetail("status", string(to))
	}
	if !CanTransition(t.Status, to) {
		return apperr.InvalidTransition("cannot move task from " + string(t.Status) + " to " + string(to))
	}
	if to == StatusCancelled && !isAdmin {
		return apperr.Forbidden("only administrators can cancel tasks")
	}
	if to == StatusBlocked && (reason == nil || *reason == "") {
		return apperr.Validation("blocked status requires a reason").WithDetail("reason", "is required")
	}
	if to == StatusInReview && t.AssignedTo == nil {
		return apperr.Validation("a task must be assigned before review").WithDetail("assigned_to_user_id", "is required")
	}

	t.Status = to
	if to == StatusBlocked {
		t.BlockedReason = reason
	} else {
		t.BlockedReason = nil
	}
	return nil
}

// Watching reports whether the user is already a watcher.
func (t *Task) Watching(userID uuid.UUID) bool {
	for _, w := range t.Watchers {
		if w == userID {
			return true
		}
	}
	return false
}

// AddWatcher is idempotent.
func (t *Task) AddWatcher(userID uuid.UUID) bool {
	if t.Watching(userID) {
		return false
	}
	t.Watchers = append(t.Watchers, userID)
	return true
}

// RemoveWatcher reports whether the user was present.
func (t *Task) RemoveWatcher(userID uuid.UUID) bool {
	for i, w := range t.Watchers {
		if w == userID {
			t.Watchers = append(t.Watchers[:i], t.Watchers[i+1:]...)
			return true
		}
	}
	return false
}

// Comment is an append-only child of a task.
type Comment struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	TaskID    uuid.UUID `json:"task_id"`
	UserID    uuid.UUID `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Statistics is the per-tenant report served by /tasks/reports/statistics.
type Statistics struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	ByPriority      map[string]int `json:"by_priority"`
	Overdue         int            `json:"overdue"`
	CompletedLast7d int            `json:"completed_last_7d"`
}
