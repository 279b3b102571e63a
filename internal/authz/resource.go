package authz

import (
	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/reqctx"
)

// TaskRef carries the task fields the resource predicate inspects. Handlers
// build it from the loaded row so the predicate stays storage-agnostic.
type TaskRef struct {
	AssignedTo   *uuid.UUID
	CreatedBy    uuid.UUID
	DepartmentID *uuid.UUID
}

// CanAccessTask is the per-task predicate: the assignee, the creator, and
// administrators may act on a task; anyone else needs a department match
// plus read permission. Denials surface as FORBIDDEN for same-tenant
// callers; cross-tenant callers never reach this check because the
// tenant-scoped fetch already came back NOT_FOUND.
func CanAccessTask(rc reqctx.Context, task TaskRef) bool {
	if task.AssignedTo != nil && rc.UserID == *task.AssignedTo {
		return true
	}
	if rc.UserID == task.CreatedBy {
		return true
	}
	if IsAdmin(rc.Roles) {
		return true
	}
	if rc.DepartmentID != nil && task.DepartmentID != nil &&
		*rc.DepartmentID == *task.DepartmentID &&
		HasPermission(rc.Permissions, PermTasksRead) {
		return true
	}
	return false
}
