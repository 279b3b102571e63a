package mediator

import (
	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/authz"
)

// Message is a command or query DTO. MessageName routes it to exactly one
// registered handler.
type Message interface {
	MessageName() string
}

// Messages advertise their gates by implementing these interfaces. A
// message without Anonymous requires an authenticated principal; the other
// gates narrow further.

// Anonymous marks messages that run without a principal: login, register,
// session refresh.
type Anonymous interface {
	Anonymous()
}

// RoleGated messages require at least the given role by rank.
type RoleGated interface {
	MinimumRole() authz.Role
}

// RoleSetGated messages require one of the listed roles exactly.
type RoleSetGated interface {
	AllowedRoles() []authz.Role
}

// PermissionGated messages require a permission in the principal's
// effective set.
type PermissionGated interface {
	RequiredPermission() string
}

// TenantProvider messages carry a tenant id in their body. When the
// request also resolved a tenant the two must agree.
type TenantProvider interface {
	ProvidedTenant() uuid.UUID
}

// Unscoped messages run outside a tenant transaction: session refresh
// looks tokens up by digest before any tenant is known, and tenant
// provisioning creates the tenant itself.
type Unscoped interface {
	RunsUnscoped()
}

// CommitError makes the mediator commit the transaction and still return
// the wrapped error. Security handlers use it so revocations persist while
// the caller sees the failure: rolling back a replay response would undo
// the family revocation it just wrote.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string { return e.Err.Error() }
func (e *CommitError) Unwrap() error { return e.Err }

// FailCommit wraps err so the surrounding transaction commits anyway.
func FailCommit(err error) error {
	return &CommitError{Err: err}
}
