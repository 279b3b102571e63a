// Package authz holds the three authorization predicates the mediator
// applies before a handler runs: role gates, permission gates, and the
// per-resource task predicate.
package authz

// Role is an ordered privilege level. Rank comparisons only ever widen
// toward admin; a role never implies another role's permission set.
type Role string

const (
	RoleSystemAdmin    Role = "SYSTEM_ADMIN"
	RoleTenantAdmin    Role = "TENANT_ADMIN"
	RoleProjectManager Role = "PROJECT_MANAGER"
	RoleMember         Role = "MEMBER"
	RoleGuest          Role = "GUEST"
)

var roleRank = map[Role]int{
	RoleGuest:          1,
	RoleMember:         2,
	RoleProjectManager: 3,
	RoleTenantAdmin:    4,
	RoleSystemAdmin:    5,
}

// AtLeast reports whether any of the user's roles reaches min.
func AtLeast(roles []string, min Role) bool {
	need, ok := roleRank[min]
	if !ok {
		return false
	}
	for _, r := range roles {
		if roleRank[Role(r)] >= need {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the user holds one of the allowed roles
// exactly, without rank widening.
func HasAnyRole(roles []string, allowed ...Role) bool {
	for _, r := range roles {
		for _, a := range allowed {
			if Role(r) == a {
				return true
			}
		}
	}
	return false
}

// IsAdmin reports tenant-level or system-level administration.
func IsAdmin(roles []string) bool {
	return HasAnyRole(roles, RoleTenantAdmin, RoleSystemAdmin)
}
