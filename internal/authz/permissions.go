package authz

import (
	"sort"
	"strings"
)

// Permission strings are dotted resource.action pairs. A trailing ".*"
// grants every action on the resource; a bare "*" grants everything.
const (
	PermTasksRead       = "tasks.read"
	PermTasksCreate     = "tasks.create"
	PermTasksUpdate     = "tasks.update"
	PermTasksAssign     = "tasks.assign"
	PermTasksDelete     = "tasks.delete"
	PermUsersManage     = "users.manage"
	PermReportsView     = "reports.view"
	PermTenantConfigure = "tenant.configure"
)

var defaultPermissions = map[Role][]string{
	RoleSystemAdmin:    {"*"},
	RoleTenantAdmin:    {"tasks.*", PermUsersManage, PermReportsView, PermTenantConfigure},
	RoleProjectManager: {PermTasksRead, PermTasksCreate, PermTasksUpdate, PermTasksAssign, PermReportsView},
	RoleMember:         {PermTasksRead, PermTasksCreate, PermTasksUpdate},
	RoleGuest:          {PermTasksRead},
}

// DefaultPermissions returns the deduplicated union of the default grants
// for the given roles, sorted for stable storage and claims.
func DefaultPermissions(roles []string) []string {
	seen := make(map[string]bool)
	for _, r := range roles {
		for _, p := range defaultPermissions[Role(r)] {
			seen[p] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasPermission reports whether required is covered by the granted set,
// honoring "*" and "resource.*" wildcards.
func HasPermission(granted []string, required string) bool {
	for _, p := range granted {
		if p == required || p == "*" {
			return true
		}
		if strings.HasSuffix(p, ".*") && strings.HasPrefix(required, p[:len(p)-1]) {
			return true
		}
	}
	return false
}
