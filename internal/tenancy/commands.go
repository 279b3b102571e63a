package tenancy

import "github.com/meridianhq/taskforge/internal/authz"

// CreateCommand provisions a tenant. Platform operators only; it runs
// unscoped because the tenant being created is the scope.
type CreateCommand struct {
	Name      string `json:"name" validate:"required,min=2,max=100"`
	Subdomain string `json:"subdomain" validate:"required"`
	Plan      string `json:"subscription_plan" validate:"omitempty,oneof=BASIC PROFESSIONAL ENTERPRISE"`
	MaxUsers  int    `json:"max_users" validate:"omitempty,min=1"`
}

func (CreateCommand) MessageName() string { return "tenants.create" }
func (CreateCommand) RunsUnscoped()       {}
func (CreateCommand) AllowedRoles() []authz.Role {
	return []authz.Role{authz.RoleSystemAdmin}
}

// CurrentQuery returns the tenant the request resolved to.
type CurrentQuery struct{}

func (CurrentQuery) MessageName() string { return "tenants.current" }

// UpdateSettingsCommand replaces the tenant's settings document.
type UpdateSettingsCommand struct {
	Settings map[string]any `json:"settings" validate:"required"`
}

func (UpdateSettingsCommand) MessageName() string        { return "tenants.settings.update" }
func (UpdateSettingsCommand) MinimumRole() authz.Role    { return authz.RoleTenantAdmin }
func (UpdateSettingsCommand) RequiredPermission() string { return authz.PermTenantConfigure }
