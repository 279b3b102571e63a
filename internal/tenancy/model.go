// Package tenancy owns the tenant model and resolution: mapping an
// incoming request's header and subdomain signals to an active tenant.
package tenancy

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/apperr"
)

// Plan is the subscription tier; it sets user quotas and rate limits.
type Plan string

const (
	PlanBasic        Plan = "BASIC"
	PlanProfessional Plan = "PROFESSIONAL"
	PlanEnterprise   Plan = "ENTERPRISE"
)

// RequestsPerMinute is the per-route rate-limit quota for the plan.
func (p Plan) RequestsPerMinute() int {
	switch p {
	case PlanProfessional:
		return 300
	case PlanEnterprise:
		return 1000
	default:
		return 60
	}
}

// DefaultMaxUsers is the seat quota applied at provisioning.
func (p Plan) DefaultMaxUsers() int {
	switch p {
	case PlanProfessional:
		return 100
	case PlanEnterprise:
		return 1000
	default:
		return 25
	}
}

func ValidPlan(p string) bool {
	switch Plan(p) {
	case PlanBasic, PlanProfessional, PlanEnterprise:
		return true
	}
	return false
}

// Tenant is the isolation root; every other row hangs off its id.
type Tenant struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Subdomain string         `json:"subdomain"`
	Plan      Plan           `json:"subscription_plan"`
	MaxUsers  int            `json:"max_users"`
	IsActive  bool           `json:"is_active"`
	Settings  map[string]any `json:"settings"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Reserved subdomains route to the product itself, never to a tenant.
var reservedSubdomains = map[string]bool{
	"www":   true,
	"api":   true,
	"app":   true,
	"admin": true,
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

// ReservedSubdomain reports whether sub belongs to the platform.
func ReservedSubdomain(sub string) bool {
	return reservedSubdomains[sub]
}

// ValidateSubdomain enforces the same rules the schema does so callers get
// a structured error instead of a constraint violation.
func ValidateSubdomain(sub string) error {
	if !subdomainPattern.MatchString(sub) {
		return apperr.Validation("subdomain must be 3-63 lowercase letters, digits or hyphens").
			WithDetail("subdomain", sub)
	}
	if ReservedSubdomain(sub) {
		return apperr.Validation("subdomain is reserved").WithDetail("subdomain", sub)
	}
	return nil
}
