package auth

import "github.com/google/uuid"

// RegisterCommand creates a user under the resolved tenant. The body may
// name the tenant explicitly; it must agree with any tenant the request
// already resolved to.
type RegisterCommand struct {
	Email    string    `json:"email" validate:"required,email"`
	Username string    `json:"username" validate:"required,min=3,max=50"`
	Password string    `json:"password" validate:"required"`
	TenantID uuid.UUID `json:"tenant_id"`
}

func (RegisterCommand) MessageName() string         { return "auth.register" }
func (RegisterCommand) Anonymous()                  {}
func (c RegisterCommand) ProvidedTenant() uuid.UUID { return c.TenantID }

// LoginCommand exchanges credentials for a token pair. Users with MFA
// enabled must supply the current code; a missing code yields MFA_REQUIRED
// so clients know to prompt for it.
type LoginCommand struct {
	Email             string `json:"email" validate:"required,email"`
	Password          string `json:"password" validate:"required"`
	MFACode           string `json:"mfa_code" validate:"omitempty,numeric,len=6"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"omitempty,max=512"`
}

func (LoginCommand) MessageName() string { return "auth.login" }
func (LoginCommand) Anonymous()          {}

// RefreshCommand rotates a refresh token. It runs unscoped: the tenant is
// whatever the token row says, not whatever the request claims.
type RefreshCommand struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (RefreshCommand) MessageName() string { return "auth.refresh" }
func (RefreshCommand) Anonymous()          {}
func (RefreshCommand) RunsUnscoped()       {}

// LogoutCommand revokes the presented refresh token. Only that token: the
// rest of the family stays valid for the user's other devices.
type LogoutCommand struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (LogoutCommand) MessageName() string { return "auth.logout" }

// EnableMFACommand starts TOTP enrollment for the authenticated user.
type EnableMFACommand struct{}

func (EnableMFACommand) MessageName() string { return "auth.mfa.enable" }

// VerifyMFACommand completes enrollment by proving possession of the
// pending secret.
type VerifyMFACommand struct {
	Code string `json:"code" validate:"required,numeric,len=6"`
}

func (VerifyMFACommand) MessageName() string { return "auth.mfa.verify" }

// DisableMFACommand turns MFA off. It demands both the password and a
// current code so a hijacked session cannot silently strip the second
// factor.
type DisableMFACommand struct {
	Password string `json:"password" validate:"required"`
	Code     string `json:"code" validate:"required,numeric,len=6"`
}

func (DisableMFACommand) MessageName() string { return "auth.mfa.disable" }

// ChangePasswordCommand replaces the password and ends every session.
type ChangePasswordCommand struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

func (ChangePasswordCommand) MessageName() string { return "auth.password.change" }

// ProfileQuery returns the authenticated user's profile.
type ProfileQuery struct{}

func (ProfileQuery) MessageName() string { return "auth.me" }
