// Package auth implements identity: registration, credentials, token
// issuance and rotation, and multi-factor enrollment. Handlers run inside
// the mediator pipeline; stores take the transaction they must join.
package auth

import (
	"time"

	"github.com/google/uuid"
)

// User is the account row. Secrets never leave this package: the JSON
// shape returned to clients is Profile.
type User struct {
	ID                   uuid.UUID
	TenantID             uuid.UUID
	Email                string
	Username             string
	PasswordHash         string
	Roles                []string
	Permissions          []string
	DepartmentID         *uuid.UUID
	MFAEnabled           bool
	MFASecret            *string
	MFAPendingSecret     *string
	IsActive             bool
	EmailVerified        bool
	LastLoginAt          *time.Time
	LastPasswordChangeAt time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Profile is the client-facing view of a user.
type Profile struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	Email         string     `json:"email"`
	Username      string     `json:"username"`
	Roles         []string   `json:"roles"`
	Permissions   []string   `json:"permissions"`
	DepartmentID  *uuid.UUID `json:"department_id,omitempty"`
	MFAEnabled    bool       `json:"mfa_enabled"`
	IsActive      bool       `json:"is_active"`
	EmailVerified bool       `json:"email_verified"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (u *User) Profile() Profile {
	return Profile{
		ID:            u.ID,
		TenantID:      u.TenantID,
		Email:         u.Email,
		Username:      u.Username,
		Roles:         u.Roles,
		Permissions:   u.Permissions,
		DepartmentID:  u.DepartmentID,
		MFAEnabled:    u.MFAEnabled,
		IsActive:      u.IsActive,
		EmailVerified: u.EmailVerified,
		LastLoginAt:   u.LastLoginAt,
		CreatedAt:     u.CreatedAt,
	}
}

// RefreshToken is the persisted record of one opaque refresh token. The
// raw value is returned to the client once; only TokenHash is stored.
type RefreshToken struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	TenantID              uuid.UUID
	TokenHash             string
	JTI                   uuid.UUID
	FamilyID              uuid.UUID
	ParentTokenID         *uuid.UUID
	DeviceFingerprintHash *string
	IsRevoked             bool
	ExpiresAt             time.Time
	CreatedAt             time.Time
}

// TokenPair is the login/refresh response payload.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}
