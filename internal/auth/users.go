package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/storage"
)

// UserStore persists user rows. Every query carries an explicit tenant_id
// predicate; row-level security is a second fence, not the first.
type UserStore struct{}

const userColumns = `id, tenant_id, email, username, password_hash, roles,
	permissions, department_id, mfa_enabled, mfa_secret, mfa_pending_secret,
	is_active, email_verified, last_login_at, last_password_change_at,
	created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Username, &u.PasswordHash,
		&u.Roles, &u.Permissions, &u.DepartmentID, &u.MFAEnabled, &u.MFASecret,
		&u.MFAPendingSecret, &u.IsActive, &u.EmailVerified, &u.LastLoginAt,
		&u.LastPasswordChangeAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFound("user")
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

func (UserStore) Create(ctx context.Context, q storage.Querier, u *User) error {
	_, err := q.Exec(ctx, `
		INSERT INTO users (id, tenant_id, email, username, password_hash, roles,
			permissions, department_id, is_active, email_verified,
			last_password_change_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID, u.TenantID, u.Email, u.Username, u.PasswordHash, u.Roles,
		u.Permissions, u.DepartmentID, u.IsActive, u.EmailVerified,
		u.LastPasswordChangeAt, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if storage.IsUniqueViolation(err, "users_tenant_email_key") {
			return apperr.Conflict("email is already registered")
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetByEmail looks a user up by case-folded email within one tenant.
func (UserStore) GetByEmail(ctx context.Context, q storage.Querier, tenantID uuid.UUID, email string) (*User, error) {
	row := q.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE tenant_id = $1 AND lower(email) = lower($2)`,
		tenantID, email)
	return scanUser(row)
}

func (UserStore) GetByID(ctx context.Context, q storage.Querier, tenantID, id uuid.UUID) (*User, error) {
	row := q.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return scanUser(row)
}

func (UserStore) CountByTenant(ctx context.Context, q storage.Querier, tenantID uuid.UUID) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM users WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

func (UserStore) UpdateLastLogin(ctx context.Context, q storage.Querier, tenantID, id uuid.UUID, at time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE users SET last_login_at = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, at)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func (UserStore) UpdatePasswordHash(ctx context.Context, q storage.Querier, tenantID, id uuid.UUID, hash string) error {
	tag, err := q.Exec(ctx, `
		UPDATE users SET password_hash = $3, last_password_change_at = now(), updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, hash)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

// SetMFAPending stores the sealed secret of an enrollment in progress.
// Re-enrolling overwrites any earlier pending secret.
func (UserStore) SetMFAPending(ctx context.Context, q storage.Querier, tenantID, id uuid.UUID, sealedSecret string) error {
	tag, err := q.Exec(ctx, `
		UPDATE users SET mfa_pending_secret = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, sealedSecret)
	if err != nil {
		return fmt.Errorf("failed to store pending mfa secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

// EnableMFA promotes the pending secret to active in one statement, so a
// verify racing a re-enroll can never enable a half-written secret.
func (UserStore) EnableMFA(ctx context.Context, q storage.Querier, tenantID, id uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE users
		SET mfa_enabled = TRUE,
		    mfa_secret = mfa_pending_secret,
		    mfa_pending_secret = NULL,
		    updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND mfa_pending_secret IS NOT NULL`,
		tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to enable mfa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Validation("no mfa enrollment in progress")
	}
	return nil
}

func (UserStore) DisableMFA(ctx context.Context, q storage.Querier, tenantID, id uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE users
		SET mfa_enabled = FALSE,
		    mfa_secret = NULL,
		    mfa_pending_secret = NULL,
		    updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to disable mfa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user")
	}
	return nil
}
