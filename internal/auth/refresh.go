package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/taskforge/internal/storage"
)

const (
	refreshTokenBytes = 32
	// DefaultRefreshTTL is the lifetime of a refresh token from issuance.
	// Rotation issues a fresh token, so an active session never expires
	// mid-use; an idle one dies after this long.
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// NewRefreshToken returns a new opaque refresh token value. The raw value
// goes to the client; only its hash is ever stored.
func NewRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRefreshToken derives the storable lookup key for a raw token. The
// pepper keeps a leaked table from being usable as a rainbow target.
func HashRefreshToken(raw, pepper string) string {
	sum := sha256.Sum256([]byte(raw + pepper))
	return hex.EncodeToString(sum[:])
}

// HashFingerprint hashes a client device fingerprint for storage. Returns
// nil for an empty fingerprint.
func HashFingerprint(raw string) *string {
	if raw == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(raw))
	h := hex.EncodeToString(sum[:])
	return &h
}

// RefreshStore persists refresh token rows. Methods take a Querier so
// rotation runs on the caller's transaction.
type RefreshStore struct{}

const refreshColumns = `id, user_id, tenant_id, token_hash, jti, family_id,
	parent_token_id, device_fingerprint_hash, is_revoked, expires_at, created_at`

func (RefreshStore) Insert(ctx context.Context, q storage.Querier, rt *RefreshToken) error {
	_, err := q.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, tenant_id, token_hash, jti,
			family_id, parent_token_id, device_fingerprint_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rt.ID, rt.UserID, rt.TenantID, rt.TokenHash, rt.JTI,
		rt.FamilyID, rt.ParentTokenID, rt.DeviceFingerprintHash, rt.ExpiresAt, rt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// GetByHashForUpdate loads a token row by its hash and locks it for the
// duration of the transaction, serializing concurrent rotation attempts on
// the same token.
func (RefreshStore) GetByHashForUpdate(ctx context.Context, q storage.Querier, tokenHash string) (*RefreshToken, error) {
	row := q.QueryRow(ctx, `
		SELECT `+refreshColumns+`
		FROM refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE`, tokenHash)

	var rt RefreshToken
	err := row.Scan(&rt.ID, &rt.UserID, &rt.TenantID, &rt.TokenHash, &rt.JTI,
		&rt.FamilyID, &rt.ParentTokenID, &rt.DeviceFingerprintHash,
		&rt.IsRevoked, &rt.ExpiresAt, &rt.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	return &rt, nil
}

// Revoke marks a single token as revoked.
func (RefreshStore) Revoke(ctx context.Context, q storage.Querier, id uuid.UUID) error {
	_, err := q.Exec(ctx,
		`UPDATE refresh_tokens SET is_revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeByHash revokes the token with the given hash when it belongs to
// the user. Logout path: a zero count means the token was already gone,
// which is fine.
func (RefreshStore) RevokeByHash(ctx context.Context, q storage.Querier, tokenHash string, userID uuid.UUID) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE refresh_tokens SET is_revoked = TRUE
		WHERE token_hash = $1 AND user_id = $2 AND NOT is_revoked`,
		tokenHash, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeFamily revokes every token descended from the same original login.
// Invoked on reuse detection and reports how many live tokens it killed.
func (RefreshStore) RevokeFamily(ctx context.Context, q storage.Querier, familyID uuid.UUID) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE refresh_tokens SET is_revoked = TRUE WHERE family_id = $1 AND NOT is_revoked`, familyID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeAllForUser ends every session of one user on password change.
func (RefreshStore) RevokeAllForUser(ctx context.Context, q storage.Querier, userID uuid.UUID) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE refresh_tokens SET is_revoked = TRUE WHERE user_id = $1 AND NOT is_revoked`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes rows whose expiry passed more than the retention
// window ago. Revoked rows inside the window stay: they are the evidence
// reuse detection matches against.
func (RefreshStore) DeleteExpired(ctx context.Context, q storage.Querier, retention time.Duration) (int64, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to prune refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
