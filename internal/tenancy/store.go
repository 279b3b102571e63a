package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/storage"
)

const tenantColumns = `id, name, subdomain, subscription_plan, max_users, is_active, settings, created_at, updated_at`

// Store persists tenants. Reads run on the pool because resolution happens
// before any tenant transaction can exist.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a tenant inside a provisioning transaction. A taken
// subdomain surfaces as CONFLICT.
func (s *Store) Create(ctx context.Context, tx pgx.Tx, t *Tenant) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO tenants (id, name, subdomain, subscription_plan, max_users, is_active, settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.Name, t.Subdomain, string(t.Plan), t.MaxUsers, t.IsActive, t.Settings)
	if err != nil {
		if storage.IsUniqueViolation(err, "tenants_subdomain_key") {
			return apperr.Conflict("subdomain is already taken").WithDetail("subdomain", t.Subdomain)
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return s.scanOne(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

// GetByIDForUpdate loads the tenant inside tx and locks its row. User
// registration takes this lock so the max_users check and the insert see a
// stable count.
func (s *Store) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Tenant, error) {
	return s.scanOne(tx.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1 FOR UPDATE`, id))
}

func (s *Store) GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error) {
	return s.scanOne(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE subdomain = $1`, subdomain))
}

// UpdateSettings replaces the opaque settings document.
func (s *Store) UpdateSettings(ctx context.Context, tx pgx.Tx, id uuid.UUID, settings map[string]any) error {
	tag, err := tx.Exec(ctx, `
		UPDATE tenants SET settings = $2, updated_at = now() WHERE id = $1
	`, id, settings)
	if err != nil {
		return fmt.Errorf("failed to update tenant settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("tenant")
	}
	return nil
}

func (s *Store) scanOne(row pgx.Row) (*Tenant, error) {
	var t Tenant
	var plan string
	err := row.Scan(&t.ID, &t.Name, &t.Subdomain, &plan, &t.MaxUsers, &t.IsActive,
		&t.Settings, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("tenant")
		}
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	t.Plan = Plan(plan)
	return &t, nil
}
