package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/taskforge/internal/reqctx"
)

// TxFunc runs inside a transaction. Returning an error rolls the
// transaction back.
type TxFunc func(tx pgx.Tx) error

// WithTenantTx executes fn inside a transaction bound to one tenant. The
// app.current_tenant session variable is set for the lifetime of the
// transaction so Row Level Security policies line up with the explicit
// tenant predicates the repositories already carry.
//
// The helper refuses to run without a tenant id; this is the last line of
// defense against a handler reaching the database with an unresolved
// tenant binding.
func WithTenantTx(ctx context.Context, pool *pgxpool.Pool, tenantID uuid.UUID, fn TxFunc) error {
	if tenantID == uuid.Nil {
		return reqctx.ErrMissingTenant
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // safe to call after Commit

	// set_config with is_local=true is transaction-scoped; no reset needed.
	if _, err := tx.Exec(ctx, "SELECT set_config('app.current_tenant', $1, true)", tenantID.String()); err != nil {
		return fmt.Errorf("failed to set tenant context: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithTenantReadTx is WithTenantTx in a read-only transaction. Queries use
// it so the tenant session variable still applies while the database
// refuses any write a query handler might attempt.
func WithTenantReadTx(ctx context.Context, pool *pgxpool.Pool, tenantID uuid.UUID, fn TxFunc) error {
	if tenantID == uuid.Nil {
		return reqctx.ErrMissingTenant
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.current_tenant', $1, true)", tenantID.String()); err != nil {
		return fmt.Errorf("failed to set tenant context: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit read transaction: %w", err)
	}
	return nil
}

// WithTx executes fn inside a transaction without a tenant binding.
//
// Reserved for operations that legitimately span tenants or precede tenant
// resolution: tenant provisioning, refresh-token lookup by digest, the
// outbox relay, janitor sweeps. Application logic with a resolved tenant
// must use WithTenantTx.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn TxFunc) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RequireTenant validates that a repository call carries a tenant id.
// Repositories call it before touching tenant-scoped tables.
func RequireTenant(tenantID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return reqctx.ErrMissingTenant
	}
	return nil
}
