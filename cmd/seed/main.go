// Command seed provisions a tenant and its first TENANT_ADMIN account.
// It talks to the database directly, so it works before the API is up;
// use it to bootstrap a local environment or the very first tenant of a
// fresh deployment.
//
// Usage:
//
//	seed -name "Acme Corp" -subdomain acme -email admin@acme.test -password '...'
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/meridianhq/taskforge/internal/auth"
	"github.com/meridianhq/taskforge/internal/authz"
	"github.com/meridianhq/taskforge/internal/storage"
	"github.com/meridianhq/taskforge/internal/tenancy"
)

func main() {
	name := flag.String("name", "", "tenant display name")
	subdomain := flag.String("subdomain", "", "tenant subdomain")
	email := flag.String("email", "", "admin email address")
	username := flag.String("username", "admin", "admin username")
	password := flag.String("password", "", "admin password")
	plan := flag.String("plan", string(tenancy.PlanBasic), "tenant plan (BASIC, PROFESSIONAL, ENTERPRISE)")
	flag.Parse()

	if *name == "" || *subdomain == "" || *email == "" || *password == "" {
		flag.Usage()
		os.Exit(1)
	}
	if err := run(*name, *subdomain, *email, *username, *password, tenancy.Plan(*plan)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(name, subdomain, email, username, password string, plan tenancy.Plan) error {
	_ = godotenv.Load(".env.local", ".env")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}

	if err := tenancy.ValidateSubdomain(subdomain); err != nil {
		return err
	}
	if err := auth.ValidatePolicy(password); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := storage.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	hash, err := auth.NewArgon2Hasher().Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tenant := &tenancy.Tenant{
		ID:        uuid.New(),
		Name:      name,
		Subdomain: subdomain,
		Plan:      plan,
		MaxUsers:  plan.DefaultMaxUsers(),
		IsActive:  true,
		Settings:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tenancy.NewStore(pool).Create(ctx, tx, tenant); err != nil {
		if storage.IsUniqueViolation(err, "tenants_subdomain_key") {
			return fmt.Errorf("subdomain %q is already taken", subdomain)
		}
		return fmt.Errorf("create tenant: %w", err)
	}

	roles := []string{string(authz.RoleTenantAdmin)}
	admin := &auth.User{
		ID:                   uuid.New(),
		TenantID:             tenant.ID,
		Email:                email,
		Username:             username,
		PasswordHash:         hash,
		Roles:                roles,
		Permissions:          authz.DefaultPermissions(roles),
		IsActive:             true,
		EmailVerified:        true,
		LastPasswordChangeAt: now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := (auth.UserStore{}).Create(ctx, tx, admin); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	fmt.Printf("tenant %s (%s) created\n", tenant.ID, tenant.Subdomain)
	fmt.Printf("admin %s (%s) created with role TENANT_ADMIN\n", admin.ID, admin.Email)
	return nil
}
