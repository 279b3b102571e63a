package tenancy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/events"
	"github.com/meridianhq/taskforge/internal/mediator"
	"github.com/meridianhq/taskforge/internal/reqctx"
	"github.com/meridianhq/taskforge/internal/storage"
)

// Service wires the tenant handlers into the mediator.
type Service struct {
	store    *Store
	resolver *Resolver
	log      *slog.Logger
}

func NewService(store *Store, resolver *Resolver, log *slog.Logger) *Service {
	return &Service{store: store, resolver: resolver, log: log}
}

func (s *Service) Register(m *mediator.Mediator) {
	m.RegisterCommand(CreateCommand{}.MessageName(), s.create)
	m.RegisterCommand(UpdateSettingsCommand{}.MessageName(), s.updateSettings)
	m.RegisterQuery(CurrentQuery{}.MessageName(), s.current)
}

func (s *Service) create(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*CreateCommand)

	if err := ValidateSubdomain(cmd.Subdomain); err != nil {
		return nil, err
	}

	plan := Plan(cmd.Plan)
	if plan == "" {
		plan = PlanBasic
	}
	maxUsers := cmd.MaxUsers
	if maxUsers == 0 {
		maxUsers = plan.DefaultMaxUsers()
	}

	now := time.Now().UTC()
	t := &Tenant{
		ID:        uuid.New(),
		Name:      cmd.Name,
		Subdomain: cmd.Subdomain,
		Plan:      plan,
		MaxUsers:  maxUsers,
		IsActive:  true,
		Settings:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, tx, t); err != nil {
		if storage.IsUniqueViolation(err, "tenants_subdomain_key") {
			return nil, apperr.Conflict("subdomain is already taken")
		}
		return nil, err
	}

	// The command runs unscoped, so the recorder carries the operator's
	// own tenant; the event belongs to the tenant just created.
	err := rec.RecordFor(t.ID, events.TenantCreated, t.ID, map[string]any{
		"tenant_id": t.ID,
		"name":      t.Name,
		"subdomain": t.Subdomain,
		"plan":      t.Plan,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("tenant_created",
		slog.String("tenant_id", t.ID.String()),
		slog.String("subdomain", t.Subdomain),
	)
	return t, nil
}

func (s *Service) updateSettings(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*UpdateSettingsCommand)
	tenantID := rec.TenantID()

	if err := s.store.UpdateSettings(ctx, tx, tenantID, cmd.Settings); err != nil {
		return nil, err
	}
	t, err := s.store.GetByIDForUpdate(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(cmd.Settings))
	for k := range cmd.Settings {
		keys = append(keys, k)
	}
	err = rec.Record(events.TenantSettingsUpdated, tenantID, map[string]any{
		"tenant_id": tenantID,
		"keys":      keys,
	})
	if err != nil {
		return nil, err
	}

	// Drop whatever the resolver cached so the next request re-reads the
	// row it just changed.
	s.resolver.Invalidate(ctx, t.ID, t.Subdomain)

	s.log.Info("tenant_settings_updated", slog.String("tenant_id", tenantID.String()))
	return t, nil
}

func (s *Service) current(ctx context.Context, tx pgx.Tx, msg mediator.Message) (any, error) {
	rc := reqctx.From(ctx)
	return s.store.GetByID(ctx, rc.TenantID)
}
