// Package mediator dispatches commands and queries to their registered
// handlers through a fixed pipeline: schema validation, authorization,
// transaction, handler, outbox flush, commit. A failure at any stage rolls
// the transaction back, so state and events only ever appear together.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/authz"
	"github.com/meridianhq/taskforge/internal/events"
	"github.com/meridianhq/taskforge/internal/observability"
	"github.com/meridianhq/taskforge/internal/reqctx"
	"github.com/meridianhq/taskforge/internal/storage"
)

// CommandHandler mutates state inside tx and records domain events. The
// returned DTO is serialized into the response envelope.
type CommandHandler func(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg Message) (any, error)

// QueryHandler reads inside a read-only transaction. No recorder: queries
// do not emit events.
type QueryHandler func(ctx context.Context, tx pgx.Tx, msg Message) (any, error)

// Mediator routes each message to exactly one handler.
type Mediator struct {
	pool     *pgxpool.Pool
	outbox   *events.Store
	validate *validator.Validate
	log      *slog.Logger

	commands map[string]CommandHandler
	queries  map[string]QueryHandler
}

func New(pool *pgxpool.Pool, outbox *events.Store, log *slog.Logger) *Mediator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report field names as their JSON keys so validation details line up
	// with what the client sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	return &Mediator{
		pool:     pool,
		outbox:   outbox,
		validate: v,
		log:      log,
		commands: make(map[string]CommandHandler),
		queries:  make(map[string]QueryHandler),
	}
}

// RegisterCommand binds a handler to a message name. Double registration is
// a wiring bug and panics at startup.
func (m *Mediator) RegisterCommand(name string, h CommandHandler) {
	if _, exists := m.commands[name]; exists {
		panic(fmt.Sprintf("mediator: duplicate command handler for %q", name))
	}
	if _, exists := m.queries[name]; exists {
		panic(fmt.Sprintf("mediator: %q already registered as a query", name))
	}
	m.commands[name] = h
}

func (m *Mediator) RegisterQuery(name string, h QueryHandler) {
	if _, exists := m.queries[name]; exists {
		panic(fmt.Sprintf("mediator: duplicate query handler for %q", name))
	}
	if _, exists := m.commands[name]; exists {
		panic(fmt.Sprintf("mediator: %q already registered as a command", name))
	}
	m.queries[name] = h
}

// Send dispatches one message and returns the handler's DTO.
func (m *Mediator) Send(ctx context.Context, msg Message) (any, error) {
	name := msg.MessageName()
	start := time.Now()

	ctx, span := observability.Tracer().Start(ctx, "dispatch "+name)
	span.SetAttributes(attribute.String("message.name", name))
	defer span.End()

	var (
		result any
		err    error
	)
	if h, ok := m.commands[name]; ok {
		result, err = m.runCommand(ctx, h, msg)
	} else if h, ok := m.queries[name]; ok {
		result, err = m.runQuery(ctx, h, msg)
	} else {
		err = apperr.Internal(fmt.Errorf("no handler registered for message %q", name))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
		return nil, err
	}
	m.log.Debug("message_dispatched", "message", name, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (m *Mediator) runCommand(ctx context.Context, h CommandHandler, msg Message) (any, error) {
	rc := reqctx.From(ctx)

	if err := m.validateMessage(msg); err != nil {
		return nil, err
	}
	if err := authorize(rc, msg); err != nil {
		return nil, err
	}
	tenantID, err := resolveTenant(rc, msg)
	if err != nil {
		return nil, err
	}

	var (
		result   any
		demotion error // handler failure that must survive the commit
	)
	run := func(tx pgx.Tx) error {
		rec := events.NewRecorder(tenantID)
		res, err := h(ctx, tx, rec, msg)
		if err != nil {
			var ce *CommitError
			if errors.As(err, &ce) {
				if err := m.outbox.Append(ctx, tx, rec.Events()); err != nil {
					return err
				}
				demotion = ce.Err
				return nil
			}
			return err
		}
		if err := m.outbox.Append(ctx, tx, rec.Events()); err != nil {
			return err
		}
		result = res
		return nil
	}

	if _, unscoped := msg.(Unscoped); unscoped {
		err = storage.WithTx(ctx, m.pool, run)
	} else {
		err = storage.WithTenantTx(ctx, m.pool, tenantID, run)
	}
	if err != nil {
		if errors.Is(err, reqctx.ErrMissingTenant) {
			return nil, apperr.Validation("tenant context is required")
		}
		return nil, err
	}
	if demotion != nil {
		return nil, demotion
	}
	return result, nil
}

func (m *Mediator) runQuery(ctx context.Context, h QueryHandler, msg Message) (any, error) {
	rc := reqctx.From(ctx)

	if err := m.validateMessage(msg); err != nil {
		return nil, err
	}
	if err := authorize(rc, msg); err != nil {
		return nil, err
	}
	tenantID, err := resolveTenant(rc, msg)
	if err != nil {
		return nil, err
	}

	var result any
	run := func(tx pgx.Tx) error {
		res, err := h(ctx, tx, msg)
		if err != nil {
			return err
		}
		result = res
		return nil
	}

	if _, unscoped := msg.(Unscoped); unscoped {
		err = storage.WithTx(ctx, m.pool, run)
	} else {
		err = storage.WithTenantReadTx(ctx, m.pool, tenantID, run)
	}
	if err != nil {
		if errors.Is(err, reqctx.ErrMissingTenant) {
			return nil, apperr.Validation("tenant context is required")
		}
		return nil, err
	}
	return result, nil
}

func (m *Mediator) validateMessage(msg Message) error {
	err := m.validate.Struct(msg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Internal(err)
	}

	appErr := apperr.Validation("request validation failed")
	for _, fe := range fieldErrs {
		appErr.WithDetail(fe.Field(), validationMessage(fe))
	}
	return appErr
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a valid UUID"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func authorize(rc reqctx.Context, msg Message) error {
	if _, anon := msg.(Anonymous); anon {
		return nil
	}
	if !rc.Authenticated() {
		return apperr.Unauthenticated("authentication required")
	}
	if rg, ok := msg.(RoleGated); ok && !authz.AtLeast(rc.Roles, rg.MinimumRole()) {
		return apperr.Forbidden("insufficient role")
	}
	if rs, ok := msg.(RoleSetGated); ok && !authz.HasAnyRole(rc.Roles, rs.AllowedRoles()...) {
		return apperr.Forbidden("insufficient role")
	}
	if pg, ok := msg.(PermissionGated); ok && !authz.HasPermission(rc.Permissions, pg.RequiredPermission()) {
		return apperr.Forbidden("missing permission: " + pg.RequiredPermission())
	}
	return nil
}

// resolveTenant reconciles the request's resolved tenant with a tenant the
// message body provides. Registration is the main case: the body names the
// tenant to join, and it must agree with any tenant the request resolved.
func resolveTenant(rc reqctx.Context, msg Message) (uuid.UUID, error) {
	tenantID := rc.TenantID
	if tp, ok := msg.(TenantProvider); ok {
		if provided := tp.ProvidedTenant(); provided != uuid.Nil {
			if tenantID != uuid.Nil && tenantID != provided {
				return uuid.Nil, apperr.TenantMismatch("tenant in request body does not match the request tenant")
			}
			tenantID = provided
		}
	}
	return tenantID, nil
}
