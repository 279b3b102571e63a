package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/taskforge/internal/authz"
	"github.com/meridianhq/taskforge/internal/mediator"
	"github.com/meridianhq/taskforge/internal/reqctx"
)

// LogQuery pages through the tenant's trail. Administrators only; the
// trail names other users' actions.
type LogQuery struct {
	Action     string    `json:"action" validate:"omitempty,max=100"`
	TargetType string    `json:"target_type" validate:"omitempty,oneof=user tenant task"`
	TargetID   uuid.UUID `json:"target_id"`
	Page       int       `json:"page" validate:"omitempty,min=1"`
	PageSize   int       `json:"page_size" validate:"omitempty,min=1,max=200"`
}

func (LogQuery) MessageName() string     { return "audit.log" }
func (LogQuery) MinimumRole() authz.Role { return authz.RoleTenantAdmin }

// Page is the list result plus pagination numbers for the envelope.
type Page struct {
	Entries  []*Entry `json:"entries"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

// Service wires the audit query into the mediator.
type Service struct {
	store Store
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) Register(m *mediator.Mediator) {
	m.RegisterQuery(LogQuery{}.MessageName(), s.list)
}

func (s *Service) list(ctx context.Context, tx pgx.Tx, msg mediator.Message) (any, error) {
	q := msg.(*LogQuery)
	rc := reqctx.From(ctx)

	f := Filter{
		Action:     q.Action,
		TargetType: q.TargetType,
		TargetID:   q.TargetID,
		Page:       q.Page,
		PageSize:   q.PageSize,
	}
	f.Normalize()

	entries, total, err := s.store.List(ctx, tx, rc.TenantID, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return &Page{Entries: entries, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}
