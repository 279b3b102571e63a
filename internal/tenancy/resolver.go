package tenancy

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/cache"
)

// resolverTTL bounds how long resolution survives on stale data; a
// deactivated tenant is locked out within this window.
const resolverTTL = 5 * time.Minute

// TenantSource is the slice of Store the resolver needs.
type TenantSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error)
}

// Meta is the cached per-tenant slice used on every request: liveness for
// resolution and plan for rate-limit quotas.
type Meta struct {
	Active bool `json:"active"`
	Plan   Plan `json:"plan"`
}

// Resolver maps header and subdomain signals to a tenant id. The JWT claim
// is the third signal; the authentication middleware reconciles it against
// this resolver's result because only it holds verified claims.
type Resolver struct {
	source TenantSource
	cache  *cache.Store
	apex   string
}

func NewResolver(source TenantSource, cacheStore *cache.Store, apexDomain string) *Resolver {
	return &Resolver{
		source: source,
		cache:  cacheStore,
		apex:   strings.ToLower(apexDomain),
	}
}

// Resolve reconciles the X-Tenant-ID header and the request host. Both
// present and disagreeing is a hard failure; neither present returns Nil
// so a token claim can still bind the tenant later.
func (r *Resolver) Resolve(ctx context.Context, headerValue, host string) (uuid.UUID, error) {
	var fromHeader uuid.UUID
	if headerValue != "" {
		id, err := uuid.Parse(headerValue)
		if err != nil {
			return uuid.Nil, apperr.Validation("X-Tenant-ID must be a valid UUID")
		}
		if err := r.ValidateID(ctx, id); err != nil {
			return uuid.Nil, err
		}
		fromHeader = id
	}

	var fromSubdomain uuid.UUID
	if sub := r.SubdomainFromHost(host); sub != "" {
		id, err := r.BySubdomain(ctx, sub)
		if err != nil {
			return uuid.Nil, err
		}
		fromSubdomain = id
	}

	switch {
	case fromHeader != uuid.Nil && fromSubdomain != uuid.Nil && fromHeader != fromSubdomain:
		return uuid.Nil, apperr.TenantMismatch("tenant header and subdomain disagree")
	case fromHeader != uuid.Nil:
		return fromHeader, nil
	default:
		return fromSubdomain, nil
	}
}

// SubdomainFromHost extracts {sub} from {sub}.{apex}. The apex itself,
// nested subdomains, and reserved subdomains resolve to nothing.
func (r *Resolver) SubdomainFromHost(host string) string {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if r.apex == "" || host == r.apex {
		return ""
	}
	suffix := "." + r.apex
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	sub := strings.TrimSuffix(host, suffix)
	if sub == "" || strings.Contains(sub, ".") || ReservedSubdomain(sub) {
		return ""
	}
	return sub
}

// BySubdomain resolves a subdomain to an active tenant, caching the
// mapping for resolverTTL.
func (r *Resolver) BySubdomain(ctx context.Context, sub string) (uuid.UUID, error) {
	key := cache.SubdomainKey(sub)
	if raw, ok := r.cache.Get(ctx, key); ok {
		if id, err := uuid.Parse(string(raw)); err == nil {
			if err := r.ValidateID(ctx, id); err != nil {
				return uuid.Nil, err
			}
			return id, nil
		}
	}

	t, err := r.source.GetBySubdomain(ctx, sub)
	if err != nil {
		return uuid.Nil, err
	}
	r.cache.Set(ctx, key, []byte(t.ID.String()), resolverTTL)
	r.cacheMeta(ctx, t)

	if !t.IsActive {
		return uuid.Nil, apperr.Forbidden("tenant is deactivated")
	}
	return t.ID, nil
}

// Meta returns the cached liveness and plan for a tenant id.
func (r *Resolver) Meta(ctx context.Context, id uuid.UUID) (Meta, error) {
	key := cache.Key(id, "meta")
	if raw, ok := r.cache.Get(ctx, key); ok {
		var m Meta
		if json.Unmarshal(raw, &m) == nil {
			return m, nil
		}
	}

	t, err := r.source.GetByID(ctx, id)
	if err != nil {
		return Meta{}, err
	}
	return r.cacheMeta(ctx, t), nil
}

// ValidateID rejects unknown and deactivated tenants.
func (r *Resolver) ValidateID(ctx context.Context, id uuid.UUID) error {
	m, err := r.Meta(ctx, id)
	if err != nil {
		return err
	}
	if !m.Active {
		return apperr.Forbidden("tenant is deactivated")
	}
	return nil
}

// Invalidate drops the cached resolution after settings or liveness
// changes so the next request sees fresh state.
func (r *Resolver) Invalidate(ctx context.Context, id uuid.UUID, subdomain string) {
	r.cache.Delete(ctx, cache.Key(id, "meta"), cache.SubdomainKey(subdomain))
}

func (r *Resolver) cacheMeta(ctx context.Context, t *Tenant) Meta {
	m := Meta{Active: t.IsActive, Plan: t.Plan}
	if buf, err := json.Marshal(m); err == nil {
		r.cache.Set(ctx, cache.Key(t.ID, "meta"), buf, resolverTTL)
	}
	return m
}
