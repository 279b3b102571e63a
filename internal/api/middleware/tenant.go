package middleware

import (
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/api/helpers"
	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/observability"
	"github.com/meridianhq/taskforge/internal/reqctx"
	"github.com/meridianhq/taskforge/internal/tenancy"
)

// TenantResolver binds the request to a tenant from the X-Tenant-ID header
// and the request host. Disagreeing signals, unknown tenants and
// deactivated tenants are rejected here, before any handler runs. A
// request with neither signal continues unbound; the authentication
// middleware may still bind the tenant from a verified token claim.
func TenantResolver(resolver *tenancy.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, err := resolver.Resolve(r.Context(), r.Header.Get("X-Tenant-ID"), r.Host)
			if err != nil {
				if apperr.IsCode(err, apperr.CodeTenantMismatch) {
					observability.CrossTenantDenials.Inc()
				}
				helpers.RespondError(w, r, err)
				return
			}
			if tenantID == uuid.Nil {
				next.ServeHTTP(w, r)
				return
			}

			rc := reqctx.From(r.Context())
			rc.TenantID = tenantID
			ctx := reqctx.With(r.Context(), rc)

			if hub := sentry.GetHubFromContext(ctx); hub != nil {
				hub.Scope().SetTag("tenant_id", tenantID.String())
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
