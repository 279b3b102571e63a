package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/api/helpers"
	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/auth"
	"github.com/meridianhq/taskforge/internal/observability"
	"github.com/meridianhq/taskforge/internal/reqctx"
	"github.com/meridianhq/taskforge/internal/tenancy"
)

// Authentication verifies the bearer token when one is presented and binds
// the principal to the request. Requests without a token continue as
// anonymous; the mediator's gates decide per message whether that is
// acceptable.
//
// The token's tenant claim is the third tenancy signal. When the request
// already resolved a tenant from header or subdomain, the claim must agree
// with it; a token from tenant B presented against tenant A is rejected
// here as TENANT_MISMATCH, before any data access. When no earlier signal
// bound the tenant, the verified claim binds it, subject to the same
// liveness check the resolver applies to headers.
func Authentication(tokens auth.TokenProvider, resolver *tenancy.Resolver, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				helpers.RespondError(w, r, apperr.InvalidToken("Authorization header must be a bearer token"))
				return
			}

			claims, err := tokens.Verify(raw)
			if err != nil {
				log.Warn("token_rejected", "error", err, "ip", helpers.ClientIP(r))
				helpers.RespondError(w, r, apperr.InvalidToken("token is invalid or expired"))
				return
			}
			userID, err := claims.UserID()
			if err != nil {
				helpers.RespondError(w, r, apperr.InvalidToken("token subject is malformed"))
				return
			}

			rc := reqctx.From(r.Context())
			switch {
			case rc.TenantID != uuid.Nil && claims.TenantID != rc.TenantID:
				observability.CrossTenantDenials.Inc()
				log.Warn("tenant_claim_mismatch",
					"claim_tenant", claims.TenantID,
					"resolved_tenant", rc.TenantID,
					"user_id", userID,
				)
				helpers.RespondError(w, r, apperr.TenantMismatch("token belongs to a different tenant"))
				return
			case rc.TenantID == uuid.Nil:
				if err := resolver.ValidateID(r.Context(), claims.TenantID); err != nil {
					helpers.RespondError(w, r, err)
					return
				}
				rc.TenantID = claims.TenantID
			}

			rc.UserID = userID
			rc.Email = claims.Email
			rc.Roles = claims.Roles
			rc.Permissions = claims.Permissions
			rc.DepartmentID = claims.DepartmentID
			ctx := reqctx.With(r.Context(), rc)

			if hub := sentry.GetHubFromContext(ctx); hub != nil {
				hub.Scope().SetUser(sentry.User{ID: userID.String(), Email: claims.Email, IPAddress: helpers.ClientIP(r)})
				hub.Scope().SetTag("tenant_id", rc.TenantID.String())
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
