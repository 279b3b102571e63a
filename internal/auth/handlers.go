package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/authz"
	"github.com/meridianhq/taskforge/internal/events"
	"github.com/meridianhq/taskforge/internal/mediator"
	"github.com/meridianhq/taskforge/internal/observability"
	"github.com/meridianhq/taskforge/internal/reqctx"
	"github.com/meridianhq/taskforge/internal/tenancy"
)

// Service wires the auth handlers into the mediator. Stores are stateless;
// all state flows through the transaction each handler receives.
type Service struct {
	users      UserStore
	refresh    RefreshStore
	tenants    *tenancy.Store
	passwords  *PasswordService
	tokens     TokenProvider
	mfa        *MFAService
	pepper     string
	refreshTTL time.Duration
	log        *slog.Logger
}

func NewService(tenants *tenancy.Store, passwords *PasswordService, tokens TokenProvider, mfa *MFAService, pepper string, log *slog.Logger) *Service {
	return &Service{
		tenants:    tenants,
		passwords:  passwords,
		tokens:     tokens,
		mfa:        mfa,
		pepper:     pepper,
		refreshTTL: DefaultRefreshTTL,
		log:        log,
	}
}

// WithRefreshTTL overrides the refresh-token lifetime. Non-positive values
// keep the default.
func (s *Service) WithRefreshTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.refreshTTL = ttl
	}
	return s
}

func (s *Service) Register(m *mediator.Mediator) {
	m.RegisterCommand(RegisterCommand{}.MessageName(), s.register)
	m.RegisterCommand(LoginCommand{}.MessageName(), s.login)
	m.RegisterCommand(RefreshCommand{}.MessageName(), s.refreshSession)
	m.RegisterCommand(LogoutCommand{}.MessageName(), s.logout)
	m.RegisterCommand(EnableMFACommand{}.MessageName(), s.enableMFA)
	m.RegisterCommand(VerifyMFACommand{}.MessageName(), s.verifyMFA)
	m.RegisterCommand(DisableMFACommand{}.MessageName(), s.disableMFA)
	m.RegisterCommand(ChangePasswordCommand{}.MessageName(), s.changePassword)
	m.RegisterQuery(ProfileQuery{}.MessageName(), s.profile)
}

func (s *Service) register(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*RegisterCommand)
	tenantID := rec.TenantID()

	tenant, err := s.tenants.GetByIDForUpdate(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive {
		return nil, apperr.Forbidden("tenant is deactivated")
	}

	count, err := s.users.CountByTenant(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if count >= tenant.MaxUsers {
		return nil, apperr.Conflict("tenant user limit reached")
	}

	hash, err := s.passwords.ValidateNew(ctx, cmd.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	roles := []string{string(authz.RoleMember)}
	u := &User{
		ID:                   uuid.New(),
		TenantID:             tenantID,
		Email:                cmd.Email,
		Username:             cmd.Username,
		PasswordHash:         hash,
		Roles:                roles,
		Permissions:          authz.DefaultPermissions(roles),
		IsActive:             true,
		LastPasswordChangeAt: now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.users.Create(ctx, tx, u); err != nil {
		return nil, err
	}

	err = rec.Record(events.UserRegistered, u.ID, map[string]any{
		"user_id":  u.ID,
		"email":    u.Email,
		"username": u.Username,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("user_registered",
		slog.String("user_id", u.ID.String()),
		slog.String("tenant_id", tenantID.String()),
	)
	return u.Profile(), nil
}

func (s *Service) login(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*LoginCommand)
	tenantID := rec.TenantID()

	u, err := s.users.GetByEmail(ctx, tx, tenantID, cmd.Email)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			observability.LoginFailures.WithLabelValues("unknown_user").Inc()
			return nil, apperr.Unauthenticated("invalid credentials")
		}
		return nil, err
	}
	if !u.IsActive {
		observability.LoginFailures.WithLabelValues("inactive").Inc()
		return nil, apperr.Unauthenticated("invalid credentials")
	}

	rehash, err := s.passwords.VerifyAndRehash(cmd.Password, u.PasswordHash)
	if err != nil {
		if errors.Is(err, ErrHashMismatch) {
			observability.LoginFailures.WithLabelValues("bad_password").Inc()
			return nil, apperr.Unauthenticated("invalid credentials")
		}
		return nil, err
	}
	if rehash != "" {
		if err := s.users.UpdatePasswordHash(ctx, tx, tenantID, u.ID, rehash); err != nil {
			return nil, err
		}
	}

	if u.MFAEnabled {
		if cmd.MFACode == "" {
			return nil, apperr.MFARequired()
		}
		ok, err := s.mfa.ValidateCode(cmd.MFACode, *u.MFASecret)
		if err != nil {
			return nil, err
		}
		if !ok {
			observability.LoginFailures.WithLabelValues("bad_mfa_code").Inc()
			return nil, apperr.Unauthenticated("invalid multi-factor code")
		}
	}

	pair, err := s.issueTokens(ctx, tx, u, uuid.New(), nil, HashFingerprint(cmd.DeviceFingerprint))
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, tx, tenantID, u.ID, time.Now().UTC()); err != nil {
		return nil, err
	}

	err = rec.Record(events.UserLoggedIn, u.ID, map[string]any{
		"user_id": u.ID,
		"email":   u.Email,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("user_logged_in",
		slog.String("user_id", u.ID.String()),
		slog.String("tenant_id", tenantID.String()),
	)
	return pair, nil
}

// refreshSession implements rotation. It runs unscoped because the request
// carries no verified identity: the tenant comes from the token row itself.
// Revocations performed on the failure paths must outlive the error, so
// those paths return through mediator.FailCommit.
func (s *Service) refreshSession(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*RefreshCommand)

	hash := HashRefreshToken(cmd.RefreshToken, s.pepper)
	rt, err := s.refresh.GetByHashForUpdate(ctx, tx, hash)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, apperr.InvalidToken("refresh token is not recognized")
		}
		return nil, err
	}

	if rt.IsRevoked {
		// Replay of an already-rotated token: the value was either stolen
		// or the legitimate client lost the race. Both cost the family.
		revoked, err := s.refresh.RevokeFamily(ctx, tx, rt.FamilyID)
		if err != nil {
			return nil, err
		}
		err = rec.RecordFor(rt.TenantID, events.SecurityAlert, rt.UserID, map[string]any{
			"alert":          "refresh_token_replay",
			"user_id":        rt.UserID,
			"family_id":      rt.FamilyID,
			"token_id":       rt.ID,
			"tokens_revoked": revoked,
		})
		if err != nil {
			return nil, err
		}
		observability.TokenFamilyRevocations.Inc()
		s.log.Warn("refresh_token_replay",
			slog.String("user_id", rt.UserID.String()),
			slog.String("tenant_id", rt.TenantID.String()),
			slog.String("family_id", rt.FamilyID.String()),
			slog.Int64("tokens_revoked", revoked),
		)
		return nil, mediator.FailCommit(apperr.InvalidToken("refresh token reuse detected"))
	}

	if time.Now().After(rt.ExpiresAt) {
		if err := s.refresh.Revoke(ctx, tx, rt.ID); err != nil {
			return nil, err
		}
		return nil, mediator.FailCommit(apperr.InvalidToken("refresh token has expired"))
	}

	u, err := s.users.GetByID(ctx, tx, rt.TenantID, rt.UserID)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		if err := s.refresh.Revoke(ctx, tx, rt.ID); err != nil {
			return nil, err
		}
		return nil, mediator.FailCommit(apperr.InvalidToken("account is deactivated"))
	}

	if err := s.refresh.Revoke(ctx, tx, rt.ID); err != nil {
		return nil, err
	}
	// The successor keeps the family and the fingerprint of the original
	// login.
	return s.issueTokens(ctx, tx, u, rt.FamilyID, &rt.ID, rt.DeviceFingerprintHash)
}

func (s *Service) logout(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*LogoutCommand)
	rc := reqctx.From(ctx)

	hash := HashRefreshToken(cmd.RefreshToken, s.pepper)
	if _, err := s.refresh.RevokeByHash(ctx, tx, hash, rc.UserID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Service) enableMFA(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	rc := reqctx.From(ctx)

	u, err := s.users.GetByID(ctx, tx, rec.TenantID(), rc.UserID)
	if err != nil {
		return nil, err
	}
	if u.MFAEnabled {
		return nil, apperr.Conflict("mfa is already enabled")
	}

	enrollment, sealed, err := s.mfa.GenerateEnrollment(u.Email)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetMFAPending(ctx, tx, u.TenantID, u.ID, sealed); err != nil {
		return nil, err
	}
	return enrollment, nil
}

func (s *Service) verifyMFA(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*VerifyMFACommand)
	rc := reqctx.From(ctx)

	u, err := s.users.GetByID(ctx, tx, rec.TenantID(), rc.UserID)
	if err != nil {
		return nil, err
	}
	if u.MFAEnabled {
		return nil, apperr.Conflict("mfa is already enabled")
	}
	if u.MFAPendingSecret == nil {
		return nil, apperr.Validation("no mfa enrollment in progress")
	}

	ok, err := s.mfa.ValidateCode(cmd.Code, *u.MFAPendingSecret)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Validation("invalid multi-factor code")
	}

	if err := s.users.EnableMFA(ctx, tx, u.TenantID, u.ID); err != nil {
		return nil, err
	}
	err = rec.Record(events.MFAEnabled, u.ID, map[string]any{"user_id": u.ID})
	if err != nil {
		return nil, err
	}

	s.log.Info("mfa_enabled", slog.String("user_id", u.ID.String()))
	return map[string]bool{"enabled": true}, nil
}

func (s *Service) disableMFA(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*DisableMFACommand)
	rc := reqctx.From(ctx)

	u, err := s.users.GetByID(ctx, tx, rec.TenantID(), rc.UserID)
	if err != nil {
		return nil, err
	}
	if !u.MFAEnabled {
		return nil, apperr.Validation("mfa is not enabled")
	}

	if _, err := s.passwords.VerifyAndRehash(cmd.Password, u.PasswordHash); err != nil {
		if errors.Is(err, ErrHashMismatch) {
			return nil, apperr.Unauthenticated("invalid credentials")
		}
		return nil, err
	}
	ok, err := s.mfa.ValidateCode(cmd.Code, *u.MFASecret)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Validation("invalid multi-factor code")
	}

	if err := s.users.DisableMFA(ctx, tx, u.TenantID, u.ID); err != nil {
		return nil, err
	}
	err = rec.Record(events.MFADisabled, u.ID, map[string]any{"user_id": u.ID})
	if err != nil {
		return nil, err
	}

	s.log.Info("mfa_disabled", slog.String("user_id", u.ID.String()))
	return map[string]bool{"enabled": false}, nil
}

func (s *Service) changePassword(ctx context.Context, tx pgx.Tx, rec *events.Recorder, msg mediator.Message) (any, error) {
	cmd := msg.(*ChangePasswordCommand)
	rc := reqctx.From(ctx)

	u, err := s.users.GetByID(ctx, tx, rec.TenantID(), rc.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := s.passwords.VerifyAndRehash(cmd.CurrentPassword, u.PasswordHash); err != nil {
		if errors.Is(err, ErrHashMismatch) {
			return nil, apperr.Unauthenticated("invalid credentials")
		}
		return nil, err
	}

	hash, err := s.passwords.ValidateNew(ctx, cmd.NewPassword)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdatePasswordHash(ctx, tx, u.TenantID, u.ID, hash); err != nil {
		return nil, err
	}

	revoked, err := s.refresh.RevokeAllForUser(ctx, tx, u.ID)
	if err != nil {
		return nil, err
	}

	err = rec.Record(events.PasswordChanged, u.ID, map[string]any{
		"user_id":          u.ID,
		"sessions_revoked": revoked,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("password_changed",
		slog.String("user_id", u.ID.String()),
		slog.Int64("sessions_revoked", revoked),
	)
	return nil, nil
}

func (s *Service) profile(ctx context.Context, tx pgx.Tx, msg mediator.Message) (any, error) {
	rc := reqctx.From(ctx)
	u, err := s.users.GetByID(ctx, tx, rc.TenantID, rc.UserID)
	if err != nil {
		return nil, err
	}
	return u.Profile(), nil
}

// issueTokens mints an access/refresh pair and persists the refresh row.
func (s *Service) issueTokens(ctx context.Context, tx pgx.Tx, u *User, familyID uuid.UUID, parentID *uuid.UUID, fingerprintHash *string) (*TokenPair, error) {
	access, err := s.tokens.Issue(u)
	if err != nil {
		return nil, err
	}

	raw, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rt := &RefreshToken{
		ID:                    uuid.New(),
		UserID:                u.ID,
		TenantID:              u.TenantID,
		TokenHash:             HashRefreshToken(raw, s.pepper),
		JTI:                   uuid.New(),
		FamilyID:              familyID,
		ParentTokenID:         parentID,
		DeviceFingerprintHash: fingerprintHash,
		ExpiresAt:             now.Add(s.refreshTTL),
		CreatedAt:             now,
	}
	if err := s.refresh.Insert(ctx, tx, rt); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}
