// Package notify delivers user-facing notifications for events that
// warrant one: security alerts and account lifecycle moments. Delivery is
// event-driven off the outbox, so a notification can lag its trigger but
// is never sent for a rolled-back transaction.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Sender is the delivery transport. The production transport (email, chat
// webhook) plugs in here; development runs on LogSender.
type Sender interface {
	SecurityAlert(ctx context.Context, tenantID, userID uuid.UUID, alert string, detail map[string]any) error
	Welcome(ctx context.Context, tenantID uuid.UUID, email, username string) error
	PasswordChanged(ctx context.Context, tenantID, userID uuid.UUID) error
}

// LogSender prints notifications to the log (safe for development).
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) SecurityAlert(ctx context.Context, tenantID, userID uuid.UUID, alert string, detail map[string]any) error {
	s.Logger.WarnContext(ctx, "notification_security_alert",
		slog.String("tenant_id", tenantID.String()),
		slog.String("user_id", userID.String()),
		slog.String("alert", alert),
		slog.Any("detail", detail),
	)
	return nil
}

func (s *LogSender) Welcome(ctx context.Context, tenantID uuid.UUID, email, username string) error {
	s.Logger.InfoContext(ctx, "notification_welcome",
		slog.String("tenant_id", tenantID.String()),
		slog.String("email", email),
		slog.String("username", username),
	)
	return nil
}

func (s *LogSender) PasswordChanged(ctx context.Context, tenantID, userID uuid.UUID) error {
	s.Logger.InfoContext(ctx, "notification_password_changed",
		slog.String("tenant_id", tenantID.String()),
		slog.String("user_id", userID.String()),
	)
	return nil
}
