package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/events"
)

// Subscriber translates delivered events into Sender calls.
type Subscriber struct {
	sender Sender
	log    *slog.Logger
}

func NewSubscriber(sender Sender, log *slog.Logger) *Subscriber {
	return &Subscriber{sender: sender, log: log}
}

func (s *Subscriber) Register(bus *events.Bus) {
	bus.Subscribe(events.SecurityAlert, "notify_security_alert", 1, s.onSecurityAlert)
	bus.Subscribe(events.UserRegistered, "notify_welcome", 1, s.onUserRegistered)
	bus.Subscribe(events.PasswordChanged, "notify_password_changed", 1, s.onPasswordChanged)
}

func (s *Subscriber) onSecurityAlert(ctx context.Context, ev events.Event) error {
	var payload struct {
		Alert  string    `json:"alert"`
		UserID uuid.UUID `json:"user_id"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		// A malformed alert payload is not retryable; log it and move on.
		s.log.Error("security_alert_payload_invalid", "event_id", ev.ID, "error", err)
		return nil
	}

	detail := map[string]any{}
	_ = json.Unmarshal(ev.Payload, &detail)
	delete(detail, "alert")
	delete(detail, "user_id")

	return s.sender.SecurityAlert(ctx, ev.TenantID, payload.UserID, payload.Alert, detail)
}

func (s *Subscriber) onUserRegistered(ctx context.Context, ev events.Event) error {
	var payload struct {
		Email    string `json:"email"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		s.log.Error("user_registered_payload_invalid", "event_id", ev.ID, "error", err)
		return nil
	}
	return s.sender.Welcome(ctx, ev.TenantID, payload.Email, payload.Username)
}

func (s *Subscriber) onPasswordChanged(ctx context.Context, ev events.Event) error {
	var payload struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		s.log.Error("password_changed_payload_invalid", "event_id", ev.ID, "error", err)
		return nil
	}
	return s.sender.PasswordChanged(ctx, ev.TenantID, payload.UserID)
}
