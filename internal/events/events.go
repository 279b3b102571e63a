// Package events implements the transactional outbox: command handlers
// record events in memory, the mediator flushes them into the outbox table
// inside the same transaction as the state change, and a relay worker
// delivers committed rows to subscribers afterward.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event schema.
type Type string

const (
	UserRegistered        Type = "UserRegistered"
	UserLoggedIn          Type = "UserLoggedIn"
	PasswordChanged       Type = "PasswordChanged"
	MFAEnabled            Type = "MFAEnabled"
	MFADisabled           Type = "MFADisabled"
	SecurityAlert         Type = "SecurityAlert"
	TenantCreated         Type = "TenantCreated"
	TenantSettingsUpdated Type = "TenantSettingsUpdated"
	TaskCreated           Type = "TaskCreated"
	TaskUpdated           Type = "TaskUpdated"
	TaskAssigned          Type = "TaskAssigned"
	TaskStatusChanged     Type = "TaskStatusChanged"
	TaskDeleted           Type = "TaskDeleted"
	TaskCommentAdded      Type = "TaskCommentAdded"
	TaskWatcherAdded      Type = "TaskWatcherAdded"
	TaskWatcherRemoved    Type = "TaskWatcherRemoved"
)

// Event is the envelope every subscriber receives. Version is the schema
// version of the payload; subscribers may require a minimum version.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        Type            `json:"type"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	Payload     json.RawMessage `json:"payload"`
	Version     int             `json:"version"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Recorder accumulates events during a command handler. Nothing recorded
// here is observable until the mediator flushes the recorder into the
// outbox and the transaction commits.
type Recorder struct {
	tenantID uuid.UUID
	events   []Event
}

func NewRecorder(tenantID uuid.UUID) *Recorder {
	return &Recorder{tenantID: tenantID}
}

// TenantID returns the tenant this recorder stamps on events. For scoped
// commands it is also the tenant the surrounding transaction is bound to.
func (r *Recorder) TenantID() uuid.UUID { return r.tenantID }

// Record appends one event. The payload is serialized immediately so a
// handler cannot commit state and then fail to produce its events.
func (r *Recorder) Record(t Type, aggregateID uuid.UUID, payload any) error {
	return r.RecordFor(r.tenantID, t, aggregateID, payload)
}

// RecordFor records with an explicit tenant. Handlers that run without a
// resolved tenant (session refresh, tenant provisioning) discover the
// tenant mid-flight and stamp it here.
func (r *Recorder) RecordFor(tenantID uuid.UUID, t Type, aggregateID uuid.UUID, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.events = append(r.events, Event{
		ID:          uuid.New(),
		Type:        t,
		AggregateID: aggregateID,
		TenantID:    tenantID,
		Payload:     raw,
		Version:     1,
		OccurredAt:  time.Now().UTC(),
	})
	return nil
}

// Events returns everything recorded so far, in recording order.
func (r *Recorder) Events() []Event {
	return r.events
}
