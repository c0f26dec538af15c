package domain

import (
	"encoding/json"
	"time"
)

// DomainEvent is a named occurrence raised by business logic (consent
// lifecycle, DSAR handling, ...). It is ephemeral: only the per-subscription
// delivery logs are persisted. There is no idempotency key — emitting the
// same logical event twice produces two independent dispatch cycles.
type DomainEvent struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent builds a DomainEvent stamped with the current UTC time.
func NewEvent(eventType string, payload json.RawMessage) DomainEvent {
	return DomainEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventDescriptor is one entry of the static event catalog.
type EventDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// EventCatalog lists the event types ConsentHub emits. The catalog is
// configuration data served by the admin API; subscriptions may also use the
// wildcard to cover all of them.
func EventCatalog() []EventDescriptor {
	return []EventDescriptor{
		{Name: "consent.granted", Description: "A data subject granted a consent"},
		{Name: "consent.revoked", Description: "A data subject revoked a consent"},
		{Name: "consent.updated", Description: "A consent record was modified"},
		{Name: "consent.expired", Description: "A consent passed its validity period"},
		{Name: "preference.updated", Description: "A communication preference changed"},
		{Name: "notice.published", Description: "A privacy notice version was published"},
		{Name: "notice.updated", Description: "A privacy notice draft was modified"},
		{Name: "dsar.created", Description: "A data subject access request was opened"},
		{Name: "dsar.completed", Description: "A data subject access request was fulfilled"},
		{Name: "dsar.rejected", Description: "A data subject access request was rejected"},
		{Name: "user.created", Description: "A party/user record was created"},
		{Name: "user.deleted", Description: "A party/user record was erased"},
	}
}

// KnownEvent reports whether name is in the catalog.
func KnownEvent(name string) bool {
	for _, d := range EventCatalog() {
		if d.Name == name {
			return true
		}
	}
	return false
}
