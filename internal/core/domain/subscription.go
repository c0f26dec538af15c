package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventWildcard subscribes a webhook to every event type.
const EventWildcard = "*"

// AuthKind is the closed set of supported outbound authentication schemes.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
)

// Valid reports whether the kind is one of the recognized schemes.
func (k AuthKind) Valid() bool {
	switch k {
	case AuthNone, AuthBearer, AuthAPIKey:
		return true
	}
	return false
}

// SubscriptionAuth describes how outbound requests authenticate to the target.
// Bearer sends "Authorization: Bearer <token>"; api_key sends the token in
// Header (default X-API-Key).
type SubscriptionAuth struct {
	Kind   AuthKind `json:"kind"`
	Token  string   `json:"token,omitempty"`
	Header string   `json:"header,omitempty"`
}

// Subscription is a registered webhook target plus its matching and retry
// configuration. SuccessCount, FailureCount, LastTriggeredAt and LastError are
// derived aggregates maintained from delivery outcomes; the delivery log is
// the authoritative history.
type Subscription struct {
	ID              uuid.UUID         `json:"id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Events          []string          `json:"events"`
	Active          bool              `json:"active"`
	Headers         map[string]string `json:"headers,omitempty"`
	Auth            SubscriptionAuth  `json:"auth"`
	Secret          string            `json:"secret,omitempty"`
	RetryAttempts   int               `json:"retry_attempts"`
	Timeout         time.Duration     `json:"timeout"`
	SuccessCount    int64             `json:"success_count"`
	FailureCount    int64             `json:"failure_count"`
	LastTriggeredAt *time.Time        `json:"last_triggered_at,omitempty"`
	LastError       *string           `json:"last_error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// MatchesEvent reports whether the subscription's event set covers eventType,
// either exactly or via the wildcard. It does not consider the active flag.
func (s *Subscription) MatchesEvent(eventType string) bool {
	for _, e := range s.Events {
		if e == EventWildcard || e == eventType {
			return true
		}
	}
	return false
}
