package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the state of one delivery attempt sequence.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInFlight  DeliveryStatus = "in_flight"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// Terminal reports whether the status is final. Terminal entries are never
// revised and never picked up by the retry sweep.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryFailed, DeliveryExhausted:
		return true
	}
	return false
}

// CanTransitionTo enforces the delivery state machine:
// pending -> delivered|retrying|failed|exhausted (exhausted when max attempts
// is 1), retrying -> in_flight (sweep claim), in_flight -> any terminal state
// or another retry.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	switch s {
	case DeliveryPending:
		return next == DeliveryDelivered || next == DeliveryRetrying ||
			next == DeliveryFailed || next == DeliveryExhausted
	case DeliveryRetrying:
		return next == DeliveryInFlight
	case DeliveryInFlight:
		return next == DeliveryDelivered || next == DeliveryRetrying ||
			next == DeliveryFailed || next == DeliveryExhausted
	}
	return false
}

// DeliveryLog is the durable record of one subscription's attempt history for
// one dispatched event. MaxAttempts is copied from the subscription at
// dispatch time so later subscription edits do not affect in-flight sequences.
type DeliveryLog struct {
	ID             uuid.UUID      `json:"id"`
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	EventType      string         `json:"event_type"`
	Payload        []byte         `json:"payload"`
	Status         DeliveryStatus `json:"status"`
	ResponseCode   *int           `json:"response_code,omitempty"`
	ResponseBody   string         `json:"response_body,omitempty"`
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AttemptsRemaining reports whether another retry is allowed.
func (d *DeliveryLog) AttemptsRemaining() bool {
	return d.AttemptCount < d.MaxAttempts
}
