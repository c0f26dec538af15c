package ports

import (
	"context"
	"time"

	"consenthub/internal/core/domain"

	"github.com/google/uuid"
)

// RegisterSubscriptionInput carries the fields of a registration call.
// Optional fields default per spec: active=true, retry attempts and timeout
// from server configuration, method=POST, auth kind=none.
type RegisterSubscriptionInput struct {
	Name          string
	URL           string
	Method        string
	Events        []string
	Active        *bool
	Headers       map[string]string
	Auth          *domain.SubscriptionAuth
	RetryAttempts *int
	Timeout       *time.Duration
}

// UpdateSubscriptionInput carries a partial update; nil fields are untouched.
// The identifier is never updatable.
type UpdateSubscriptionInput struct {
	Name          *string
	URL           *string
	Method        *string
	Events        []string // nil = untouched; empty slice = validation error
	Active        *bool
	Headers       map[string]string
	Auth          *domain.SubscriptionAuth
	RetryAttempts *int
	Timeout       *time.Duration
}

// RegistryService owns subscription CRUD and matching lookup.
type RegistryService interface {
	Register(ctx context.Context, in RegisterSubscriptionInput) (*domain.Subscription, error)
	Update(ctx context.Context, id uuid.UUID, in UpdateSubscriptionInput) (*domain.Subscription, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) (*domain.Subscription, error)
	// Delete hard-deletes the subscription and cascades deletion of its
	// delivery history.
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	List(ctx context.Context, params SubscriptionListParams) ([]domain.Subscription, int64, error)
	FindActiveByEvent(ctx context.Context, eventType string) ([]domain.Subscription, error)
}

// DeliveryResult is the synchronous outcome of a single delivery attempt,
// returned by the test endpoint.
type DeliveryResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
	// Permanent marks a construction failure (envelope marshal, request
	// build) that no retry can fix; the sequence terminates as failed.
	Permanent bool `json:"-"`
}

// DispatcherService fans domain events out to matching subscriptions.
type DispatcherService interface {
	// Dispatch delivers the event to every matching active subscription
	// concurrently and waits for all attempts to settle. Individual target
	// failures are recorded in the delivery log and never returned: a webhook
	// outage must not fail the domain action that raised the event.
	Dispatch(ctx context.Context, event domain.DomainEvent)
	// SendTest performs one synchronous delivery of a synthetic payload and
	// returns the outcome. It does not create log entries or touch counters.
	SendTest(ctx context.Context, id uuid.UUID) (*DeliveryResult, error)
}

// WebhookStats aggregates the numbers behind GET /webhooks/stats.
type WebhookStats struct {
	TotalSubscriptions  int64                `json:"total_subscriptions"`
	ActiveSubscriptions int64                `json:"active_subscriptions"`
	TotalTriggers       int64                `json:"total_triggers"`
	TriggersLast24h     int64                `json:"triggers_last_24h"`
	TopSubscriptions    []SubscriptionVolume `json:"top_subscriptions"`
}

// DeliveryLogService exposes delivery history and statistics.
type DeliveryLogService interface {
	GetLogs(ctx context.Context, params DeliveryListParams) ([]domain.DeliveryLog, int64, error)
	GetStats(ctx context.Context) (*WebhookStats, error)
}

// SignatureService signs outbound payloads so subscribers can verify origin.
type SignatureService interface {
	Sign(secret string, timestamp int64, payload []byte) string
	Verify(secret string, timestamp int64, payload []byte, signature string) bool
}
