package ports

import (
	"context"
	"time"

	"consenthub/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SubscriptionListParams holds filter + pagination for listing subscriptions.
type SubscriptionListParams struct {
	Active   *bool  // nil = both
	Search   string // free-text match on name or URL
	Event    string // only subscriptions covering this event type
	Page     int
	PageSize int
}

// SubscriptionRepository defines persistence operations for webhook subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	Update(ctx context.Context, sub *domain.Subscription) error
	// Delete runs inside the caller's transaction so the cascade over
	// delivery logs commits atomically with the row removal.
	Delete(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	List(ctx context.Context, params SubscriptionListParams) ([]domain.Subscription, int64, error)
	// FindActiveByEvent returns active subscriptions whose event set contains
	// eventType exactly or contains the wildcard. Ordering is unspecified.
	FindActiveByEvent(ctx context.Context, eventType string) ([]domain.Subscription, error)
	// RecordSuccess atomically increments the success counter and stamps
	// last-triggered. Counter updates are single-row and per-subscription, so
	// concurrent deliveries to different subscriptions never contend.
	RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	// RecordFailure atomically increments the failure counter and snapshots
	// the last error. Called once per exhausted sequence, not per attempt.
	RecordFailure(ctx context.Context, id uuid.UUID, at time.Time, lastError string) error
	Counts(ctx context.Context) (total int64, active int64, err error)
}

// DeliveryListParams holds filter + pagination for a subscription's delivery history.
type DeliveryListParams struct {
	SubscriptionID uuid.UUID
	Status         *domain.DeliveryStatus
	EventType      string
	Page           int
	PageSize       int
}

// SubscriptionVolume is one row of the top-by-trigger-volume statistic.
type SubscriptionVolume struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Name           string    `json:"name"`
	Triggers       int64     `json:"triggers"`
}

// DeliveryLogRepository defines persistence operations for delivery logs.
type DeliveryLogRepository interface {
	Create(ctx context.Context, entry *domain.DeliveryLog) error
	Update(ctx context.Context, entry *domain.DeliveryLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.DeliveryLog, error)
	// ListBySubscription returns history newest-first.
	ListBySubscription(ctx context.Context, params DeliveryListParams) ([]domain.DeliveryLog, int64, error)
	DeleteBySubscription(ctx context.Context, tx pgx.Tx, subscriptionID uuid.UUID) (int64, error)
	// ClaimDueRetries atomically flips up to limit entries from retrying to
	// in_flight where next_retry_at <= now, and returns the claimed entries.
	// The claim is a compare-and-swap on status so two concurrent sweep passes
	// never double-deliver the same retry.
	ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryLog, error)
	// CountTriggers counts delivery sequences created since the given time
	// (nil = all time).
	CountTriggers(ctx context.Context, since *time.Time) (int64, error)
	TopSubscriptions(ctx context.Context, n int) ([]SubscriptionVolume, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
