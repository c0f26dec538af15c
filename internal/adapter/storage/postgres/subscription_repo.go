package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `id, name, url, method, events, active, headers, auth, secret,
	retry_attempts, timeout_ms, success_count, failure_count, last_triggered_at, last_error,
	created_at, updated_at`

// SubscriptionRepo implements ports.SubscriptionRepository.
type SubscriptionRepo struct {
	pool Pool
}

// NewSubscriptionRepo creates a new SubscriptionRepo.
func NewSubscriptionRepo(pool Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

// Create inserts a new webhook subscription.
func (r *SubscriptionRepo) Create(ctx context.Context, sub *domain.Subscription) error {
	headers, auth, err := marshalSubscriptionJSON(sub)
	if err != nil {
		return err
	}

	query := `INSERT INTO webhook_subscriptions
		(id, name, url, method, events, active, headers, auth, secret, retry_attempts, timeout_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.pool.Exec(ctx, query,
		sub.ID, sub.Name, sub.URL, sub.Method, sub.Events, sub.Active,
		headers, auth, sub.Secret, sub.RetryAttempts, sub.Timeout.Milliseconds(),
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// GetByID fetches a subscription by its UUID. A missing row returns (nil, nil).
func (r *SubscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_subscriptions WHERE id = $1`, subscriptionColumns)

	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription by id: %w", err)
	}
	return sub, nil
}

// Update replaces the mutable fields of a subscription.
func (r *SubscriptionRepo) Update(ctx context.Context, sub *domain.Subscription) error {
	headers, auth, err := marshalSubscriptionJSON(sub)
	if err != nil {
		return err
	}

	query := `UPDATE webhook_subscriptions
		SET name=$1, url=$2, method=$3, events=$4, active=$5, headers=$6, auth=$7,
		    retry_attempts=$8, timeout_ms=$9, updated_at=$10
		WHERE id=$11`

	_, err = r.pool.Exec(ctx, query,
		sub.Name, sub.URL, sub.Method, sub.Events, sub.Active, headers, auth,
		sub.RetryAttempts, sub.Timeout.Milliseconds(), sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// Delete removes the subscription row inside the caller's transaction, so the
// cascade over delivery logs and the row removal commit atomically.
func (r *SubscriptionRepo) Delete(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// List returns a page of subscriptions plus the unpaged total.
func (r *SubscriptionRepo) List(ctx context.Context, params ports.SubscriptionListParams) ([]domain.Subscription, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if params.Active != nil {
		conditions = append(conditions, fmt.Sprintf("active = $%d", argIdx))
		args = append(args, *params.Active)
		argIdx++
	}
	if params.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR url ILIKE $%d)", argIdx, argIdx))
		args = append(args, "%"+params.Search+"%")
		argIdx++
	}
	if params.Event != "" {
		conditions = append(conditions, fmt.Sprintf("events @> ARRAY[$%d]::text[]", argIdx))
		args = append(args, params.Event)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM webhook_subscriptions %s", where)
	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count subscriptions: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT %s FROM webhook_subscriptions %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		subscriptionColumns, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	subs, err := collectSubscriptions(rows)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

// FindActiveByEvent returns the active subscriptions whose event set contains
// eventType or the wildcard.
func (r *SubscriptionRepo) FindActiveByEvent(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_subscriptions
		WHERE active = TRUE AND (events @> ARRAY[$1]::text[] OR events @> ARRAY[$2]::text[])
		ORDER BY created_at`, subscriptionColumns)

	rows, err := r.pool.Query(ctx, query, eventType, domain.EventWildcard)
	if err != nil {
		return nil, fmt.Errorf("find subscriptions by event: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// RecordSuccess bumps the success counter and last-trigger timestamp.
func (r *SubscriptionRepo) RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE webhook_subscriptions
		SET success_count = success_count + 1, last_triggered_at = $1, last_error = NULL, updated_at = $1
		WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("record subscription success: %w", err)
	}
	return nil
}

// RecordFailure bumps the failure counter once per exhausted delivery sequence.
func (r *SubscriptionRepo) RecordFailure(ctx context.Context, id uuid.UUID, at time.Time, lastError string) error {
	query := `UPDATE webhook_subscriptions
		SET failure_count = failure_count + 1, last_triggered_at = $1, last_error = $2, updated_at = $1
		WHERE id = $3`
	_, err := r.pool.Exec(ctx, query, at, lastError, id)
	if err != nil {
		return fmt.Errorf("record subscription failure: %w", err)
	}
	return nil
}

// Counts returns the total and active subscription counts.
func (r *SubscriptionRepo) Counts(ctx context.Context) (int64, int64, error) {
	query := `SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM webhook_subscriptions`

	var total, active int64
	if err := r.pool.QueryRow(ctx, query).Scan(&total, &active); err != nil {
		return 0, 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return total, active, nil
}

func marshalSubscriptionJSON(sub *domain.Subscription) ([]byte, []byte, error) {
	headers, err := json.Marshal(sub.Headers)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal subscription headers: %w", err)
	}
	auth, err := json.Marshal(sub.Auth)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal subscription auth: %w", err)
	}
	return headers, auth, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	sub := &domain.Subscription{}
	var headers, auth []byte
	var timeoutMs int64

	err := row.Scan(
		&sub.ID, &sub.Name, &sub.URL, &sub.Method, &sub.Events, &sub.Active,
		&headers, &auth, &sub.Secret, &sub.RetryAttempts, &timeoutMs,
		&sub.SuccessCount, &sub.FailureCount, &sub.LastTriggeredAt, &sub.LastError,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &sub.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal subscription headers: %w", err)
		}
	}
	if len(auth) > 0 {
		if err := json.Unmarshal(auth, &sub.Auth); err != nil {
			return nil, fmt.Errorf("unmarshal subscription auth: %w", err)
		}
	}
	return sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscription rows: %w", err)
	}
	return subs, nil
}
