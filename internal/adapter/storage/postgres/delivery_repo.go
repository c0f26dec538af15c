package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, subscription_id, event_type, payload, status, response_code,
	response_body, attempt_count, max_attempts, next_retry_at, delivered_at, last_error,
	created_at, updated_at`

// DeliveryRepo implements ports.DeliveryLogRepository.
type DeliveryRepo struct {
	pool Pool
}

// NewDeliveryRepo creates a new DeliveryRepo.
func NewDeliveryRepo(pool Pool) *DeliveryRepo {
	return &DeliveryRepo{pool: pool}
}

// Create inserts a new delivery log entry.
func (r *DeliveryRepo) Create(ctx context.Context, entry *domain.DeliveryLog) error {
	query := `INSERT INTO webhook_delivery_logs
		(id, subscription_id, event_type, payload, status, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.SubscriptionID, entry.EventType, entry.Payload,
		string(entry.Status), entry.AttemptCount, entry.MaxAttempts,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

// Update writes the attempt outcome fields back to the entry's row.
func (r *DeliveryRepo) Update(ctx context.Context, entry *domain.DeliveryLog) error {
	query := `UPDATE webhook_delivery_logs
		SET status=$1, response_code=$2, response_body=$3, attempt_count=$4,
		    next_retry_at=$5, delivered_at=$6, last_error=$7, updated_at=$8
		WHERE id=$9`

	_, err := r.pool.Exec(ctx, query,
		string(entry.Status), entry.ResponseCode, entry.ResponseBody, entry.AttemptCount,
		entry.NextRetryAt, entry.DeliveredAt, entry.LastError, entry.UpdatedAt, entry.ID,
	)
	if err != nil {
		return fmt.Errorf("update delivery log: %w", err)
	}
	return nil
}

// GetByID fetches a delivery log entry. A missing row returns (nil, nil).
func (r *DeliveryRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.DeliveryLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_delivery_logs WHERE id = $1`, deliveryColumns)

	entry, err := scanDelivery(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get delivery log by id: %w", err)
	}
	return entry, nil
}

// ListBySubscription returns a newest-first page of a subscription's history.
func (r *DeliveryRepo) ListBySubscription(ctx context.Context, params ports.DeliveryListParams) ([]domain.DeliveryLog, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
	args = append(args, params.SubscriptionID)
	argIdx++

	if params.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(*params.Status))
		argIdx++
	}
	if params.EventType != "" {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, params.EventType)
		argIdx++
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM webhook_delivery_logs %s", where)
	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count delivery logs: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT %s FROM webhook_delivery_logs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		deliveryColumns, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	entries, err := collectDeliveries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// DeleteBySubscription removes a subscription's entire delivery history inside
// the caller's transaction and returns the number of removed rows.
func (r *DeliveryRepo) DeleteBySubscription(ctx context.Context, tx pgx.Tx, subscriptionID uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM webhook_delivery_logs WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("delete delivery logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimDueRetries atomically flips due retrying entries to in_flight and
// returns the claimed batch. The status predicate makes the claim a
// compare-and-set, so concurrent sweeps never pick up the same entry.
func (r *DeliveryRepo) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryLog, error) {
	query := fmt.Sprintf(`UPDATE webhook_delivery_logs
		SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM webhook_delivery_logs
			WHERE status = $3 AND next_retry_at <= $2
			ORDER BY next_retry_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, deliveryColumns)

	rows, err := r.pool.Query(ctx, query,
		string(domain.DeliveryInFlight), now, string(domain.DeliveryRetrying), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// CountTriggers counts delivery sequences, optionally only those created
// after since.
func (r *DeliveryRepo) CountTriggers(ctx context.Context, since *time.Time) (int64, error) {
	var total int64
	var err error
	if since != nil {
		err = r.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM webhook_delivery_logs WHERE created_at >= $1`, *since).Scan(&total)
	} else {
		err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_delivery_logs`).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("count triggers: %w", err)
	}
	return total, nil
}

// TopSubscriptions returns the n subscriptions with the most delivery
// sequences, busiest first.
func (r *DeliveryRepo) TopSubscriptions(ctx context.Context, n int) ([]ports.SubscriptionVolume, error) {
	query := `SELECT l.subscription_id, s.name, COUNT(*) AS triggers
		FROM webhook_delivery_logs l
		JOIN webhook_subscriptions s ON s.id = l.subscription_id
		GROUP BY l.subscription_id, s.name
		ORDER BY triggers DESC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("top subscriptions: %w", err)
	}
	defer rows.Close()

	var out []ports.SubscriptionVolume
	for rows.Next() {
		var v ports.SubscriptionVolume
		if err := rows.Scan(&v.SubscriptionID, &v.Name, &v.Triggers); err != nil {
			return nil, fmt.Errorf("scan subscription volume row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscription volume rows: %w", err)
	}
	return out, nil
}

func scanDelivery(row pgx.Row) (*domain.DeliveryLog, error) {
	entry := &domain.DeliveryLog{}
	var status string

	err := row.Scan(
		&entry.ID, &entry.SubscriptionID, &entry.EventType, &entry.Payload, &status,
		&entry.ResponseCode, &entry.ResponseBody, &entry.AttemptCount, &entry.MaxAttempts,
		&entry.NextRetryAt, &entry.DeliveredAt, &entry.LastError,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.Status = domain.DeliveryStatus(status)
	return entry, nil
}

func collectDeliveries(rows pgx.Rows) ([]domain.DeliveryLog, error) {
	var entries []domain.DeliveryLog
	for rows.Next() {
		entry, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log row: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery log rows: %w", err)
	}
	return entries, nil
}
