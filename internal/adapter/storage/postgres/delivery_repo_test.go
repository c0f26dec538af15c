package postgres

import (
	"context"
	"testing"
	"time"

	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoredDelivery() *domain.DeliveryLog {
	return &domain.DeliveryLog{
		ID:             uuid.New(),
		SubscriptionID: uuid.New(),
		EventType:      "consent.granted",
		Payload:        []byte(`{"consent_id":"c-1"}`),
		Status:         domain.DeliveryRetrying,
		AttemptCount:   1,
		MaxAttempts:    3,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
		UpdatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
}

func deliveryColumnNames() []string {
	return []string{"id", "subscription_id", "event_type", "payload", "status", "response_code",
		"response_body", "attempt_count", "max_attempts", "next_retry_at", "delivered_at", "last_error",
		"created_at", "updated_at"}
}

func deliveryRow(entry *domain.DeliveryLog) *pgxmock.Rows {
	return pgxmock.NewRows(deliveryColumnNames()).AddRow(
		entry.ID, entry.SubscriptionID, entry.EventType, entry.Payload, string(entry.Status),
		entry.ResponseCode, entry.ResponseBody, entry.AttemptCount, entry.MaxAttempts,
		entry.NextRetryAt, entry.DeliveredAt, entry.LastError,
		entry.CreatedAt, entry.UpdatedAt,
	)
}

func TestDeliveryRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeliveryRepo(mock)
	entry := newStoredDelivery()
	entry.Status = domain.DeliveryPending
	entry.AttemptCount = 0

	mock.ExpectExec("INSERT INTO webhook_delivery_logs").
		WithArgs(entry.ID, entry.SubscriptionID, entry.EventType, entry.Payload,
			string(entry.Status), entry.AttemptCount, entry.MaxAttempts,
			entry.CreatedAt, entry.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.Create(context.Background(), entry)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepo_Update(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeliveryRepo(mock)
	entry := newStoredDelivery()
	code := 200
	deliveredAt := time.Now().UTC()
	entry.Status = domain.DeliveryDelivered
	entry.ResponseCode = &code
	entry.ResponseBody = "ok"
	entry.DeliveredAt = &deliveredAt

	mock.ExpectExec("UPDATE webhook_delivery_logs").
		WithArgs(string(entry.Status), entry.ResponseCode, entry.ResponseBody, entry.AttemptCount,
			entry.NextRetryAt, entry.DeliveredAt, entry.LastError, entry.UpdatedAt, entry.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = repo.Update(context.Background(), entry)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeliveryRepo(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM webhook_delivery_logs WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(deliveryColumnNames()))

	got, err := repo.GetByID(context.Background(), id)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepo_ListBySubscription_StatusFilter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeliveryRepo(mock)
	entry := newStoredDelivery()
	status := domain.DeliveryRetrying

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM webhook_delivery_logs").
		WithArgs(entry.SubscriptionID, string(status)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT .+ FROM webhook_delivery_logs").
		WithArgs(entry.SubscriptionID, string(status), 20, 0).
		WillReturnRows(deliveryRow(entry))

	logs, total, err := repo.ListBySubscription(context.Background(), ports.DeliveryListParams{
		SubscriptionID: entry.SubscriptionID,
		Status:         &status,
		Page:           1,
		PageSize:       20,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, logs, 1)
	assert.Equal(t, entry.ID, logs[0].ID)
	assert.Equal(t, domain.DeliveryRetrying, logs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepo_DeleteBySubscription(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeliveryRepo(mock)
	subID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM webhook_delivery_logs").
		WithArgs(subID).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	removed, err := repo.DeleteBySubscription(context.Background(), tx, subID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepo_ClaimDueRetries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeliveryRepo(mock)
	entry := newStoredDelivery()
	entry.Status = domain.DeliveryInFlight
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE webhook_delivery_logs").
		WithArgs(string(domain.DeliveryInFlight), now, string(domain.DeliveryRetrying), 50).
		WillReturnRows(deliveryRow(entry))

	claimed, err := repo.ClaimDueRetries(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, domain.DeliveryInFlight, claimed[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepo_ClaimDueRetries_NothingDue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeliveryRepo(mock)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE webhook_delivery_logs").
		WithArgs(string(domain.DeliveryInFlight), now, string(domain.DeliveryRetrying), 50).
		WillReturnRows(pgxmock.NewRows(deliveryColumnNames()))

	claimed, err := repo.ClaimDueRetries(context.Background(), now, 50)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepo_CountTriggers(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeliveryRepo(mock)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM webhook_delivery_logs").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(120)))

	total, err := repo.CountTriggers(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(120), total)

	since := time.Now().UTC().Add(-24 * time.Hour)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM webhook_delivery_logs WHERE created_at").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(17)))

	recent, err := repo.CountTriggers(context.Background(), &since)
	require.NoError(t, err)
	assert.Equal(t, int64(17), recent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepo_TopSubscriptions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeliveryRepo(mock)
	id1, id2 := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT l.subscription_id, s.name, COUNT\\(\\*\\)").
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{"subscription_id", "name", "triggers"}).
			AddRow(id1, "crm-sync", int64(40)).
			AddRow(id2, "audit-mirror", int64(12)))

	top, err := repo.TopSubscriptions(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "crm-sync", top[0].Name)
	assert.Equal(t, int64(40), top[0].Triggers)
	assert.NoError(t, mock.ExpectationsWereMet())
}
