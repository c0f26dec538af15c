package integration

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	_ ports.SubscriptionRepository = (*inMemorySubscriptionRepo)(nil)
	_ ports.DeliveryLogRepository  = (*inMemoryDeliveryRepo)(nil)
	_ ports.DBTransactor           = (*inMemoryTransactor)(nil)
)

// --- In-Memory Subscription Repo ---

type inMemorySubscriptionRepo struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*domain.Subscription
}

func newInMemorySubscriptionRepo() *inMemorySubscriptionRepo {
	return &inMemorySubscriptionRepo{subs: make(map[uuid.UUID]*domain.Subscription)}
}

func (r *inMemorySubscriptionRepo) Create(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *inMemorySubscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (r *inMemorySubscriptionRepo) Update(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *inMemorySubscriptionRepo) Delete(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	return nil
}

func (r *inMemorySubscriptionRepo) List(ctx context.Context, params ports.SubscriptionListParams) ([]domain.Subscription, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []domain.Subscription
	for _, sub := range r.subs {
		if params.Active != nil && sub.Active != *params.Active {
			continue
		}
		if params.Search != "" {
			needle := strings.ToLower(params.Search)
			if !strings.Contains(strings.ToLower(sub.Name), needle) &&
				!strings.Contains(strings.ToLower(sub.URL), needle) {
				continue
			}
		}
		if params.Event != "" && !contains(sub.Events, params.Event) {
			continue
		}
		matched = append(matched, *sub)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := (params.Page - 1) * params.PageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + params.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (r *inMemorySubscriptionRepo) FindActiveByEvent(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []domain.Subscription
	for _, sub := range r.subs {
		if sub.Active && sub.MatchesEvent(eventType) {
			matched = append(matched, *sub)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func (r *inMemorySubscriptionRepo) RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.SuccessCount++
		sub.LastTriggeredAt = &at
		sub.LastError = nil
		sub.UpdatedAt = at
	}
	return nil
}

func (r *inMemorySubscriptionRepo) RecordFailure(ctx context.Context, id uuid.UUID, at time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.FailureCount++
		sub.LastTriggeredAt = &at
		sub.LastError = &lastError
		sub.UpdatedAt = at
	}
	return nil
}

func (r *inMemorySubscriptionRepo) Counts(ctx context.Context) (int64, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, active int64
	for _, sub := range r.subs {
		total++
		if sub.Active {
			active++
		}
	}
	return total, active, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// --- In-Memory Delivery Log Repo ---

type inMemoryDeliveryRepo struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*domain.DeliveryLog
}

func newInMemoryDeliveryRepo() *inMemoryDeliveryRepo {
	return &inMemoryDeliveryRepo{entries: make(map[uuid.UUID]*domain.DeliveryLog)}
}

func (r *inMemoryDeliveryRepo) Create(ctx context.Context, entry *domain.DeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.entries[entry.ID] = &cp
	return nil
}

func (r *inMemoryDeliveryRepo) Update(ctx context.Context, entry *domain.DeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.entries[entry.ID] = &cp
	return nil
}

func (r *inMemoryDeliveryRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.DeliveryLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (r *inMemoryDeliveryRepo) ListBySubscription(ctx context.Context, params ports.DeliveryListParams) ([]domain.DeliveryLog, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []domain.DeliveryLog
	for _, entry := range r.entries {
		if entry.SubscriptionID != params.SubscriptionID {
			continue
		}
		if params.Status != nil && entry.Status != *params.Status {
			continue
		}
		if params.EventType != "" && entry.EventType != params.EventType {
			continue
		}
		matched = append(matched, *entry)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := (params.Page - 1) * params.PageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + params.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (r *inMemoryDeliveryRepo) DeleteBySubscription(ctx context.Context, tx pgx.Tx, subscriptionID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for id, entry := range r.entries {
		if entry.SubscriptionID == subscriptionID {
			delete(r.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (r *inMemoryDeliveryRepo) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*domain.DeliveryLog
	for _, entry := range r.entries {
		if entry.Status == domain.DeliveryRetrying && entry.NextRetryAt != nil && !entry.NextRetryAt.After(now) {
			due = append(due, entry)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.DeliveryLog, 0, len(due))
	for _, entry := range due {
		entry.Status = domain.DeliveryInFlight
		entry.UpdatedAt = now
		claimed = append(claimed, *entry)
	}
	return claimed, nil
}

func (r *inMemoryDeliveryRepo) CountTriggers(ctx context.Context, since *time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, entry := range r.entries {
		if since != nil && entry.CreatedAt.Before(*since) {
			continue
		}
		total++
	}
	return total, nil
}

func (r *inMemoryDeliveryRepo) TopSubscriptions(ctx context.Context, n int) ([]ports.SubscriptionVolume, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[uuid.UUID]int64)
	for _, entry := range r.entries {
		counts[entry.SubscriptionID]++
	}

	out := make([]ports.SubscriptionVolume, 0, len(counts))
	for id, triggers := range counts {
		out = append(out, ports.SubscriptionVolume{SubscriptionID: id, Triggers: triggers})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Triggers > out[j].Triggers
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// --- In-Memory Transactor ---

type inMemoryTransactor struct{}

func newInMemoryTransactor() *inMemoryTransactor {
	return &inMemoryTransactor{}
}

func (t *inMemoryTransactor) Begin(ctx context.Context) (pgx.Tx, error) {
	return &noopTx{}, nil
}

// noopTx is a no-op pgx.Tx implementation for in-memory testing.
type noopTx struct{}

func (t *noopTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *noopTx) Commit(ctx context.Context) error          { return nil }
func (t *noopTx) Rollback(ctx context.Context) error        { return nil }
func (t *noopTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *noopTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *noopTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *noopTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *noopTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *noopTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *noopTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}
func (t *noopTx) Conn() *pgx.Conn { return nil }
