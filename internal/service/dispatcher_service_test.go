package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports/mocks"
	"consenthub/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// mockHTTPClient implements HTTPClient for testing.
type mockHTTPClient struct {
	mu     sync.Mutex
	reqs   []*http.Request
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	return m.doFunc(req)
}

func (m *mockHTTPClient) requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request(nil), m.reqs...)
}

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func httpResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestSubscription(events ...string) *domain.Subscription {
	return &domain.Subscription{
		ID:            uuid.New(),
		Name:          "crm-sync",
		URL:           "https://crm.example.com/hooks",
		Method:        http.MethodPost,
		Events:        events,
		Active:        true,
		Auth:          domain.SubscriptionAuth{Kind: domain.AuthNone},
		Secret:        "whsec_testsecret",
		RetryAttempts: 3,
		Timeout:       5 * time.Second,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
}

func newDispatcherForTest(t *testing.T, client HTTPClient) (*Dispatcher, *mocks.MockSubscriptionRepository, *mocks.MockDeliveryLogRepository) {
	t.Helper()
	ctrl := gomock.NewController(t)
	subRepo := mocks.NewMockSubscriptionRepository(ctrl)
	deliveryRepo := mocks.NewMockDeliveryLogRepository(ctrl)

	d := NewDispatcher(
		subRepo,
		deliveryRepo,
		NewHMACSignatureService(),
		LinearBackoff{Base: time.Minute},
		client,
		"ConsentHub-Webhooks/1.0",
		newTestLogger(),
	)
	return d, subRepo, deliveryRepo
}

func TestDispatch_SuccessfulDelivery(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return httpResponse(200, `{"ok":true}`), nil
		},
	}
	d, subRepo, deliveryRepo := newDispatcherForTest(t, client)

	sub := newTestSubscription("consent.granted")
	subRepo.EXPECT().FindActiveByEvent(gomock.Any(), "consent.granted").Return([]domain.Subscription{*sub}, nil)

	var created, updated *domain.DeliveryLog
	deliveryRepo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			cp := *e
			created = &cp
			return nil
		})
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			cp := *e
			updated = &cp
			return nil
		})
	subRepo.EXPECT().RecordSuccess(gomock.Any(), sub.ID, gomock.Any()).Return(nil)

	event := domain.NewEvent("consent.granted", json.RawMessage(`{"consent_id":"c-1"}`))
	d.Dispatch(context.Background(), event)

	require.NotNil(t, created)
	assert.Equal(t, domain.DeliveryPending, created.Status)
	assert.Equal(t, 0, created.AttemptCount)
	assert.Equal(t, sub.RetryAttempts, created.MaxAttempts)

	require.NotNil(t, updated)
	assert.Equal(t, domain.DeliveryDelivered, updated.Status)
	assert.Equal(t, 1, updated.AttemptCount)
	require.NotNil(t, updated.ResponseCode)
	assert.Equal(t, 200, *updated.ResponseCode)
	assert.NotNil(t, updated.DeliveredAt)
	assert.Nil(t, updated.NextRetryAt)
}

func TestDispatch_WireFormat(t *testing.T) {
	var bodyBytes []byte
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			bodyBytes, _ = io.ReadAll(req.Body)
			return httpResponse(204, ""), nil
		},
	}
	d, subRepo, deliveryRepo := newDispatcherForTest(t, client)

	sub := newTestSubscription("dsar.completed")
	sub.Headers = map[string]string{"X-Tenant": "acme"}
	sub.Auth = domain.SubscriptionAuth{Kind: domain.AuthBearer, Token: "tok-123"}

	subRepo.EXPECT().FindActiveByEvent(gomock.Any(), "dsar.completed").Return([]domain.Subscription{*sub}, nil)
	deliveryRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).Return(nil)
	subRepo.EXPECT().RecordSuccess(gomock.Any(), sub.ID, gomock.Any()).Return(nil)

	d.Dispatch(context.Background(), domain.NewEvent("dsar.completed", json.RawMessage(`{"ticket":"t-9"}`)))

	reqs := client.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "ConsentHub-Webhooks/1.0", req.Header.Get("User-Agent"))
	assert.Equal(t, "acme", req.Header.Get("X-Tenant"))
	assert.Equal(t, "Bearer tok-123", req.Header.Get("Authorization"))
	assert.Equal(t, "dsar.completed", req.Header.Get("X-ConsentHub-Event"))
	assert.NotEmpty(t, req.Header.Get("X-ConsentHub-Timestamp"))
	assert.True(t, strings.HasPrefix(req.Header.Get("X-ConsentHub-Signature"), "v1="))

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(bodyBytes, &envelope))
	assert.Equal(t, "dsar.completed", envelope["event"])
	assert.NotEmpty(t, envelope["timestamp"])
	data := envelope["data"].(map[string]any)
	assert.Equal(t, "t-9", data["ticket"])
	webhook := envelope["webhook"].(map[string]any)
	assert.Equal(t, sub.ID.String(), webhook["id"])
	assert.Equal(t, "crm-sync", webhook["name"])
}

func TestDispatch_NoMatchingSubscriptions(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			t.Error("no delivery should be attempted")
			return nil, nil
		},
	}
	d, subRepo, _ := newDispatcherForTest(t, client)

	subRepo.EXPECT().FindActiveByEvent(gomock.Any(), "consent.revoked").Return(nil, nil)

	d.Dispatch(context.Background(), domain.NewEvent("consent.revoked", nil))
	assert.Empty(t, client.requests())
}

func TestDispatch_RegistryLookupError_Contained(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) { return nil, nil },
	}
	d, subRepo, _ := newDispatcherForTest(t, client)

	subRepo.EXPECT().FindActiveByEvent(gomock.Any(), "consent.granted").Return(nil, errors.New("db down"))

	// Must not panic or propagate.
	d.Dispatch(context.Background(), domain.NewEvent("consent.granted", nil))
}

func TestDispatch_OneFailureDoesNotAffectOthers(t *testing.T) {
	subOK := newTestSubscription("consent.granted")
	subBad := newTestSubscription("consent.granted")
	subBad.Name = "flaky-sink"
	subBad.URL = "https://flaky.example.com/hooks"

	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			if req.URL.Host == "flaky.example.com" {
				return httpResponse(500, "oops"), nil
			}
			return httpResponse(200, "ok"), nil
		},
	}
	d, subRepo, deliveryRepo := newDispatcherForTest(t, client)

	subRepo.EXPECT().FindActiveByEvent(gomock.Any(), "consent.granted").
		Return([]domain.Subscription{*subOK, *subBad}, nil)

	var mu sync.Mutex
	updates := map[uuid.UUID]domain.DeliveryLog{}
	deliveryRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			mu.Lock()
			defer mu.Unlock()
			updates[e.SubscriptionID] = *e
			return nil
		}).Times(2)
	subRepo.EXPECT().RecordSuccess(gomock.Any(), subOK.ID, gomock.Any()).Return(nil)

	d.Dispatch(context.Background(), domain.NewEvent("consent.granted", json.RawMessage(`{}`)))

	assert.Equal(t, domain.DeliveryDelivered, updates[subOK.ID].Status)
	assert.Equal(t, domain.DeliveryRetrying, updates[subBad.ID].Status)
	require.NotNil(t, updates[subBad.ID].NextRetryAt)
	require.NotNil(t, updates[subBad.ID].LastError)
	assert.Contains(t, *updates[subBad.ID].LastError, "unexpected status 500")
}

func TestDispatch_LinearBackoffSchedule(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return httpResponse(503, "unavailable"), nil
		},
	}
	d, subRepo, deliveryRepo := newDispatcherForTest(t, client)

	sub := newTestSubscription("consent.granted")
	subRepo.EXPECT().FindActiveByEvent(gomock.Any(), "consent.granted").Return([]domain.Subscription{*sub}, nil)

	var updated *domain.DeliveryLog
	deliveryRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			cp := *e
			updated = &cp
			return nil
		})

	before := time.Now().UTC()
	d.Dispatch(context.Background(), domain.NewEvent("consent.granted", nil))

	require.NotNil(t, updated)
	require.NotNil(t, updated.NextRetryAt)
	// attempt 1 with linear 60s base -> roughly one minute out
	delay := updated.NextRetryAt.Sub(before)
	assert.InDelta(t, time.Minute.Seconds(), delay.Seconds(), 5)
}

func TestDispatch_ExhaustedOnLastAttempt(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	d, subRepo, deliveryRepo := newDispatcherForTest(t, client)

	sub := newTestSubscription("consent.granted")
	sub.RetryAttempts = 1
	subRepo.EXPECT().FindActiveByEvent(gomock.Any(), "consent.granted").Return([]domain.Subscription{*sub}, nil)

	var updated *domain.DeliveryLog
	deliveryRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			cp := *e
			updated = &cp
			return nil
		})
	subRepo.EXPECT().RecordFailure(gomock.Any(), sub.ID, gomock.Any(), gomock.Any()).Return(nil)

	d.Dispatch(context.Background(), domain.NewEvent("consent.granted", nil))

	require.NotNil(t, updated)
	assert.Equal(t, domain.DeliveryExhausted, updated.Status)
	assert.Equal(t, 1, updated.AttemptCount)
	assert.Nil(t, updated.NextRetryAt)
	require.NotNil(t, updated.LastError)
	assert.Contains(t, *updated.LastError, "connection refused")
}

func TestRedeliver_Success(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return httpResponse(200, "ok"), nil
		},
	}
	d, subRepo, deliveryRepo := newDispatcherForTest(t, client)

	sub := newTestSubscription("consent.granted")
	subRepo.EXPECT().GetByID(gomock.Any(), sub.ID).Return(sub, nil)
	subRepo.EXPECT().RecordSuccess(gomock.Any(), sub.ID, gomock.Any()).Return(nil)

	var updated *domain.DeliveryLog
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			cp := *e
			updated = &cp
			return nil
		})

	entry := &domain.DeliveryLog{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		EventType:      "consent.granted",
		Payload:        json.RawMessage(`{}`),
		Status:         domain.DeliveryInFlight,
		AttemptCount:   1,
		MaxAttempts:    3,
		CreatedAt:      time.Now().UTC().Add(-time.Minute),
	}
	d.Redeliver(context.Background(), entry)

	require.NotNil(t, updated)
	assert.Equal(t, domain.DeliveryDelivered, updated.Status)
	assert.Equal(t, 2, updated.AttemptCount)
}

func TestRedeliver_AttemptCountNeverExceedsMax(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return httpResponse(500, ""), nil
		},
	}
	d, subRepo, deliveryRepo := newDispatcherForTest(t, client)

	sub := newTestSubscription("consent.granted")
	subRepo.EXPECT().GetByID(gomock.Any(), sub.ID).Return(sub, nil)
	subRepo.EXPECT().RecordFailure(gomock.Any(), sub.ID, gomock.Any(), gomock.Any()).Return(nil)

	var updated *domain.DeliveryLog
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			cp := *e
			updated = &cp
			return nil
		})

	entry := &domain.DeliveryLog{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		EventType:      "consent.granted",
		Status:         domain.DeliveryInFlight,
		AttemptCount:   2,
		MaxAttempts:    3,
		CreatedAt:      time.Now().UTC(),
	}
	d.Redeliver(context.Background(), entry)

	require.NotNil(t, updated)
	assert.Equal(t, domain.DeliveryExhausted, updated.Status)
	assert.Equal(t, 3, updated.AttemptCount)
	assert.LessOrEqual(t, updated.AttemptCount, updated.MaxAttempts)
}

func TestRedeliver_DeactivatedSubscriptionTerminates(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			t.Error("no delivery should be attempted for an inactive subscription")
			return nil, nil
		},
	}
	d, subRepo, deliveryRepo := newDispatcherForTest(t, client)

	sub := newTestSubscription("consent.granted")
	sub.Active = false
	subRepo.EXPECT().GetByID(gomock.Any(), sub.ID).Return(sub, nil)

	var updated *domain.DeliveryLog
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			cp := *e
			updated = &cp
			return nil
		})

	entry := &domain.DeliveryLog{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Status:         domain.DeliveryInFlight,
		AttemptCount:   1,
		MaxAttempts:    3,
	}
	d.Redeliver(context.Background(), entry)

	require.NotNil(t, updated)
	assert.Equal(t, domain.DeliveryExhausted, updated.Status)
	require.NotNil(t, updated.LastError)
	assert.Equal(t, "subscription deactivated", *updated.LastError)
	assert.Empty(t, client.requests())
}

func TestSendTest_Success(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return httpResponse(200, "received"), nil
		},
	}
	d, subRepo, _ := newDispatcherForTest(t, client)

	sub := newTestSubscription("consent.granted")
	subRepo.EXPECT().GetByID(gomock.Any(), sub.ID).Return(sub, nil)

	result, err := d.SendTest(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "received", result.Body)

	reqs := client.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "webhook.test", reqs[0].Header.Get("X-ConsentHub-Event"))
}

func TestSendTest_FailureReturnedSynchronously(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return httpResponse(502, "bad gateway"), nil
		},
	}
	d, subRepo, _ := newDispatcherForTest(t, client)

	sub := newTestSubscription("consent.granted")
	subRepo.EXPECT().GetByID(gomock.Any(), sub.ID).Return(sub, nil)

	result, err := d.SendTest(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 502, result.StatusCode)
}

func TestSendTest_NotFound(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) { return nil, nil }}
	d, subRepo, _ := newDispatcherForTest(t, client)

	id := uuid.New()
	subRepo.EXPECT().GetByID(gomock.Any(), id).Return(nil, nil)

	_, err := d.SendTest(context.Background(), id)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "WH_001", appErr.Code)
}

func TestSendTest_APIKeyAuthHeader(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return httpResponse(200, ""), nil
		},
	}
	d, subRepo, _ := newDispatcherForTest(t, client)

	sub := newTestSubscription("consent.granted")
	sub.Auth = domain.SubscriptionAuth{Kind: domain.AuthAPIKey, Token: "key-1", Header: "X-API-Key"}
	subRepo.EXPECT().GetByID(gomock.Any(), sub.ID).Return(sub, nil)

	_, err := d.SendTest(context.Background(), sub.ID)
	require.NoError(t, err)

	reqs := client.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "key-1", reqs[0].Header.Get("X-API-Key"))
	assert.Empty(t, reqs[0].Header.Get("Authorization"))
}

func TestDispatch_ConstructionErrorFailsPermanently(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			t.Fatal("no HTTP attempt expected for an unbuildable request")
			return nil, nil
		},
	}
	d, subRepo, deliveryRepo := newDispatcherForTest(t, client)

	sub := newTestSubscription("consent.granted")
	sub.Method = "BAD METHOD"
	subRepo.EXPECT().FindActiveByEvent(gomock.Any(), "consent.granted").Return([]domain.Subscription{*sub}, nil)
	subRepo.EXPECT().RecordFailure(gomock.Any(), sub.ID, gomock.Any(), gomock.Any()).Return(nil)

	var updated *domain.DeliveryLog
	deliveryRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			cp := *e
			updated = &cp
			return nil
		})

	d.Dispatch(context.Background(), domain.NewEvent("consent.granted", nil))

	require.NotNil(t, updated)
	// Retrying cannot fix a request that never builds, even with attempts left.
	assert.Equal(t, domain.DeliveryFailed, updated.Status)
	assert.Nil(t, updated.NextRetryAt)
	require.NotNil(t, updated.LastError)
	assert.Contains(t, *updated.LastError, "building request")
}

func TestDispatch_SlowTargetWithinSubscriptionTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// Same client construction as production wiring: no client-level timeout,
	// each attempt is bounded by the subscription's own timeout.
	d, subRepo, deliveryRepo := newDispatcherForTest(t, &http.Client{})

	sub := newTestSubscription("consent.granted")
	sub.URL = server.URL
	sub.Timeout = 2 * time.Second
	subRepo.EXPECT().FindActiveByEvent(gomock.Any(), "consent.granted").Return([]domain.Subscription{*sub}, nil)
	subRepo.EXPECT().RecordSuccess(gomock.Any(), sub.ID, gomock.Any()).Return(nil)

	var updated *domain.DeliveryLog
	deliveryRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			cp := *e
			updated = &cp
			return nil
		})

	d.Dispatch(context.Background(), domain.NewEvent("consent.granted", nil))

	require.NotNil(t, updated)
	assert.Equal(t, domain.DeliveryDelivered, updated.Status)
}

func TestDispatch_SubscriptionTimeoutCancelsSlowAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	d, subRepo, deliveryRepo := newDispatcherForTest(t, &http.Client{})

	sub := newTestSubscription("consent.granted")
	sub.URL = server.URL
	sub.Timeout = 100 * time.Millisecond
	subRepo.EXPECT().FindActiveByEvent(gomock.Any(), "consent.granted").Return([]domain.Subscription{*sub}, nil)

	var updated *domain.DeliveryLog
	deliveryRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	deliveryRepo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.DeliveryLog) error {
			cp := *e
			updated = &cp
			return nil
		})

	d.Dispatch(context.Background(), domain.NewEvent("consent.granted", nil))

	require.NotNil(t, updated)
	assert.Equal(t, domain.DeliveryRetrying, updated.Status)
	require.NotNil(t, updated.LastError)
	assert.Contains(t, *updated.LastError, "context deadline exceeded")
}
