package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"
	"consenthub/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// responseBodyLimit bounds how much of a subscriber's response is kept in
	// the delivery log.
	responseBodyLimit = 1024

	headerSignature = "X-ConsentHub-Signature"
	headerTimestamp = "X-ConsentHub-Timestamp"
	headerEvent     = "X-ConsentHub-Event"
)

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// deliveryEnvelope is the wire format sent to subscriber targets.
type deliveryEnvelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Webhook   webhookRef      `json:"webhook"`
}

type webhookRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Dispatcher fans domain events out to matching active subscriptions. It
// implements ports.DispatcherService; the retry sweeper additionally calls
// Redeliver for claimed retry entries.
type Dispatcher struct {
	subRepo      ports.SubscriptionRepository
	deliveryRepo ports.DeliveryLogRepository
	sigSvc       ports.SignatureService
	backoff      BackoffPolicy
	client       HTTPClient
	userAgent    string
	log          zerolog.Logger
	now          func() time.Time
}

// NewDispatcher creates the event dispatcher.
func NewDispatcher(
	subRepo ports.SubscriptionRepository,
	deliveryRepo ports.DeliveryLogRepository,
	sigSvc ports.SignatureService,
	backoff BackoffPolicy,
	client HTTPClient,
	userAgent string,
	log zerolog.Logger,
) *Dispatcher {
	if userAgent == "" {
		userAgent = "ConsentHub-Webhooks/1.0"
	}
	return &Dispatcher{
		subRepo:      subRepo,
		deliveryRepo: deliveryRepo,
		sigSvc:       sigSvc,
		backoff:      backoff,
		client:       client,
		userAgent:    userAgent,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

var _ ports.DispatcherService = (*Dispatcher)(nil)

// Dispatch delivers event to every matching active subscription concurrently
// and waits for all attempts to settle. Per-target failures are recorded in
// the delivery log and intentionally discarded here: the domain action that
// raised the event must not fail because a subscriber is down.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.DomainEvent) {
	subs, err := d.subRepo.FindActiveByEvent(ctx, event.Type)
	if err != nil {
		d.log.Error().Err(err).Str("event_type", event.Type).Msg("dispatch: subscription lookup failed")
		return
	}
	if len(subs) == 0 {
		d.log.Debug().Str("event_type", event.Type).Msg("dispatch: no matching subscriptions")
		return
	}

	tasks := make([]func(), 0, len(subs))
	for i := range subs {
		sub := subs[i]
		tasks = append(tasks, func() {
			d.deliver(ctx, &sub, event)
		})
	}
	settleAll(tasks)
}

// settleAll runs every task concurrently and waits for all of them to finish.
// A panicking task is contained so one target cannot take down its siblings.
func settleAll(tasks []func()) {
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		go func(run func()) {
			defer wg.Done()
			defer func() { recover() }()
			run()
		}(task)
	}
	wg.Wait()
}

// deliver runs the first attempt of a new delivery sequence.
func (d *Dispatcher) deliver(ctx context.Context, sub *domain.Subscription, event domain.DomainEvent) {
	now := d.now()
	entry := &domain.DeliveryLog{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		EventType:      event.Type,
		Payload:        event.Payload,
		Status:         domain.DeliveryPending,
		MaxAttempts:    sub.RetryAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.deliveryRepo.Create(ctx, entry); err != nil {
		d.log.Error().Err(err).
			Str("subscription_id", sub.ID.String()).
			Str("event_type", event.Type).
			Msg("dispatch: failed to create delivery log")
		return
	}

	result := d.attempt(ctx, sub, event.Type, event.Payload, event.Timestamp)
	d.recordOutcome(ctx, sub, entry, result)
}

// Redeliver re-attempts a claimed (in_flight) retry entry. Called by the
// retry sweeper; attempts for one entry are strictly sequential because only
// the claimer reaches this point.
func (d *Dispatcher) Redeliver(ctx context.Context, entry *domain.DeliveryLog) {
	sub, err := d.subRepo.GetByID(ctx, entry.SubscriptionID)
	if err != nil {
		d.log.Error().Err(err).
			Str("delivery_id", entry.ID.String()).
			Msg("redeliver: failed to load subscription")
		return
	}
	if sub == nil || !sub.Active {
		// The target vanished or was switched off while retries were pending.
		// Terminate the sequence instead of leaving it claimed forever.
		reason := "subscription deactivated"
		if sub == nil {
			reason = "subscription deleted"
		}
		entry.Status = domain.DeliveryExhausted
		entry.LastError = &reason
		entry.NextRetryAt = nil
		entry.UpdatedAt = d.now()
		if err := d.deliveryRepo.Update(ctx, entry); err != nil {
			d.log.Error().Err(err).Str("delivery_id", entry.ID.String()).Msg("redeliver: failed to update delivery log")
		}
		return
	}

	result := d.attempt(ctx, sub, entry.EventType, entry.Payload, entry.CreatedAt)
	d.recordOutcome(ctx, sub, entry, result)
}

// SendTest performs one synchronous delivery of a synthetic payload and
// returns the outcome directly. It does not create log entries or touch
// aggregate counters.
func (d *Dispatcher) SendTest(ctx context.Context, id uuid.UUID) (*ports.DeliveryResult, error) {
	sub, err := d.subRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if sub == nil {
		return nil, apperror.ErrNotFound("subscription")
	}

	payload, _ := json.Marshal(map[string]any{
		"test":    true,
		"message": "ConsentHub webhook test delivery",
	})
	result := d.attempt(ctx, sub, "webhook.test", payload, d.now())
	return &result, nil
}

// attempt performs a single HTTP delivery bounded by the subscription timeout.
// It never returns an error: every failure mode is folded into the result.
func (d *Dispatcher) attempt(ctx context.Context, sub *domain.Subscription, eventType string, payload json.RawMessage, eventTime time.Time) ports.DeliveryResult {
	start := time.Now()

	body, err := json.Marshal(deliveryEnvelope{
		Event:     eventType,
		Timestamp: eventTime.UTC().Format(time.RFC3339),
		Data:      payload,
		Webhook:   webhookRef{ID: sub.ID.String(), Name: sub.Name},
	})
	if err != nil {
		return ports.DeliveryResult{Error: fmt.Sprintf("marshaling envelope: %v", err), Permanent: true}
	}

	ctx, cancel := context.WithTimeout(ctx, sub.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, sub.Method, sub.URL, bytes.NewReader(body))
	if err != nil {
		return ports.DeliveryResult{
			Error:     fmt.Sprintf("building request: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
			Permanent: true,
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	switch sub.Auth.Kind {
	case domain.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+sub.Auth.Token)
	case domain.AuthAPIKey:
		req.Header.Set(sub.Auth.Header, sub.Auth.Token)
	}

	ts := d.now().Unix()
	req.Header.Set(headerEvent, eventType)
	req.Header.Set(headerTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(headerSignature, d.sigSvc.Sign(sub.Secret, ts, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return ports.DeliveryResult{
			Error:     fmt.Sprintf("request failed: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))

	return ports.DeliveryResult{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		LatencyMs:  time.Since(start).Milliseconds(),
	}
}

// recordOutcome applies one attempt result to the delivery log entry and the
// subscription's aggregate counters.
func (d *Dispatcher) recordOutcome(ctx context.Context, sub *domain.Subscription, entry *domain.DeliveryLog, result ports.DeliveryResult) {
	now := d.now()
	entry.AttemptCount++
	entry.UpdatedAt = now
	entry.ResponseBody = result.Body
	if result.StatusCode > 0 {
		code := result.StatusCode
		entry.ResponseCode = &code
	}

	switch {
	case result.Success:
		entry.Status = domain.DeliveryDelivered
		entry.DeliveredAt = &now
		entry.NextRetryAt = nil
		entry.LastError = nil

		if err := d.subRepo.RecordSuccess(ctx, sub.ID, now); err != nil {
			d.log.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("failed to record delivery success")
		}
		d.log.Info().
			Str("subscription_id", sub.ID.String()).
			Str("event_type", entry.EventType).
			Int("status_code", result.StatusCode).
			Int("attempt", entry.AttemptCount).
			Int64("latency_ms", result.LatencyMs).
			Msg("webhook delivered")

	case result.Permanent:
		errMsg := attemptError(result)
		entry.Status = domain.DeliveryFailed
		entry.LastError = &errMsg
		entry.NextRetryAt = nil

		if err := d.subRepo.RecordFailure(ctx, sub.ID, now, errMsg); err != nil {
			d.log.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("failed to record delivery failure")
		}
		d.log.Warn().
			Str("subscription_id", sub.ID.String()).
			Str("event_type", entry.EventType).
			Str("error", errMsg).
			Msg("webhook delivery failed permanently")

	case entry.AttemptsRemaining():
		errMsg := attemptError(result)
		entry.Status = domain.DeliveryRetrying
		entry.LastError = &errMsg
		next := now.Add(d.backoff.NextDelay(entry.AttemptCount))
		entry.NextRetryAt = &next

		d.log.Warn().
			Str("subscription_id", sub.ID.String()).
			Str("event_type", entry.EventType).
			Int("attempt", entry.AttemptCount).
			Int("max_attempts", entry.MaxAttempts).
			Time("next_retry", next).
			Str("error", errMsg).
			Msg("webhook delivery failed, retry scheduled")

	default:
		errMsg := attemptError(result)
		entry.Status = domain.DeliveryExhausted
		entry.LastError = &errMsg
		entry.NextRetryAt = nil

		// Failure counter moves once per exhausted sequence, not per attempt.
		if err := d.subRepo.RecordFailure(ctx, sub.ID, now, errMsg); err != nil {
			d.log.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("failed to record delivery failure")
		}
		d.log.Warn().
			Str("subscription_id", sub.ID.String()).
			Str("event_type", entry.EventType).
			Int("attempts", entry.AttemptCount).
			Str("error", errMsg).
			Msg("webhook delivery exhausted")
	}

	if err := d.deliveryRepo.Update(ctx, entry); err != nil {
		d.log.Error().Err(err).
			Str("delivery_id", entry.ID.String()).
			Msg("failed to update delivery log")
	}
}

func attemptError(result ports.DeliveryResult) string {
	if result.Error != "" {
		return result.Error
	}
	return fmt.Sprintf("unexpected status %d", result.StatusCode)
}
