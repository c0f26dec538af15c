package dto

import (
	"encoding/json"
	"time"

	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"
)

// AuthSpec describes the outbound authentication for a subscription.
type AuthSpec struct {
	Kind   string `json:"kind" binding:"required,oneof=none bearer api_key"`
	Token  string `json:"token,omitempty"`
	Header string `json:"header,omitempty"`
}

// RegisterWebhookRequest is the request body for webhook registration.
type RegisterWebhookRequest struct {
	Name          string            `json:"name" binding:"required,min=1,max=100"`
	URL           string            `json:"url" binding:"required,safe_url"`
	Method        *string           `json:"method,omitempty" binding:"omitempty,oneof=POST PUT PATCH"`
	Events        []string          `json:"events" binding:"required,min=1,dive,event_name"`
	Active        *bool             `json:"active,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Auth          *AuthSpec         `json:"auth,omitempty"`
	RetryAttempts *int              `json:"retry_attempts,omitempty" binding:"omitempty,min=1,max=10"`
	TimeoutMs     *int64            `json:"timeout_ms,omitempty" binding:"omitempty,gt=0,lte=120000"`
}

// UpdateWebhookRequest is the request body for partial webhook updates.
// Absent fields keep their current values.
type UpdateWebhookRequest struct {
	Name          *string           `json:"name,omitempty" binding:"omitempty,min=1,max=100"`
	URL           *string           `json:"url,omitempty" binding:"omitempty,safe_url"`
	Method        *string           `json:"method,omitempty" binding:"omitempty,oneof=POST PUT PATCH"`
	Events        []string          `json:"events,omitempty" binding:"omitempty,dive,event_name"`
	Active        *bool             `json:"active,omitempty"`
	// Headers omitted keeps the current set; an empty object ("headers": {})
	// clears all custom headers.
	Headers       map[string]string `json:"headers,omitempty"`
	Auth          *AuthSpec         `json:"auth,omitempty"`
	RetryAttempts *int              `json:"retry_attempts,omitempty" binding:"omitempty,min=1,max=10"`
	TimeoutMs     *int64            `json:"timeout_ms,omitempty" binding:"omitempty,gt=0,lte=120000"`
}

// EmitEventRequest is the request body for publishing a domain event.
type EmitEventRequest struct {
	Event string          `json:"event" binding:"required,event_name"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WebhookResponse is the API shape of a subscription.
type WebhookResponse struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Events          []string          `json:"events"`
	Active          bool              `json:"active"`
	Headers         map[string]string `json:"headers,omitempty"`
	AuthKind        string            `json:"auth_kind"`
	Secret          string            `json:"secret"`
	RetryAttempts   int               `json:"retry_attempts"`
	TimeoutMs       int64             `json:"timeout_ms"`
	SuccessCount    int64             `json:"success_count"`
	FailureCount    int64             `json:"failure_count"`
	LastTriggeredAt *string           `json:"last_triggered_at,omitempty"`
	LastError       *string           `json:"last_error,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

// NewWebhookResponse maps a domain subscription to its API shape.
func NewWebhookResponse(sub *domain.Subscription) WebhookResponse {
	return WebhookResponse{
		ID:              sub.ID.String(),
		Name:            sub.Name,
		URL:             sub.URL,
		Method:          sub.Method,
		Events:          sub.Events,
		Active:          sub.Active,
		Headers:         sub.Headers,
		AuthKind:        string(sub.Auth.Kind),
		Secret:          sub.Secret,
		RetryAttempts:   sub.RetryAttempts,
		TimeoutMs:       sub.Timeout.Milliseconds(),
		SuccessCount:    sub.SuccessCount,
		FailureCount:    sub.FailureCount,
		LastTriggeredAt: formatTimePtr(sub.LastTriggeredAt),
		LastError:       sub.LastError,
		CreatedAt:       sub.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       sub.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// NewWebhookResponses maps a slice of subscriptions.
func NewWebhookResponses(subs []domain.Subscription) []WebhookResponse {
	out := make([]WebhookResponse, 0, len(subs))
	for i := range subs {
		out = append(out, NewWebhookResponse(&subs[i]))
	}
	return out
}

// DeliveryLogResponse is the API shape of a delivery log entry.
type DeliveryLogResponse struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       string          `json:"status"`
	ResponseCode *int            `json:"response_code,omitempty"`
	ResponseBody string          `json:"response_body,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	NextRetryAt  *string         `json:"next_retry_at,omitempty"`
	DeliveredAt  *string         `json:"delivered_at,omitempty"`
	LastError    *string         `json:"last_error,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

// NewDeliveryLogResponses maps delivery log entries to their API shape.
func NewDeliveryLogResponses(entries []domain.DeliveryLog) []DeliveryLogResponse {
	out := make([]DeliveryLogResponse, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		out = append(out, DeliveryLogResponse{
			ID:           e.ID.String(),
			EventType:    e.EventType,
			Payload:      json.RawMessage(e.Payload),
			Status:       string(e.Status),
			ResponseCode: e.ResponseCode,
			ResponseBody: e.ResponseBody,
			AttemptCount: e.AttemptCount,
			MaxAttempts:  e.MaxAttempts,
			NextRetryAt:  formatTimePtr(e.NextRetryAt),
			DeliveredAt:  formatTimePtr(e.DeliveredAt),
			LastError:    e.LastError,
			CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// TestDeliveryResponse is the API shape of a synchronous test delivery.
type TestDeliveryResponse struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// NewTestDeliveryResponse maps a delivery result.
func NewTestDeliveryResponse(result *ports.DeliveryResult) TestDeliveryResponse {
	return TestDeliveryResponse{
		Success:    result.Success,
		StatusCode: result.StatusCode,
		Body:       result.Body,
		LatencyMs:  result.LatencyMs,
		Error:      result.Error,
	}
}

// ToAuth converts an AuthSpec into its domain form.
func (a *AuthSpec) ToAuth() *domain.SubscriptionAuth {
	if a == nil {
		return nil
	}
	return &domain.SubscriptionAuth{
		Kind:   domain.AuthKind(a.Kind),
		Token:  a.Token,
		Header: a.Header,
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
