package handler

import (
	"strconv"
	"time"

	"consenthub/internal/adapter/http/dto"
	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"
	"consenthub/pkg/apperror"
	"consenthub/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// WebhookHandler handles the webhook administration endpoints.
type WebhookHandler struct {
	registry   ports.RegistryService
	dispatcher ports.DispatcherService
	logs       ports.DeliveryLogService
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(registry ports.RegistryService, dispatcher ports.DispatcherService, logs ports.DeliveryLogService) *WebhookHandler {
	return &WebhookHandler{
		registry:   registry,
		dispatcher: dispatcher,
		logs:       logs,
	}
}

// List returns a page of webhook subscriptions.
func (h *WebhookHandler) List(c *gin.Context) {
	params := ports.SubscriptionListParams{
		Search: c.Query("search"),
		Event:  c.Query("event"),
		Page:   queryInt(c, "page", 1),
	}
	params.PageSize = queryInt(c, "page_size", 20)
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, apperror.Validation("active must be true or false"))
			return
		}
		params.Active = &active
	}

	subs, total, err := h.registry.List(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, response.PaginatedResponse{
		Items:    dto.NewWebhookResponses(subs),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
}

// Create registers a new webhook subscription.
func (h *WebhookHandler) Create(c *gin.Context) {
	var req dto.RegisterWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	in := ports.RegisterSubscriptionInput{
		Name:          req.Name,
		URL:           req.URL,
		Events:        req.Events,
		Active:        req.Active,
		Headers:       req.Headers,
		Auth:          req.Auth.ToAuth(),
		RetryAttempts: req.RetryAttempts,
	}
	if req.Method != nil {
		in.Method = *req.Method
	}
	if req.TimeoutMs != nil {
		timeout := time.Duration(*req.TimeoutMs) * time.Millisecond
		in.Timeout = &timeout
	}

	sub, err := h.registry.Register(c.Request.Context(), in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.NewWebhookResponse(sub))
}

// Get returns a single webhook subscription.
func (h *WebhookHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	sub, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewWebhookResponse(sub))
}

// Update applies a partial update to a webhook subscription.
func (h *WebhookHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req dto.UpdateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	in := ports.UpdateSubscriptionInput{
		Name:          req.Name,
		URL:           req.URL,
		Method:        req.Method,
		Events:        req.Events,
		Active:        req.Active,
		Headers:       req.Headers,
		Auth:          req.Auth.ToAuth(),
		RetryAttempts: req.RetryAttempts,
	}
	if req.TimeoutMs != nil {
		timeout := time.Duration(*req.TimeoutMs) * time.Millisecond
		in.Timeout = &timeout
	}

	sub, err := h.registry.Update(c.Request.Context(), id, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewWebhookResponse(sub))
}

// Delete removes a webhook subscription and its delivery history.
func (h *WebhookHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.registry.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"message": "webhook deleted"})
}

// Activate switches a webhook subscription on.
func (h *WebhookHandler) Activate(c *gin.Context) {
	h.setActive(c, true)
}

// Deactivate switches a webhook subscription off without deleting it.
func (h *WebhookHandler) Deactivate(c *gin.Context) {
	h.setActive(c, false)
}

func (h *WebhookHandler) setActive(c *gin.Context, active bool) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	sub, err := h.registry.SetActive(c.Request.Context(), id, active)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewWebhookResponse(sub))
}

// SendTest performs a synchronous test delivery against the subscription's
// target and returns the outcome.
func (h *WebhookHandler) SendTest(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	result, err := h.dispatcher.SendTest(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewTestDeliveryResponse(result))
}

// Logs returns a page of a subscription's delivery history, newest first.
func (h *WebhookHandler) Logs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	params := ports.DeliveryListParams{
		SubscriptionID: id,
		EventType:      c.Query("event"),
		Page:           queryInt(c, "page", 1),
		PageSize:       queryInt(c, "page_size", 20),
	}
	if raw := c.Query("status"); raw != "" {
		status := domain.DeliveryStatus(raw)
		params.Status = &status
	}

	logs, total, err := h.logs.GetLogs(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, response.PaginatedResponse{
		Items:    dto.NewDeliveryLogResponses(logs),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
}

// Events returns the catalog of event types subscriptions can listen to.
func (h *WebhookHandler) Events(c *gin.Context) {
	response.OK(c, gin.H{"events": domain.EventCatalog()})
}

// Stats returns aggregate webhook delivery statistics.
func (h *WebhookHandler) Stats(c *gin.Context) {
	stats, err := h.logs.GetStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, stats)
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("id must be a valid UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
