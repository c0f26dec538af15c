package handler

import (
	"context"
	"net/http"

	"consenthub/internal/adapter/http/dto"
	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"
	"consenthub/pkg/apperror"
	"consenthub/pkg/response"

	"github.com/gin-gonic/gin"
)

// EventHandler accepts domain events for webhook fan-out.
type EventHandler struct {
	dispatcher ports.DispatcherService
}

// NewEventHandler creates a new event handler.
func NewEventHandler(dispatcher ports.DispatcherService) *EventHandler {
	return &EventHandler{dispatcher: dispatcher}
}

// Emit accepts a domain event and dispatches it to matching subscriptions in
// the background. The caller gets a 202 immediately: webhook outages must
// never block or fail the action that raised the event.
func (h *EventHandler) Emit(c *gin.Context) {
	var req dto.EmitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	if !domain.KnownEvent(req.Event) {
		response.Error(c, apperror.ErrUnknownEventType(req.Event))
		return
	}

	event := domain.NewEvent(req.Event, req.Data)

	// Detached from the request context so an early client disconnect cannot
	// cancel in-flight deliveries.
	go h.dispatcher.Dispatch(context.WithoutCancel(c.Request.Context()), event)

	response.Accepted(c, gin.H{
		"event":       event.Type,
		"accepted_at": event.Timestamp,
	})
}

// HealthCheck returns a handler that pings every dependency.
func HealthCheck(checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus)
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Ping(c.Request.Context()); err != nil {
				deps[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name()] = depStatus{Status: "healthy"}
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}
