package handler

import (
	"consenthub/internal/adapter/http/middleware"
	redisStore "consenthub/internal/adapter/storage/redis"
	"consenthub/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	RegistrySvc    ports.RegistryService
	DispatcherSvc  ports.DispatcherService
	LogSvc         ports.DeliveryLogService
	RateLimitStore *redisStore.RateLimitStore // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Health check (deep — verifies PostgreSQL + Redis)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	// Rate limit rules
	rules := middleware.DefaultRateLimitRules()

	// Helper: return rate limiter middleware if store is available, else noop.
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	// API v1 routes
	v1 := r.Group("/api/v1")

	webhookHandler := NewWebhookHandler(deps.RegistrySvc, deps.DispatcherSvc, deps.LogSvc)
	webhooks := v1.Group("/webhooks")
	{
		webhooks.GET("", rl("webhooks_read"), webhookHandler.List)
		webhooks.POST("", rl("webhooks_write"), webhookHandler.Create)
		webhooks.GET("/events", rl("webhooks_read"), webhookHandler.Events)
		webhooks.GET("/stats", rl("webhooks_read"), webhookHandler.Stats)
		webhooks.GET("/:id", rl("webhooks_read"), webhookHandler.Get)
		webhooks.PUT("/:id", rl("webhooks_write"), webhookHandler.Update)
		webhooks.DELETE("/:id", rl("webhooks_write"), webhookHandler.Delete)
		webhooks.POST("/:id/activate", rl("webhooks_write"), webhookHandler.Activate)
		webhooks.POST("/:id/deactivate", rl("webhooks_write"), webhookHandler.Deactivate)
		webhooks.POST("/:id/test", rl("webhook_test"), webhookHandler.SendTest)
		webhooks.GET("/:id/logs", rl("webhooks_read"), webhookHandler.Logs)
	}

	// Internal event intake used by the consent, preference, and DSAR
	// services to raise webhook events.
	eventHandler := NewEventHandler(deps.DispatcherSvc)
	v1.POST("/events", rl("events_emit"), eventHandler.Emit)

	return r
}
