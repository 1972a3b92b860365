package api

import (
	"fieldsync/internal/metrics"
	"fieldsync/internal/middleware"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(actionHandler *ActionHandler, statusHandler *StatusHandler, streamHandler *StreamHandler, deviceKey string) *gin.Engine {
	r := gin.New()

	r.Use(
		middleware.CorsMiddleware(),
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
	)
	r.SetTrustedProxies(nil)

	// Public
	r.GET("/health", statusHandler.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.POST("/v1/session", statusHandler.SetSession)

	// Command and status surface for the UI layer
	protected := r.Group("/v1")
	protected.Use(middleware.DeviceAuthMiddleware(deviceKey))
	{
		protected.POST("/actions", actionHandler.EnqueueAction)
		protected.GET("/actions/dead-letter", actionHandler.ListDeadLetters)
		protected.POST("/actions/:id/resolve", actionHandler.ResolveAction)
		protected.GET("/entities/:key", actionHandler.EntityView)
		protected.GET("/sync/status", statusHandler.GetStatus)
		protected.POST("/sync/now", statusHandler.SyncNow)
		protected.GET("/sync/stream", streamHandler.WatchStatus)
	}

	return r
}
