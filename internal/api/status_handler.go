package api

import (
	"context"
	"net/http"

	"fieldsync/internal/dto/req"
	"fieldsync/internal/service"

	"github.com/gin-gonic/gin"
)

// HealthChecker reports whether the daemon's own stores are reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type StatusHandler struct {
	engine  EngineProvider
	session *service.Session
	health  HealthChecker
}

func NewStatusHandler(engine EngineProvider, session *service.Session, health HealthChecker) *StatusHandler {
	return &StatusHandler{engine: engine, session: session, health: health}
}

func (h *StatusHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

func (h *StatusHandler) SyncNow(c *gin.Context) {
	h.engine.SyncNow()
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}

// SetSession installs a refreshed ERP session token from the auth
// collaborator, resuming a paused engine.
func (h *StatusHandler) SetSession(c *gin.Context) {
	var r req.SetSessionRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.session.SetToken(r.Token); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"installed": true})
}

func (h *StatusHandler) HealthCheck(c *gin.Context) {
	if h.health != nil {
		if err := h.health.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
