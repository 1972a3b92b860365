package api

import (
	"io"

	"fieldsync/internal/service"
	"fieldsync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type StreamHandler struct {
	engine EngineProvider
	hub    *service.Hub
}

func NewStreamHandler(engine EngineProvider, hub *service.Hub) *StreamHandler {
	return &StreamHandler{engine: engine, hub: hub}
}

// WatchStatus streams status transitions to the UI over SSE. The first
// event is always the current snapshot so a reconnecting client never
// renders stale state.
func (h *StreamHandler) WatchStatus(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	logger.Info("status stream client connected", zap.String("ip", c.ClientIP()))

	client := &service.Client{
		Send: make(chan service.StatusEvent, 32),
	}

	h.hub.Register <- client
	defer func() {
		h.hub.Unregister <- client
	}()

	c.SSEvent("status", h.engine.Status())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-client.Send:
			if !ok {
				return false
			}
			if event.Type == service.EventPing {
				c.SSEvent("ping", "pong")
				return true
			}
			c.SSEvent("status", event.Status)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
