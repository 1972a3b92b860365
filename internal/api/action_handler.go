package api

import (
	"context"
	"errors"
	"net/http"

	"fieldsync/internal/dto/req"
	"fieldsync/internal/dto/resp"
	"fieldsync/internal/model"
	"fieldsync/internal/queue"
	"fieldsync/internal/service"

	"github.com/gin-gonic/gin"
)

// EngineProvider is the command surface the coordinator exposes to the
// UI layer.
type EngineProvider interface {
	Enqueue(ctx context.Context, action model.Action, projection queue.Projection) (*model.Action, error)
	ResolveConflict(ctx context.Context, actionID, decision string) error
	Status() service.Status
	DeadLetters() []model.Action
	PendingForEntity(entityKey string) []model.Action
	SyncNow()
}

type ActionHandler struct {
	engine     EngineProvider
	projection *service.ProjectionCache
}

func NewActionHandler(engine EngineProvider, projection *service.ProjectionCache) *ActionHandler {
	return &ActionHandler{engine: engine, projection: projection}
}

// EnqueueAction captures a mutating user action. A storage failure maps
// to 507 so the UI can warn the user the action was not captured.
func (h *ActionHandler) EnqueueAction(c *gin.Context) {
	var r req.EnqueueActionRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	action := model.Action{
		EntityKey:   r.EntityKey,
		Kind:        r.Kind,
		Payload:     string(r.Payload),
		BaseVersion: r.BaseVersion,
	}

	stored, err := h.engine.Enqueue(c.Request.Context(), action, nil)
	if err != nil {
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": "action not captured: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, resp.FromAction(*stored))
}

func (h *ActionHandler) ListDeadLetters(c *gin.Context) {
	letters := h.engine.DeadLetters()
	items := make([]resp.ActionItem, 0, len(letters))
	for _, a := range letters {
		items = append(items, resp.FromAction(a))
	}
	c.JSON(http.StatusOK, resp.DeadLetterResponse{Data: items})
}

func (h *ActionHandler) ResolveAction(c *gin.Context) {
	var r req.ResolveActionRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.engine.ResolveConflict(c.Request.Context(), c.Param("id"), r.Decision)
	switch {
	case errors.Is(err, queue.ErrActionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
	case errors.Is(err, queue.ErrNotDeadLetter):
		c.JSON(http.StatusConflict, gin.H{"error": "action is not awaiting disposition"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"resolved": c.Param("id"), "decision": r.Decision})
	}
}

// EntityView returns the confirmed server state for one entity plus the
// ordered local actions not yet acked.
func (h *ActionHandler) EntityView(c *gin.Context) {
	entityKey := c.Param("key")
	pending := h.engine.PendingForEntity(entityKey)

	view, err := h.projection.View(c.Request.Context(), entityKey, pending)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}
