package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"opsledger/internal/lifecycle"
	"opsledger/internal/model"
	"opsledger/pkg/outbox"
)

type AdminHandler struct {
	lifecycle     *lifecycle.Manager
	replayService *outbox.ReplayService
	logger        *zap.Logger
}

// NewAdminHandler wires the operator endpoints. replayService is nil when the
// outbox is not in use; the replay routes then answer 503.
func NewAdminHandler(manager *lifecycle.Manager, replayService *outbox.ReplayService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		lifecycle:     manager,
		replayService: replayService,
		logger:        logger,
	}
}

// RunLifecycle runs one partition lifecycle pass now.
// POST /admin/lifecycle/run
func (h *AdminHandler) RunLifecycle(c *gin.Context) {
	report, err := h.lifecycle.Run(c.Request.Context())
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":     report.OK(),
		"report": report,
	})
}

// ListPartitions returns the partition catalog.
// GET /admin/partitions
func (h *AdminHandler) ListPartitions(c *gin.Context) {
	parts, err := h.lifecycle.Partitions(c.Request.Context())
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}
	if parts == nil {
		parts = []model.Partition{}
	}

	c.JSON(http.StatusOK, gin.H{"partitions": parts})
}

func (h *AdminHandler) outboxEnabled(c *gin.Context) bool {
	if h.replayService == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox is not configured"})
		return false
	}
	return true
}

// ReplayOutboxEvent republishes one outbox event.
// POST /admin/outbox/replay?id=xxx
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	if !h.outboxEnabled(c) {
		return
	}
	idStr := c.Query("id")
	if idStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing id parameter"})
		return
	}

	eventID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return
	}

	if err := h.replayService.ReplayEvent(c.Request.Context(), eventID); err != nil {
		if errors.Is(err, outbox.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "outbox event not found"})
			return
		}
		h.logger.Error("Failed to replay event",
			zap.Int64("event_id", eventID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay event",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "replayed",
		"event_id": eventID,
	})
}

// ReplayFailedEvents republishes failed outbox events.
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	if !h.outboxEnabled(c) {
		return
	}
	limitStr := c.DefaultQuery("limit", "100")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		limit = 100
	}

	successCount, err := h.replayService.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay failed events",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"success_count": successCount,
		"limit":         limit,
	})
}
