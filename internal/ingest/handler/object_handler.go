package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamio/transcoder/internal/ingest/dto"
	"github.com/streamio/transcoder/internal/metadata"
	"github.com/streamio/transcoder/internal/queue"
)

// HandleNotification handles POST /api/v1/notifications
// Accepts object-created notifications and queues one job per object.
func (h *ObjectHandler) HandleNotification(c *gin.Context) {
	var req dto.NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid notification body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid notification body",
		})
		return
	}

	keys := req.ObjectKeys()
	if len(keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Notification carries no object key",
		})
		return
	}

	for _, key := range keys {
		if err := h.trigger.OnObjectCreated(c.Request.Context(), key); err != nil {
			// A transport failure must bounce back to the notifier so its
			// retry policy re-delivers the event.
			status := http.StatusInternalServerError
			if queue.IsTransport(err) {
				status = http.StatusServiceUnavailable
			}
			h.logger.Error("Failed to ingest object-created event",
				slog.String("object_key", key),
				slog.String("error", err.Error()),
			)
			c.JSON(status, gin.H{
				"error":     "Failed to queue object",
				"objectKey": key,
			})
			return
		}
	}

	c.JSON(http.StatusAccepted, dto.NotificationResponse{Queued: keys})
}

// GetObject handles GET /api/v1/objects/*object_key
// Returns the metadata record for one object.
func (h *ObjectHandler) GetObject(c *gin.Context) {
	objectKey := strings.TrimPrefix(c.Param("object_key"), "/")
	if objectKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "object key is required",
		})
		return
	}

	rec, err := h.meta.Get(c.Request.Context(), objectKey)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":     "Object not found",
				"objectKey": objectKey,
			})
			return
		}
		h.logger.Error("Failed to get object record",
			slog.String("object_key", objectKey),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get object record",
		})
		return
	}

	c.JSON(http.StatusOK, dto.ObjectResponse{
		ObjectKey: rec.ObjectKey,
		Status:    rec.Status,
		UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
	})
}
