package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/knowledge-inbox/internal/service/pipeline"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

type SyncHandler struct {
	cycles CycleControl
	logger logger.Logger
}

func NewSyncHandler(cycles CycleControl, log logger.Logger) *SyncHandler {
	return &SyncHandler{cycles: cycles, logger: log}
}

// Trigger 立即执行一次同步周期
func (h *SyncHandler) Trigger(c *gin.Context) {
	taskID, err := h.cycles.RequestCycle(c.Request.Context(), pipeline.TriggerAPI)
	if err != nil {
		handleError(c, h.logger, http.StatusInternalServerError, "Failed to trigger cycle", err)
		return
	}
	resp := gin.H{"message": "Cycle requested"}
	if taskID != "" {
		resp["taskId"] = taskID
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *SyncHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.cycles.Status(c.Request.Context()))
}

// TaskStatus 查询队列任务状态
func (h *SyncHandler) TaskStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		handleError(c, h.logger, http.StatusBadRequest, "Task ID is required", nil)
		return
	}
	status, err := h.cycles.TaskStatus(c.Request.Context(), taskID)
	if err != nil {
		handleError(c, h.logger, http.StatusNotFound, "Failed to get task status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *SyncHandler) Health(c *gin.Context) {
	if err := h.cycles.Ping(c.Request.Context()); err != nil {
		handleError(c, h.logger, http.StatusServiceUnavailable, "Unhealthy", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
