package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

type RecordHandler struct {
	gate   ReviewGate
	logger logger.Logger
}

func NewRecordHandler(gate ReviewGate, log logger.Logger) *RecordHandler {
	return &RecordHandler{gate: gate, logger: log}
}

// identityParam 读取并校验路径中的 identity
func (h *RecordHandler) identityParam(c *gin.Context) (string, bool) {
	identity := c.Param("identity")
	if identity == "" || models.IdentityFor(identity) != identity {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid record identity", fmt.Errorf("identity %q", identity))
		return "", false
	}
	return identity, true
}

// ListPending 待审核记录
func (h *RecordHandler) ListPending(c *gin.Context) {
	records, err := h.gate.ListPending(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to list pending records", err)
		return
	}
	if records == nil {
		records = []*models.Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(records),
		"records": records,
	})
}

func (h *RecordHandler) Get(c *gin.Context) {
	identity, ok := h.identityParam(c)
	if !ok {
		return
	}
	rec, err := h.gate.Get(c.Request.Context(), identity)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to get record", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Update replaces the whole record with the request body.
func (h *RecordHandler) Update(c *gin.Context) {
	identity, ok := h.identityParam(c)
	if !ok {
		return
	}
	var body models.Record
	if err := c.ShouldBindJSON(&body); err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid record body", err)
		return
	}
	rec, err := h.gate.ApplyUpdate(c.Request.Context(), identity, &body)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to update record", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
