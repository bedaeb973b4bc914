package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/internal/service/pipeline"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/queue"
)

// ReviewGate is the review side of the pipeline.
type ReviewGate interface {
	ListPending(ctx context.Context) ([]*models.Record, error)
	Get(ctx context.Context, identity string) (*models.Record, error)
	ApplyUpdate(ctx context.Context, identity string, rec *models.Record) (*models.Record, error)
}

// CycleControl starts cycles and reports on them.
type CycleControl interface {
	RequestCycle(ctx context.Context, trigger string) (string, error)
	Status(ctx context.Context) pipeline.Status
	TaskStatus(ctx context.Context, taskID string) (*queue.TaskStatus, error)
	Ping(ctx context.Context) error
}

type Handlers struct {
	Record *RecordHandler
	Sync   *SyncHandler
}

func NewHandlers(gate ReviewGate, cycles CycleControl, log logger.Logger) *Handlers {
	log = log.Named("api")
	return &Handlers{
		Record: NewRecordHandler(gate, log),
		Sync:   NewSyncHandler(cycles, log),
	}
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleError 统一错误处理
func handleError(c *gin.Context, log logger.Logger, status int, message string, err error) {
	fields := []logger.Field{logger.String("path", c.Request.URL.Path)}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Warn(message, fields...)
	}

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, response)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
