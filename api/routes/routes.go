package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/knowledge-inbox/api/handlers"
	"github.com/feichai0017/knowledge-inbox/api/middleware"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, allowOrigins []string, log logger.Logger) {
	// 全局中间件
	r.Use(middleware.CORS(allowOrigins))
	r.Use(middleware.RequestLogger(log.Named("http")))

	v1 := r.Group("/api/v1")
	v1.GET("/health", h.Sync.Health)

	// 审核记录
	records := v1.Group("/records")
	{
		records.GET("/pending", h.Record.ListPending)
		records.GET("/:identity", h.Record.Get)
		records.PUT("/:identity", h.Record.Update)
		records.POST("/:identity", h.Record.Update)
	}

	sync := v1.Group("/sync")
	{
		sync.POST("/trigger", h.Sync.Trigger)
		sync.GET("/status", h.Sync.Status)
		sync.GET("/tasks/:taskId", h.Sync.TaskStatus)
	}
}
