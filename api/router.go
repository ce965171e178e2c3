package api

import (
	"clipscribe/config"
	"clipscribe/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(tm *task.Manager, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(tm, cfg)

	// Health check
	r.GET("/health", h.handleHealth)
	r.GET("/api/v1/healthcheck", h.handleHealth)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.DELETE("/tasks/:taskId", h.handleDeleteTask)
		v1.GET("/tasks/:taskId/transcript", h.handleGetTranscript)
		v1.GET("/tasks/:taskId/thumbnail", h.handleGetThumbnail)
	}
	return r
}
