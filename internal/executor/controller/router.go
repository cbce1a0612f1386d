package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the execution API under /api/v1. Middlewares apply to
// the API group only, so /healthz stays reachable.
func RegisterRoutes(r *gin.Engine, h *ExecutionController, middlewares ...gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1", middlewares...)
	api.POST("/executions", h.Run)
	api.POST("/executions/async", h.Submit)
	api.GET("/executions", h.List)
	api.GET("/executions/:id", h.Get)
	api.GET("/languages", h.Languages)
}
