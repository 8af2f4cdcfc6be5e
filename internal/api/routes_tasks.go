package api

import (
	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/handlers"
	"github.com/conservehq/conserve/internal/middleware"
)

func registerTaskRoutes(r *gin.Engine, h *handlers.TaskHandler, requireAuth gin.HandlerFunc) {
	tasks := r.Group("/api/tasks", requireAuth, middleware.RequireMember())
	{
		tasks.GET("", h.List)
		tasks.POST("", middleware.RequireLead(), h.Create)
		tasks.PATCH("/:id", h.Update)
		tasks.PATCH("/:id/review", middleware.RequireLead(), h.Review)
	}
}
