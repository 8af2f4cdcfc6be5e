package api

import (
	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/handlers"
)

func registerNotificationRoutes(r *gin.Engine, h *handlers.NotificationHandler, requireAuth gin.HandlerFunc) {
	notifications := r.Group("/api/notifications", requireAuth)
	{
		notifications.GET("", h.List)
		notifications.PATCH("/:id/read", h.MarkRead)
		notifications.PATCH("/read-all", h.MarkAllRead)
	}
}
