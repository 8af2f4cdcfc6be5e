package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/services"
	"github.com/conservehq/conserve/pkg/response"
)

// NotificationHandler exposes the user's notification feed.
type NotificationHandler struct {
	notifications *services.NotificationService
}

func NewNotificationHandler(notifications *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// GET /api/notifications
func (h *NotificationHandler) List(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	notifications, err := h.notifications.ListForUser(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"notifications": notifications})
}

// PATCH /api/notifications/:id/read
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	notification, err := h.notifications.MarkRead(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"notification": notification})
}

// PATCH /api/notifications/read-all
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.notifications.MarkAllRead(c.Request.Context(), user.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "All notifications marked as read."})
}
