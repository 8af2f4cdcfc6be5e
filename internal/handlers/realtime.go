package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/realtime"
)

// RealtimeHandler upgrades authenticated requests into websocket
// subscriptions on the user's private channel.
type RealtimeHandler struct {
	hub *realtime.Hub
}

func NewRealtimeHandler(hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// GET /api/realtime
func (h *RealtimeHandler) Connect(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	h.hub.Serve(user.ID, c.Writer, c.Request)
}
