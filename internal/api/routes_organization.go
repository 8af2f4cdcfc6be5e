package api

import (
	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/handlers"
	"github.com/conservehq/conserve/internal/middleware"
)

func registerOrganizationRoutes(r *gin.Engine, h *handlers.OrganizationHandler, requireAuth gin.HandlerFunc) {
	org := r.Group("/api/organization", requireAuth)
	{
		org.GET("", middleware.RequireMember(), h.Get)
		// Unattached users request membership by join code.
		org.POST("/join-existing", h.JoinExisting)

		lead := org.Group("", middleware.RequireLead())
		{
			lead.GET("/requests", h.ListJoinRequests)
			lead.POST("/requests/:id/approve", h.ApproveJoinRequest)
			lead.POST("/requests/:id/reject", h.RejectJoinRequest)
			lead.POST("/users", h.AddMember)
			lead.GET("/exit-requests", h.ListExitRequests)
			lead.PUT("/exit-requests/:id/decide", h.DecideExitRequest)
		}
	}
}
