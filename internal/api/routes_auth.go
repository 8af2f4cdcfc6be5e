package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/handlers"
	"github.com/conservehq/conserve/internal/middleware"
)

func registerAuthRoutes(r *gin.Engine, h *handlers.AuthHandler, requireAuth gin.HandlerFunc) {
	// Credential endpoints get a tighter limit to slow brute force.
	credentialLimit := middleware.RateLimit(10, time.Minute)

	public := r.Group("/api/auth")
	{
		public.GET("/status", h.Status)
		public.POST("/setup", h.Setup)
		public.POST("/register", credentialLimit, h.Register)
		public.POST("/login", credentialLimit, h.Login)
		public.POST("/verify-otp", credentialLimit, h.VerifyOTP)
		public.POST("/forgot-password", credentialLimit, h.ForgotPassword)
		public.PUT("/reset-password/:token", credentialLimit, h.ResetPassword)
		// Link target in sign-in alert emails, so it must work unauthenticated.
		public.GET("/remote-signout/:id/:token", h.RemoteSignout)
	}

	private := r.Group("/api/auth", requireAuth)
	{
		private.POST("/logout", h.Logout)
		private.GET("/me", h.Me)
		private.GET("/users", middleware.RequireLead(), h.ListUsers)
		private.DELETE("/users/:id", middleware.RequireLead(), h.DeleteUser)
		private.POST("/exit-otp", middleware.RequireMember(), h.RequestExitOTP)
		private.POST("/exit-verify", middleware.RequireMember(), h.VerifyExit)
	}
}
