package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/middleware"
	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/response"
)

// currentUser pulls the authenticated user from the request context, writing
// a 401 when the auth middleware did not run.
func currentUser(c *gin.Context) (*models.User, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return nil, false
	}
	return user, true
}

// userView shapes an account for API responses, hiding credential fields.
func userView(u *models.User) gin.H {
	return gin.H{
		"id":              u.ID,
		"username":        u.Username,
		"email":           u.Email,
		"role":            u.Role,
		"status":          u.Status,
		"organization_id": u.OrganizationID,
		"created_at":      u.CreatedAt,
	}
}
