package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/response"
)

// RequireLead rejects requests from anyone but an attached Lead. It must run
// after Auth.
func RequireLead() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok || user.Role != models.RoleLead || !user.Attached() {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireMember rejects requests from users without an organization. It must
// run after Auth.
func RequireMember() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok || !user.Attached() {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}
