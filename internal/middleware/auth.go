package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/conservehq/conserve/internal/auth"
	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/response"
)

const (
	// SessionCookieName is the httpOnly cookie carrying the session token.
	SessionCookieName = "token"

	CtxClaimsKey = "authClaims"
	CtxUserKey   = "authUser"
)

// Auth enforces session authentication. The token is read from the session
// cookie or a Bearer header, validated, and then checked against the
// account's current token_version so a version bump kills every outstanding
// session at once. The loaded user is stored on the request context.
func Auth(tokens *iauth.TokenService, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := tokens.ValidateSessionToken(token)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		var user models.User
		if err := db.First(&user, "id = ?", claims.UserID).Error; err != nil {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		if user.TokenVersion != claims.TokenVersion {
			response.Error(c, errors.ErrSessionExpired)
			c.Abort()
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserKey, &user)

		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	if cookie, err := c.Cookie(SessionCookieName); err == nil && cookie != "" {
		return cookie
	}
	authz := c.GetHeader("Authorization")
	if len(authz) >= 8 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// CurrentUser returns the authenticated user set by Auth.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	value, ok := c.Get(CtxUserKey)
	if !ok {
		return nil, false
	}
	user, ok := value.(*models.User)
	return user, ok
}
