package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/logger"
	"github.com/conservehq/conserve/pkg/response"
)

// Recovery converts panics into the standard error envelope. The panic value
// and stack go to the log; the client only sees a generic 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithModule("http").Error("panic recovered",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				c.Abort()
				response.Error(c, apperrors.ErrInternalServer)
			}
		}()
		c.Next()
	}
}

// NotFoundHandler answers unknown routes with the JSON error envelope instead
// of gin's plain-text default.
func NotFoundHandler(c *gin.Context) {
	response.Error(c, apperrors.New("ROUTE_NOT_FOUND",
		fmt.Sprintf("route %s not found", c.Request.URL.Path), http.StatusNotFound))
}
