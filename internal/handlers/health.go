package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/conservehq/conserve/pkg/response"
)

// Health returns a status payload useful for readiness checks. The database
// ping surfaces connectivity problems before traffic does.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		if db != nil {
			if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
				status = "degraded"
			}
		}
		response.Success(c, http.StatusOK, gin.H{"status": status})
	}
}
