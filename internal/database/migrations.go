package database

import (
	"gorm.io/gorm"

	"github.com/conservehq/conserve/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Organization{},
		&models.JoinRequest{},
		&models.ExitRequest{},
		&models.Task{},
		&models.ChecklistItem{},
		&models.TaskAuditEntry{},
		&models.Notification{},
	)
}

// MigrateLegacyRoles rewrites pre-rename role values in place. Earlier
// deployments stored "Boss" and "Worker"; the runtime only ever sees the
// current two-value enum, so the rewrite happens here instead of the login
// path.
func MigrateLegacyRoles(db *gorm.DB) error {
	renames := map[string]models.Role{
		"Boss":   models.RoleLead,
		"Worker": models.RoleAssociate,
	}

	for legacy, current := range renames {
		if err := db.Model(&models.User{}).
			Where("role = ?", legacy).
			Update("role", current).Error; err != nil {
			return err
		}
	}
	return nil
}
