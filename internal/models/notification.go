package models

import "gorm.io/datatypes"

// Notification represents an in-app notification for a user. Write-once
// except the read flag.
type Notification struct {
	BaseModel

	UserID  string         `gorm:"type:uuid;not null;index" json:"user_id"`
	Title   string         `gorm:"type:varchar(255);not null" json:"title"`
	Message string         `gorm:"type:text" json:"message"`
	Type    string         `gorm:"type:varchar(32);default:'info'" json:"type"`
	Data    datatypes.JSON `json:"data"`

	Read bool `gorm:"default:false;index" json:"read"`
}
