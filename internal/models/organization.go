package models

// Organization groups Leads and Associates around a shared task board. The
// join code is the only public identifier used by membership requests. Every
// existing organization has exactly one owner; an organization whose last Lead
// departs is dissolved rather than left ownerless.
type Organization struct {
	BaseModel

	Name    string `gorm:"uniqueIndex;not null" json:"name"`
	Code    string `gorm:"uniqueIndex;not null;type:varchar(16)" json:"code"`
	OwnerID string `gorm:"type:uuid;not null;index" json:"owner_id"`

	Users []User `gorm:"foreignKey:OrganizationID" json:"users,omitempty"`
}
