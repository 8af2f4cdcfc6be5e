package models

import "time"

// Role determines what a member may do inside their organization.
type Role string

const (
	// RoleLead administers an organization: assigns tasks, reviews work and
	// decides membership requests.
	RoleLead Role = "Lead"
	// RoleAssociate executes assigned tasks and submits proof of work.
	RoleAssociate Role = "Associate"
)

// Valid reports whether the role is one of the two supported values.
func (r Role) Valid() bool {
	return r == RoleLead || r == RoleAssociate
}

// UserStatus tracks the account's place in the approval pipeline.
type UserStatus string

const (
	UserStatusActive     UserStatus = "Active"
	UserStatusPending    UserStatus = "Pending"
	UserStatusPendingOTP UserStatus = "Pending_OTP"
)

// User describes a platform account. A user with a nil OrganizationID is a
// free agent and must create or join an organization before working.
type User struct {
	BaseModel

	Username     string `gorm:"uniqueIndex;not null" json:"username"`
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`

	Role   Role       `gorm:"type:varchar(16);not null" json:"role"`
	Status UserStatus `gorm:"type:varchar(16);default:'Pending'" json:"status"`

	OrganizationID *string       `gorm:"type:uuid;index" json:"organization_id"`
	Organization   *Organization `json:"organization,omitempty"`

	IsActive bool `gorm:"default:true" json:"is_active"`

	// Single active one-time code; overwritten on re-issue, cleared on use.
	OTP        *string    `gorm:"type:varchar(6)" json:"-"`
	OTPExpires *time.Time `json:"-"`

	ResetTokenHash *string    `gorm:"index" json:"-"`
	ResetExpires   *time.Time `json:"-"`

	// Incremented to invalidate every outstanding session token at once.
	TokenVersion int `gorm:"default:0" json:"-"`
}

// Attached reports whether the user currently belongs to an organization.
func (u *User) Attached() bool {
	return u.OrganizationID != nil && *u.OrganizationID != ""
}
