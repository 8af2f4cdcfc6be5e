package models

// RequestStatus is shared by join and exit requests. Decided requests are
// never mutated back to Pending; a retry creates a new ledger entry.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "Pending"
	RequestStatusApproved RequestStatus = "Approved"
	RequestStatusRejected RequestStatus = "Rejected"
)

// JoinRequest records a user's wish to join an organization in a given role.
// At most one Pending request may exist per (user, organization) pair.
type JoinRequest struct {
	BaseModel

	UserID         string `gorm:"type:uuid;not null;index" json:"user_id"`
	User           *User  `json:"user,omitempty"`
	OrganizationID string `gorm:"type:uuid;not null;index" json:"organization_id"`

	Role   Role          `gorm:"type:varchar(16);not null" json:"role"`
	Status RequestStatus `gorm:"type:varchar(16);default:'Pending';index" json:"status"`
}

// ExitRequest records a member's wish to leave while they still hold active
// tasks. Same pending-uniqueness rule as JoinRequest.
type ExitRequest struct {
	BaseModel

	UserID         string `gorm:"type:uuid;not null;index" json:"user_id"`
	User           *User  `json:"user,omitempty"`
	OrganizationID string `gorm:"type:uuid;not null;index" json:"organization_id"`

	Status RequestStatus `gorm:"type:varchar(16);default:'Pending';index" json:"status"`
}
