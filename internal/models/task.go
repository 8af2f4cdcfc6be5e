package models

import "time"

// TaskStatus follows the assignment lifecycle. Completed and Rejected are
// terminal for the purpose of exit eligibility.
type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "Pending"
	TaskStatusInProgress  TaskStatus = "In Progress"
	TaskStatusUnderReview TaskStatus = "Under Review"
	TaskStatusCompleted   TaskStatus = "Completed"
	TaskStatusRejected    TaskStatus = "Rejected"
)

// Terminal reports whether the status no longer blocks its assignee's exit.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusRejected
}

var taskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusInProgress,
	TaskStatusUnderReview,
	TaskStatusCompleted,
	TaskStatusRejected,
}

// ActiveTaskStatuses lists the states that still block their assignee's exit.
func ActiveTaskStatuses() []TaskStatus {
	active := make([]TaskStatus, 0, len(taskStatuses))
	for _, s := range taskStatuses {
		if !s.Terminal() {
			active = append(active, s)
		}
	}
	return active
}

// Task belongs to exactly one organization and is cascade-deleted with it.
type Task struct {
	BaseModel

	Title       string `gorm:"not null" json:"title"`
	Description string `json:"description"`

	OrganizationID string `gorm:"type:uuid;not null;index" json:"organization_id"`

	AssignedToID *string `gorm:"type:uuid;index" json:"assigned_to_id"`
	AssignedTo   *User   `gorm:"foreignKey:AssignedToID" json:"assigned_to,omitempty"`
	AssignedByID string  `gorm:"type:uuid;not null" json:"assigned_by_id"`
	AssignedBy   *User   `gorm:"foreignKey:AssignedByID" json:"assigned_by,omitempty"`

	Status TaskStatus `gorm:"type:varchar(16);default:'Pending';index" json:"status"`

	ProofOfWork string `gorm:"type:text" json:"proof_of_work"`

	Checklist []ChecklistItem  `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"checklist,omitempty"`
	AuditLog  []TaskAuditEntry `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"audit_log,omitempty"`

	StartedAt   *time.Time `json:"started_at"`
	SubmittedAt *time.Time `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// ChecklistItem is a small sub-step the assignee ticks off while working.
type ChecklistItem struct {
	BaseModel

	TaskID string `gorm:"type:uuid;not null;index" json:"task_id"`
	Title  string `gorm:"not null" json:"title"`
	IsDone bool   `gorm:"default:false" json:"is_done"`
}

// TaskAuditEntry is an append-only record of what happened to a task. The
// actor's name is snapshotted so the trail survives account deletion.
type TaskAuditEntry struct {
	BaseModel

	TaskID    string `gorm:"type:uuid;not null;index" json:"task_id"`
	Action    string `gorm:"type:varchar(32);not null" json:"action"`
	ActorID   string `gorm:"type:uuid" json:"actor_id"`
	ActorName string `json:"actor_name"`
	Details   string `gorm:"type:text" json:"details"`
}
