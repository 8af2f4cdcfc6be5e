package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/conservehq/conserve/internal/models"
	apperrors "github.com/conservehq/conserve/pkg/errors"
)

var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = apperrors.New("TASK_NOT_FOUND", "Task not found", 404)
)

// CreateTaskInput captures the attributes required to create a task.
type CreateTaskInput struct {
	Title        string
	Description  string
	AssignedToID string
	Checklist    []string
}

// UpdateTaskInput enumerates mutable task attributes. Lead edits and
// assignee submissions flow through the same operation, mirroring the
// permission split enforced inside Update.
type UpdateTaskInput struct {
	Title        *string
	Description  *string
	AssignedToID *string
	Status       *models.TaskStatus
	ProofOfWork  *string
	Checklist    []ChecklistItemInput
}

// ChecklistItemInput replaces the task checklist wholesale on update.
type ChecklistItemInput struct {
	Title  string `json:"title"`
	IsDone bool   `json:"is_done"`
}

// TaskFilters narrows task listings.
type TaskFilters struct {
	Status string
}

// TaskService manages the task lifecycle and acts as the cleanup collaborator
// for membership changes: exits and dissolutions delete through it.
type TaskService struct {
	db            *gorm.DB
	notifications *NotificationService
}

// NewTaskService constructs a TaskService instance.
func NewTaskService(db *gorm.DB, notifications *NotificationService) (*TaskService, error) {
	if db == nil {
		return nil, errors.New("task service: db is required")
	}
	return &TaskService{db: db, notifications: notifications}, nil
}

// List returns tasks scoped to the actor's organization. Leads see the whole
// board; Associates only their own assignments.
func (s *TaskService) List(ctx context.Context, actor *models.User, filters TaskFilters) ([]models.Task, error) {
	ctx = ensureContext(ctx)

	if !actor.Attached() {
		return nil, apperrors.ErrForbidden
	}

	query := s.db.WithContext(ctx).
		Where("organization_id = ?", *actor.OrganizationID).
		Preload("AssignedTo").
		Preload("AssignedBy").
		Preload("Checklist").
		Order("created_at DESC")

	if actor.Role == models.RoleAssociate {
		query = query.Where("assigned_to_id = ?", actor.ID)
	}
	if status := strings.TrimSpace(filters.Status); status != "" {
		query = query.Where("status = ?", status)
	}

	var tasks []models.Task
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("task service: list tasks: %w", err)
	}
	return tasks, nil
}

// Create registers a task in the actor's organization and notifies the
// assignee when one is set.
func (s *TaskService) Create(ctx context.Context, actor *models.User, input CreateTaskInput) (*models.Task, error) {
	ctx = ensureContext(ctx)

	if !actor.Attached() {
		return nil, apperrors.ErrForbidden
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, apperrors.NewBadRequest("title is required")
	}

	task := &models.Task{
		Title:          title,
		Description:    strings.TrimSpace(input.Description),
		OrganizationID: *actor.OrganizationID,
		AssignedByID:   actor.ID,
		Status:         models.TaskStatusPending,
		AuditLog: []models.TaskAuditEntry{{
			Action:    "Created",
			ActorID:   actor.ID,
			ActorName: actor.Username,
			Details:   "Task created",
		}},
	}

	if assignee := strings.TrimSpace(input.AssignedToID); assignee != "" {
		task.AssignedToID = &assignee
	}
	for _, item := range input.Checklist {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		task.Checklist = append(task.Checklist, models.ChecklistItem{Title: item})
	}

	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("task service: create task: %w", err)
	}

	if task.AssignedToID != nil && s.notifications != nil {
		s.notifications.Notify(ctx, CreateNotificationInput{
			UserID:  *task.AssignedToID,
			Title:   "New Task Assigned",
			Message: fmt.Sprintf("You have been assigned a new task: %s", task.Title),
			Type:    "info",
			Data:    map[string]any{"task_id": task.ID, "type": "task_assigned"},
		})
	}

	return task, nil
}

// Update applies assignee submissions and Lead edits. Associates may only
// touch tasks assigned to them; submitting proof moves the task Under Review
// and notifies the assigner.
func (s *TaskService) Update(ctx context.Context, actor *models.User, taskID string, input UpdateTaskInput) (*models.Task, error) {
	ctx = ensureContext(ctx)

	task, err := s.loadScoped(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}

	if actor.Role != models.RoleLead {
		if task.AssignedToID == nil || *task.AssignedToID != actor.ID {
			return nil, apperrors.ErrForbidden
		}
	}

	now := time.Now().UTC()
	updates := map[string]any{}
	var auditEntries []models.TaskAuditEntry

	if actor.Role == models.RoleLead {
		if input.Title != nil {
			if title := strings.TrimSpace(*input.Title); title != "" {
				updates["title"] = title
				task.Title = title
			}
		}
		if input.Description != nil {
			updates["description"] = strings.TrimSpace(*input.Description)
		}
		if input.AssignedToID != nil {
			if assignee := strings.TrimSpace(*input.AssignedToID); assignee != "" {
				updates["assigned_to_id"] = assignee
			}
		}
		if input.Status != nil {
			updates["status"] = *input.Status
			switch *input.Status {
			case models.TaskStatusCompleted:
				updates["completed_at"] = now
				auditEntries = append(auditEntries, models.TaskAuditEntry{
					TaskID:    task.ID,
					Action:    "Completed",
					ActorID:   actor.ID,
					ActorName: actor.Username,
					Details:   "Manually marked as completed by Lead",
				})
			case models.TaskStatusInProgress:
				if task.StartedAt == nil {
					updates["started_at"] = now
				}
			}
		}
	} else if input.Status != nil {
		// Assignee may move their own work forward, not decide reviews.
		switch *input.Status {
		case models.TaskStatusInProgress:
			updates["status"] = *input.Status
			if task.StartedAt == nil {
				updates["started_at"] = now
			}
		default:
			return nil, apperrors.ErrForbidden
		}
	}

	if input.ProofOfWork != nil {
		proof := strings.TrimSpace(*input.ProofOfWork)
		if proof != "" {
			updates["proof_of_work"] = proof
			updates["status"] = models.TaskStatusUnderReview
			updates["submitted_at"] = now
			auditEntries = append(auditEntries, models.TaskAuditEntry{
				TaskID:    task.ID,
				Action:    "Submitted",
				ActorID:   actor.ID,
				ActorName: actor.Username,
				Details:   "Proof submitted",
			})
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(updates) > 0 {
			if err := tx.Model(&models.Task{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("task service: update task: %w", err)
			}
		}
		if input.Checklist != nil {
			if err := tx.Where("task_id = ?", task.ID).Delete(&models.ChecklistItem{}).Error; err != nil {
				return fmt.Errorf("task service: clear checklist: %w", err)
			}
			for _, item := range input.Checklist {
				title := strings.TrimSpace(item.Title)
				if title == "" {
					continue
				}
				row := models.ChecklistItem{TaskID: task.ID, Title: title, IsDone: item.IsDone}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("task service: write checklist: %w", err)
				}
			}
		}
		for i := range auditEntries {
			if err := tx.Create(&auditEntries[i]).Error; err != nil {
				return fmt.Errorf("task service: append audit entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if input.ProofOfWork != nil && strings.TrimSpace(*input.ProofOfWork) != "" && s.notifications != nil {
		s.notifications.Notify(ctx, CreateNotificationInput{
			UserID:  task.AssignedByID,
			Title:   "Task Submitted",
			Message: fmt.Sprintf("%s submitted proof for: %s", actor.Username, task.Title),
			Type:    "info",
			Data:    map[string]any{"task_id": task.ID, "type": "task_submitted"},
		})
	}

	return s.reload(ctx, task.ID)
}

// Review records a Lead's verdict on submitted work and notifies the assignee.
func (s *TaskService) Review(ctx context.Context, actor *models.User, taskID string, approve bool, reason string) (*models.Task, error) {
	ctx = ensureContext(ctx)

	task, err := s.loadScoped(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	reason = strings.TrimSpace(reason)

	var (
		updates map[string]any
		entry   models.TaskAuditEntry
	)

	if approve {
		updates = map[string]any{
			"status":       models.TaskStatusCompleted,
			"completed_at": now,
		}
		entry = models.TaskAuditEntry{
			TaskID:    task.ID,
			Action:    "Approved",
			ActorID:   actor.ID,
			ActorName: actor.Username,
			Details:   defaultIfEmpty(reason, "Task approved"),
		}
	} else {
		updates = map[string]any{
			"status": models.TaskStatusRejected,
		}
		entry = models.TaskAuditEntry{
			TaskID:    task.ID,
			Action:    "Rejected",
			ActorID:   actor.ID,
			ActorName: actor.Username,
			Details:   defaultIfEmpty(reason, "Task rejected"),
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Task{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("task service: review task: %w", err)
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("task service: append audit entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if task.AssignedToID != nil && s.notifications != nil {
		if approve {
			s.notifications.Notify(ctx, CreateNotificationInput{
				UserID:  *task.AssignedToID,
				Title:   "Task Approved",
				Message: fmt.Sprintf("Your work for %q has been approved!", task.Title),
				Type:    "success",
				Data:    map[string]any{"task_id": task.ID, "type": "task_approved"},
			})
		} else {
			s.notifications.Notify(ctx, CreateNotificationInput{
				UserID:  *task.AssignedToID,
				Title:   "Task Rejected",
				Message: fmt.Sprintf("Your work for %q was rejected. Reason: %s", task.Title, defaultIfEmpty(reason, "No reason provided")),
				Type:    "warning",
				Data:    map[string]any{"task_id": task.ID, "type": "task_rejected"},
			})
		}
	}

	return s.reload(ctx, task.ID)
}

// CountActive returns how many non-terminal tasks are assigned to the user.
// This is the exit-eligibility check: Completed and Rejected do not block.
func (s *TaskService) CountActive(ctx context.Context, userID string) (int64, error) {
	ctx = ensureContext(ctx)

	var count int64
	err := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("assigned_to_id = ?", userID).
		Where("status IN ?", models.ActiveTaskStatuses()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("task service: count active tasks: %w", err)
	}
	return count, nil
}

// DeleteAllForAssignee removes every task ever assigned to the user,
// regardless of status, including checklist and audit rows. Runs on the
// supplied handle so exit cascades can wrap it in their transaction.
func (s *TaskService) DeleteAllForAssignee(tx *gorm.DB, userID string) error {
	return deleteTasksWhere(tx, "assigned_to_id = ?", userID)
}

// DeleteAllForOrganization removes every task belonging to the organization.
// Used by dissolution.
func (s *TaskService) DeleteAllForOrganization(tx *gorm.DB, orgID string) error {
	return deleteTasksWhere(tx, "organization_id = ?", orgID)
}

func deleteTasksWhere(tx *gorm.DB, query string, arg any) error {
	var ids []string
	if err := tx.Model(&models.Task{}).Where(query, arg).Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("task service: collect task ids: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := tx.Where("task_id IN ?", ids).Delete(&models.ChecklistItem{}).Error; err != nil {
		return fmt.Errorf("task service: delete checklist items: %w", err)
	}
	if err := tx.Where("task_id IN ?", ids).Delete(&models.TaskAuditEntry{}).Error; err != nil {
		return fmt.Errorf("task service: delete audit entries: %w", err)
	}
	if err := tx.Where("id IN ?", ids).Delete(&models.Task{}).Error; err != nil {
		return fmt.Errorf("task service: delete tasks: %w", err)
	}
	return nil
}

func (s *TaskService) loadScoped(ctx context.Context, actor *models.User, taskID string) (*models.Task, error) {
	if !actor.Attached() {
		return nil, apperrors.ErrForbidden
	}

	var task models.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("task service: load task: %w", err)
	}

	if task.OrganizationID != *actor.OrganizationID {
		return nil, apperrors.ErrForbidden
	}
	return &task, nil
}

func (s *TaskService) reload(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).
		Preload("AssignedTo").
		Preload("AssignedBy").
		Preload("Checklist").
		Preload("AuditLog").
		First(&task, "id = ?", taskID).Error
	if err != nil {
		return nil, fmt.Errorf("task service: reload task: %w", err)
	}
	return &task, nil
}
