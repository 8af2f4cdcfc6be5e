package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/conservehq/conserve/internal/models"
	apperrors "github.com/conservehq/conserve/pkg/errors"
)

var (
	// ErrRequestNotFound indicates the membership request does not exist.
	ErrRequestNotFound = apperrors.New("REQUEST_NOT_FOUND", "Request not found", 404)
	// ErrRequestAlreadyDecided is returned when a request was approved or
	// rejected by a concurrent decision.
	ErrRequestAlreadyDecided = apperrors.New("REQUEST_ALREADY_DECIDED", "Request has already been processed", 409)
	// ErrAlreadyRequested indicates the user already has a pending join request.
	ErrAlreadyRequested = apperrors.New("REQUEST_ALREADY_PENDING", "A join request for this organization is already pending", 409)
)

// MembershipService owns the join and exit request ledgers: creation,
// listing, and the approve/reject decisions that mutate membership.
type MembershipService struct {
	db            *gorm.DB
	tasks         *TaskService
	notifications *NotificationService
}

// NewMembershipService constructs a MembershipService instance.
func NewMembershipService(db *gorm.DB, tasks *TaskService, notifications *NotificationService) (*MembershipService, error) {
	if db == nil {
		return nil, errors.New("membership service: db is required")
	}
	if tasks == nil {
		return nil, errors.New("membership service: task service is required")
	}
	return &MembershipService{db: db, tasks: tasks, notifications: notifications}, nil
}

// RequestJoin files a pending join request for the user against the
// organization and alerts its owner. Attached users cannot apply elsewhere.
func (s *MembershipService) RequestJoin(ctx context.Context, user *models.User, org *models.Organization, role models.Role) (*models.JoinRequest, error) {
	ctx = ensureContext(ctx)

	if user.Attached() {
		return nil, apperrors.NewConflict("ALREADY_MEMBER", "User already belongs to an organization")
	}
	if !role.Valid() {
		return nil, apperrors.NewBadRequest("invalid role")
	}

	var existing models.JoinRequest
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND organization_id = ? AND status = ?", user.ID, org.ID, models.RequestStatusPending).
		First(&existing).Error
	if err == nil {
		return nil, ErrAlreadyRequested
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("membership service: check pending request: %w", err)
	}

	request := &models.JoinRequest{
		UserID:         user.ID,
		OrganizationID: org.ID,
		Role:           role,
		Status:         models.RequestStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(request).Error; err != nil {
		return nil, fmt.Errorf("membership service: create join request: %w", err)
	}

	if s.notifications != nil {
		s.notifications.Notify(ctx, CreateNotificationInput{
			UserID:  org.OwnerID,
			Title:   "New Join Request",
			Message: fmt.Sprintf("%s wants to join %s as %s", user.Username, org.Name, role),
			Type:    "info",
			Data:    map[string]any{"request_id": request.ID, "type": "join_request"},
		})
	}

	return request, nil
}

// ListJoinRequests returns the organization's pending join requests,
// newest first, with requesting users preloaded.
func (s *MembershipService) ListJoinRequests(ctx context.Context, orgID string) ([]models.JoinRequest, error) {
	ctx = ensureContext(ctx)

	var requests []models.JoinRequest
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND status = ?", orgID, models.RequestStatusPending).
		Preload("User").
		Order("created_at DESC").
		Find(&requests).Error
	if err != nil {
		return nil, fmt.Errorf("membership service: list join requests: %w", err)
	}
	return requests, nil
}

// ListExitRequests returns the organization's pending exit requests,
// newest first.
func (s *MembershipService) ListExitRequests(ctx context.Context, orgID string) ([]models.ExitRequest, error) {
	ctx = ensureContext(ctx)

	var requests []models.ExitRequest
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND status = ?", orgID, models.RequestStatusPending).
		Preload("User").
		Order("created_at DESC").
		Find(&requests).Error
	if err != nil {
		return nil, fmt.Errorf("membership service: list exit requests: %w", err)
	}
	return requests, nil
}

// DecideJoin approves or rejects a pending join request. Approval attaches
// the user to the organization and activates the account. The status flip is
// guarded so two concurrent decisions cannot both take effect.
func (s *MembershipService) DecideJoin(ctx context.Context, actor *models.User, requestID string, approve bool) (*models.JoinRequest, error) {
	ctx = ensureContext(ctx)

	request, err := s.loadJoinRequest(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}

	decision := models.RequestStatusRejected
	if approve {
		decision = models.RequestStatusApproved
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.JoinRequest{}).
			Where("id = ? AND status = ?", request.ID, models.RequestStatusPending).
			Update("status", decision)
		if result.Error != nil {
			return fmt.Errorf("membership service: decide join request: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrRequestAlreadyDecided
		}

		if approve {
			updates := map[string]any{
				"organization_id": request.OrganizationID,
				"role":            request.Role,
				"status":          models.UserStatusActive,
			}
			if err := tx.Model(&models.User{}).Where("id = ?", request.UserID).Updates(updates).Error; err != nil {
				return fmt.Errorf("membership service: attach user: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	request.Status = decision

	if s.notifications != nil {
		if approve {
			s.notifications.Notify(ctx, CreateNotificationInput{
				UserID:  request.UserID,
				Title:   "Join Request Approved",
				Message: "Your request to join the organization has been approved. Welcome aboard!",
				Type:    "success",
				Data:    map[string]any{"request_id": request.ID, "type": "join_approved"},
			})
		} else {
			s.notifications.Notify(ctx, CreateNotificationInput{
				UserID:  request.UserID,
				Title:   "Join Request Rejected",
				Message: "Your request to join the organization was rejected.",
				Type:    "warning",
				Data:    map[string]any{"request_id": request.ID, "type": "join_rejected"},
			})
		}
	}

	return request, nil
}

// DecideExit approves or rejects a pending exit request. Approval detaches
// the member and deletes every task ever assigned to them in one transaction.
func (s *MembershipService) DecideExit(ctx context.Context, actor *models.User, requestID string, approve bool) (*models.ExitRequest, error) {
	ctx = ensureContext(ctx)

	request, err := s.loadExitRequest(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}

	decision := models.RequestStatusRejected
	if approve {
		decision = models.RequestStatusApproved
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ExitRequest{}).
			Where("id = ? AND status = ?", request.ID, models.RequestStatusPending).
			Update("status", decision)
		if result.Error != nil {
			return fmt.Errorf("membership service: decide exit request: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrRequestAlreadyDecided
		}

		if approve {
			if err := s.tasks.DeleteAllForAssignee(tx, request.UserID); err != nil {
				return err
			}
			if err := detachUser(tx, request.UserID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	request.Status = decision

	if s.notifications != nil {
		if approve {
			s.notifications.Notify(ctx, CreateNotificationInput{
				UserID:  request.UserID,
				Title:   "Exit Request Approved",
				Message: "Your request to leave the organization has been approved.",
				Type:    "success",
				Data:    map[string]any{"request_id": request.ID, "type": "exit_approved"},
			})
		} else {
			s.notifications.Notify(ctx, CreateNotificationInput{
				UserID:  request.UserID,
				Title:   "Exit Request Rejected",
				Message: "Your request to leave the organization was rejected.",
				Type:    "warning",
				Data:    map[string]any{"request_id": request.ID, "type": "exit_rejected"},
			})
		}
	}

	return request, nil
}

// detachUser clears the user's organization link so the account survives as
// an unattached profile.
func detachUser(tx *gorm.DB, userID string) error {
	err := tx.Model(&models.User{}).Where("id = ?", userID).
		Update("organization_id", nil).Error
	if err != nil {
		return fmt.Errorf("membership service: detach user: %w", err)
	}
	return nil
}

func (s *MembershipService) loadJoinRequest(ctx context.Context, actor *models.User, requestID string) (*models.JoinRequest, error) {
	if !actor.Attached() {
		return nil, apperrors.ErrForbidden
	}

	var request models.JoinRequest
	err := s.db.WithContext(ctx).First(&request, "id = ?", strings.TrimSpace(requestID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("membership service: load join request: %w", err)
	}
	if request.OrganizationID != *actor.OrganizationID {
		return nil, apperrors.ErrForbidden
	}
	return &request, nil
}

func (s *MembershipService) loadExitRequest(ctx context.Context, actor *models.User, requestID string) (*models.ExitRequest, error) {
	if !actor.Attached() {
		return nil, apperrors.ErrForbidden
	}

	var request models.ExitRequest
	err := s.db.WithContext(ctx).First(&request, "id = ?", strings.TrimSpace(requestID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("membership service: load exit request: %w", err)
	}
	if request.OrganizationID != *actor.OrganizationID {
		return nil, apperrors.ErrForbidden
	}
	return &request, nil
}
