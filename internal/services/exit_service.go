package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/conservehq/conserve/internal/auth"
	"github.com/conservehq/conserve/internal/models"
	apperrors "github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/logger"
	"github.com/conservehq/conserve/pkg/mail"
)

// Exit outcomes reported to the caller.
const (
	ExitStatusExited  = "Exited"
	ExitStatusPending = "Pending"
)

// ExitResult describes how an exit attempt resolved.
type ExitResult struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	ActiveTasks int64  `json:"active_tasks,omitempty"`
}

// ExitService drives the organization exit lifecycle: OTP confirmation
// followed by the branch appropriate to the member's role and obligations.
type ExitService struct {
	db            *gorm.DB
	otp           *auth.OTPService
	mailer        mail.Mailer
	from          string
	tasks         *TaskService
	organizations *OrganizationService
	notifications *NotificationService
}

// NewExitService constructs an ExitService instance.
func NewExitService(db *gorm.DB, otp *auth.OTPService, mailer mail.Mailer, from string, tasks *TaskService, organizations *OrganizationService, notifications *NotificationService) (*ExitService, error) {
	if db == nil {
		return nil, errors.New("exit service: db is required")
	}
	if otp == nil {
		return nil, errors.New("exit service: otp service is required")
	}
	if tasks == nil || organizations == nil {
		return nil, errors.New("exit service: task and organization services are required")
	}
	if mailer == nil {
		mailer = mail.NewNoopMailer()
	}
	return &ExitService{
		db:            db,
		otp:           otp,
		mailer:        mailer,
		from:          from,
		tasks:         tasks,
		organizations: organizations,
		notifications: notifications,
	}, nil
}

// RequestExitOTP issues a confirmation code and emails it to the member.
// A delivery failure discards the stored code so no unverifiable code
// lingers on the account.
func (s *ExitService) RequestExitOTP(ctx context.Context, user *models.User) error {
	ctx = ensureContext(ctx)

	if !user.Attached() {
		return apperrors.ErrForbidden
	}

	code, err := s.otp.Issue(ctx, user.ID)
	if err != nil {
		return err
	}

	err = s.mailer.Send(ctx, mail.ExitConfirmation(s.from, user.Email, code))
	if err != nil {
		if clearErr := s.otp.Clear(ctx, user.ID); clearErr != nil {
			logger.WithModule("exit").Warn("failed to clear otp after delivery failure",
				zap.String("user_id", user.ID),
				zap.Error(clearErr),
			)
		}
		return apperrors.ErrEmailDelivery.WithInternal(err)
	}
	return nil
}

// VerifyExit consumes the confirmation code and executes the exit branch for
// the member. The code is spent even when the outcome is PendingApproval, so
// a later retry starts over with a fresh code.
func (s *ExitService) VerifyExit(ctx context.Context, user *models.User, code string) (*ExitResult, error) {
	ctx = ensureContext(ctx)

	if !user.Attached() {
		return nil, apperrors.ErrForbidden
	}
	if err := s.otp.Verify(ctx, user.ID, code); err != nil {
		if errors.Is(err, auth.ErrOTPMismatch) {
			return nil, apperrors.ErrOTPInvalid.WithInternal(err)
		}
		return nil, err
	}

	orgID := *user.OrganizationID

	if user.Role == models.RoleLead {
		return s.exitLead(ctx, user, orgID)
	}
	return s.exitAssociate(ctx, user, orgID)
}

func (s *ExitService) exitLead(ctx context.Context, user *models.User, orgID string) (*ExitResult, error) {
	owned, err := s.organizations.FindByOwner(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	// Non-owner Leads leave freely.
	if owned == nil {
		if err := detachUser(s.db.WithContext(ctx), user.ID); err != nil {
			return nil, err
		}
		return &ExitResult{Status: ExitStatusExited, Message: "You have left the organization."}, nil
	}

	successor, err := s.findSuccessor(ctx, owned.ID, user.ID)
	if err != nil {
		return nil, err
	}

	if successor != nil {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.organizations.TransferOwnership(tx, owned.ID, successor.ID); err != nil {
				return err
			}
			return detachUser(tx, user.ID)
		})
		if err != nil {
			return nil, err
		}

		if s.notifications != nil {
			s.notifications.Notify(ctx, CreateNotificationInput{
				UserID:  successor.ID,
				Title:   "Ownership Transferred",
				Message: fmt.Sprintf("You are now the owner of %s.", owned.Name),
				Type:    "info",
				Data:    map[string]any{"organization_id": owned.ID, "type": "ownership_transferred"},
			})
		}
		return &ExitResult{Status: ExitStatusExited, Message: "You have left the organization. Ownership was transferred to another Lead."}, nil
	}

	// Last Lead standing: the organization goes with them.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.tasks.DeleteAllForOrganization(tx, owned.ID); err != nil {
			return err
		}
		err := tx.Model(&models.User{}).
			Where("organization_id = ?", owned.ID).
			Update("organization_id", nil).Error
		if err != nil {
			return fmt.Errorf("exit service: detach members: %w", err)
		}
		return s.organizations.Dissolve(tx, owned.ID)
	})
	if err != nil {
		return nil, err
	}

	return &ExitResult{Status: ExitStatusExited, Message: "You have left and the organization has been dissolved."}, nil
}

func (s *ExitService) exitAssociate(ctx context.Context, user *models.User, orgID string) (*ExitResult, error) {
	active, err := s.tasks.CountActive(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if active == 0 {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.tasks.DeleteAllForAssignee(tx, user.ID); err != nil {
				return err
			}
			return detachUser(tx, user.ID)
		})
		if err != nil {
			return nil, err
		}
		return &ExitResult{Status: ExitStatusExited, Message: "You have left the organization."}, nil
	}

	request, err := s.ensurePendingExitRequest(ctx, user.ID, orgID)
	if err != nil {
		return nil, err
	}

	org, err := s.organizations.GetByID(ctx, orgID)
	if err == nil && s.notifications != nil {
		s.notifications.Notify(ctx, CreateNotificationInput{
			UserID:  org.OwnerID,
			Title:   "Exit Request",
			Message: fmt.Sprintf("%s wants to leave the organization but has %d active task(s).", user.Username, active),
			Type:    "info",
			Data:    map[string]any{"request_id": request.ID, "type": "exit_request"},
		})
	}

	return &ExitResult{
		Status:      ExitStatusPending,
		Message:     fmt.Sprintf("You have %d active task(s). Your exit requires Lead approval.", active),
		ActiveTasks: active,
	}, nil
}

// findSuccessor picks the longest-standing other Lead in the organization.
func (s *ExitService) findSuccessor(ctx context.Context, orgID, excludeID string) (*models.User, error) {
	var successor models.User
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND role = ? AND id <> ?", orgID, models.RoleLead, excludeID).
		Order("created_at ASC").
		First(&successor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("exit service: find successor: %w", err)
	}
	return &successor, nil
}

// ensurePendingExitRequest reuses the member's existing pending request so
// repeated blocked attempts never pile up duplicate ledger rows.
func (s *ExitService) ensurePendingExitRequest(ctx context.Context, userID, orgID string) (*models.ExitRequest, error) {
	var request models.ExitRequest
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND organization_id = ? AND status = ?", userID, orgID, models.RequestStatusPending).
		First(&request).Error
	if err == nil {
		return &request, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("exit service: check pending exit request: %w", err)
	}

	request = models.ExitRequest{
		UserID:         userID,
		OrganizationID: orgID,
		Status:         models.RequestStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&request).Error; err != nil {
		return nil, fmt.Errorf("exit service: create exit request: %w", err)
	}
	return &request, nil
}
