package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/internal/realtime"
	apperrors "github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/logger"
)

const notificationPageLimit = 50

// CreateNotificationInput defines attributes required to persist a notification.
type CreateNotificationInput struct {
	UserID  string
	Title   string
	Message string
	Type    string
	Data    map[string]any
}

// NotificationService persists user notifications and pushes them over the
// realtime hub.
type NotificationService struct {
	db  *gorm.DB
	hub *realtime.Hub
}

// NewNotificationService constructs a NotificationService. The hub may be nil
// in contexts without realtime delivery (tests, CLI tooling).
func NewNotificationService(db *gorm.DB, hub *realtime.Hub) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	return &NotificationService{db: db, hub: hub}, nil
}

// Create registers a new notification and pushes it to the user's channel.
func (s *NotificationService) Create(ctx context.Context, input CreateNotificationInput) (*models.Notification, error) {
	ctx = ensureContext(ctx)

	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}

	notification := models.Notification{
		UserID:  userID,
		Title:   strings.TrimSpace(input.Title),
		Message: strings.TrimSpace(input.Message),
		Type:    defaultIfEmpty(strings.TrimSpace(input.Type), "info"),
	}

	if input.Data != nil {
		data, err := json.Marshal(input.Data)
		if err != nil {
			return nil, fmt.Errorf("notification service: marshal data: %w", err)
		}
		notification.Data = datatypes.JSON(data)
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return nil, fmt.Errorf("notification service: create notification: %w", err)
	}

	if s.hub != nil {
		s.hub.PushToUser(userID, realtime.Message{
			Event: "notification",
			Data:  notification,
		})
	}

	return &notification, nil
}

// Notify is the fire-and-forget variant used by membership and task flows:
// dispatch failures are logged, never surfaced to the originating request.
func (s *NotificationService) Notify(ctx context.Context, input CreateNotificationInput) {
	if _, err := s.Create(ctx, input); err != nil {
		logger.WithModule("notifications").Error("dispatch failed",
			zap.String("user_id", input.UserID),
			zap.String("title", input.Title),
			zap.Error(err),
		)
	}
}

// ListForUser returns the user's most recent notifications, newest first.
func (s *NotificationService) ListForUser(ctx context.Context, userID string) ([]models.Notification, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}

	var rows []models.Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(notificationPageLimit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("notification service: list notifications: %w", err)
	}
	return rows, nil
}

// MarkRead sets the read flag on a notification owned by the user.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) (*models.Notification, error) {
	ctx = ensureContext(ctx)

	var notification models.Notification
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		First(&notification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("notification service: load notification: %w", err)
	}

	if !notification.Read {
		if err := s.db.WithContext(ctx).Model(&notification).Update("read", true).Error; err != nil {
			return nil, fmt.Errorf("notification service: mark read: %w", err)
		}
		notification.Read = true
	}

	return &notification, nil
}

// MarkAllRead flags every unread notification for the user.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)

	if err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Update("read", true).Error; err != nil {
		return fmt.Errorf("notification service: mark all read: %w", err)
	}
	return nil
}
