package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/pkg/crypto"
)

// DefaultOTPTTL is the lifetime of an issued one-time code.
const DefaultOTPTTL = 10 * time.Minute

// ErrOTPMismatch signals a wrong, expired, or already consumed code.
var ErrOTPMismatch = errors.New("otp: invalid or expired code")

// OTPService manages the single active one-time code stored on a user record.
// Issuing overwrites any previous pending code; verification consumes it.
type OTPService struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// OTPOption customises the OTPService.
type OTPOption func(*OTPService)

// WithOTPTTL overrides the code lifetime.
func WithOTPTTL(d time.Duration) OTPOption {
	return func(s *OTPService) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithOTPClock injects a custom time source.
func WithOTPClock(clock func() time.Time) OTPOption {
	return func(s *OTPService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewOTPService constructs an OTPService.
func NewOTPService(db *gorm.DB, opts ...OTPOption) (*OTPService, error) {
	if db == nil {
		return nil, errors.New("otp service: db is required")
	}

	service := &OTPService{db: db, ttl: DefaultOTPTTL, now: time.Now}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Issue generates a fresh 6-digit code and stores it on the user with an
// expiry, replacing any previous pending code.
func (s *OTPService) Issue(ctx context.Context, userID string) (string, error) {
	code, err := crypto.GenerateOTP()
	if err != nil {
		return "", fmt.Errorf("otp service: generate code: %w", err)
	}

	expires := s.now().Add(s.ttl)
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"otp":         code,
			"otp_expires": expires,
		})
	if result.Error != nil {
		return "", fmt.Errorf("otp service: store code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return "", fmt.Errorf("otp service: user %s not found", userID)
	}

	return code, nil
}

// Verify checks the supplied code against the user's stored one and consumes
// it on success. A wrong or expired code mutates nothing.
func (s *OTPService) Verify(ctx context.Context, userID, code string) error {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOTPMismatch
		}
		return fmt.Errorf("otp service: load user: %w", err)
	}

	if user.OTP == nil || user.OTPExpires == nil || code == "" {
		return ErrOTPMismatch
	}
	if subtle.ConstantTimeCompare([]byte(*user.OTP), []byte(code)) != 1 {
		return ErrOTPMismatch
	}
	if s.now().After(*user.OTPExpires) {
		return ErrOTPMismatch
	}

	// Clearing with a guard on the stored code keeps the code single-use
	// under concurrent verification attempts.
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND otp = ?", userID, *user.OTP).
		Updates(map[string]any{
			"otp":         nil,
			"otp_expires": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("otp service: consume code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOTPMismatch
	}

	return nil
}

// Clear drops any pending code, used to roll back when delivery fails.
func (s *OTPService) Clear(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"otp":         nil,
			"otp_expires": nil,
		}).Error
}
