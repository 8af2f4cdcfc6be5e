package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/conservehq/conserve/internal/auth"
	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/pkg/crypto"
	apperrors "github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/logger"
	"github.com/conservehq/conserve/pkg/mail"
)

const (
	resetTokenBytes = 32

	// RegisterModeCreate creates a new organization owned by the registrant.
	RegisterModeCreate = "create"
	// RegisterModeJoin files a join request against an existing organization.
	RegisterModeJoin = "join"
)

var (
	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = apperrors.New("EMAIL_TAKEN", "An account with this email already exists", 409)
	// ErrSetupComplete is returned when setup is attempted after the first
	// user exists.
	ErrSetupComplete = apperrors.New("SETUP_COMPLETE", "Initial setup has already been completed", 409)
	// ErrResetTokenInvalid covers unknown and expired password reset tokens.
	ErrResetTokenInvalid = apperrors.New("RESET_TOKEN_INVALID", "Password reset link is invalid or has expired", 400)
)

// RegisterInput captures a self-service registration.
type RegisterInput struct {
	Username         string
	Email            string
	Password         string
	Role             models.Role
	Mode             string // create | join
	OrganizationName string // mode=create
	JoinCode         string // mode=join
}

// LoginResult is the outcome of a credential check. Leads get an OTP
// challenge instead of a token.
type LoginResult struct {
	RequireOTP bool         `json:"require_otp"`
	TempID     string       `json:"temp_id,omitempty"`
	Token      string       `json:"token,omitempty"`
	User       *models.User `json:"user,omitempty"`
}

// RegisterResult reports the immediate outcome of a registration: Leads get an
// OTP challenge to redeem before anything else, Associates an account awaiting
// membership approval.
type RegisterResult struct {
	User       *models.User `json:"user"`
	RequireOTP bool         `json:"require_otp"`
	TempID     string       `json:"temp_id,omitempty"`
}

// CreateMemberInput captures a Lead manually adding a member to their
// organization.
type CreateMemberInput struct {
	Username string
	Email    string
	Password string
	Role     models.Role
}

// AuthService owns accounts and sessions: registration, the login and OTP
// flows, password recovery, and org-scoped user administration.
type AuthService struct {
	db            *gorm.DB
	tokens        *auth.TokenService
	otp           *auth.OTPService
	organizations *OrganizationService
	memberships   *MembershipService
	notifications *NotificationService
	mailer        mail.Mailer
	from          string
	baseURL       string
	resetTTL      time.Duration
	now           func() time.Time
}

// AuthServiceConfig wires the auth service's collaborators.
type AuthServiceConfig struct {
	DB            *gorm.DB
	Tokens        *auth.TokenService
	OTP           *auth.OTPService
	Organizations *OrganizationService
	Memberships   *MembershipService
	Notifications *NotificationService
	Mailer        mail.Mailer
	From          string
	BaseURL       string
	ResetTTL      time.Duration
	Clock         func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(cfg AuthServiceConfig) (*AuthService, error) {
	if cfg.DB == nil {
		return nil, errors.New("auth service: db is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("auth service: token service is required")
	}
	if cfg.OTP == nil {
		return nil, errors.New("auth service: otp service is required")
	}
	if cfg.Organizations == nil || cfg.Memberships == nil {
		return nil, errors.New("auth service: organization and membership services are required")
	}
	mailer := cfg.Mailer
	if mailer == nil {
		mailer = mail.NewNoopMailer()
	}
	resetTTL := cfg.ResetTTL
	if resetTTL <= 0 {
		resetTTL = 10 * time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AuthService{
		db:            cfg.DB,
		tokens:        cfg.Tokens,
		otp:           cfg.OTP,
		organizations: cfg.Organizations,
		memberships:   cfg.Memberships,
		notifications: cfg.Notifications,
		mailer:        mailer,
		from:          cfg.From,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		resetTTL:      resetTTL,
		now:           clock,
	}, nil
}

// NeedsSetup reports whether no account exists yet.
func (s *AuthService) NeedsSetup(ctx context.Context) (bool, error) {
	ctx = ensureContext(ctx)

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("auth service: count users: %w", err)
	}
	return count == 0, nil
}

// Setup creates the very first account. It is always a Lead, immediately
// active, with a freshly created organization.
func (s *AuthService) Setup(ctx context.Context, username, email, password, orgName string) (*models.User, string, error) {
	ctx = ensureContext(ctx)

	needed, err := s.NeedsSetup(ctx)
	if err != nil {
		return nil, "", err
	}
	if !needed {
		return nil, "", ErrSetupComplete
	}

	user, err := s.createUser(ctx, username, email, password, models.RoleLead, models.UserStatusActive)
	if err != nil {
		return nil, "", err
	}

	org, err := s.organizations.Create(ctx, orgName, user.ID)
	if err != nil {
		return nil, "", err
	}
	if err := s.attach(ctx, user, org.ID); err != nil {
		return nil, "", err
	}

	token, err := s.tokens.IssueSessionToken(user.ID, user.TokenVersion)
	if err != nil {
		return nil, "", fmt.Errorf("auth service: issue token: %w", err)
	}
	return user, token, nil
}

// Register handles self-service sign-up. In create mode the user row is
// written first and the organization after, owned by the real user id. Leads
// in either mode start in PendingOTP and must confirm the emailed code before
// the account proceeds; the registration itself survives a delivery failure
// with only the code rolled back.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*RegisterResult, error) {
	ctx = ensureContext(ctx)

	if !input.Role.Valid() {
		return nil, apperrors.NewBadRequest("invalid role")
	}

	switch input.Mode {
	case RegisterModeCreate:
		return s.registerCreate(ctx, input)
	case RegisterModeJoin:
		return s.registerJoin(ctx, input)
	default:
		return nil, apperrors.NewBadRequest("mode must be create or join")
	}
}

func (s *AuthService) registerCreate(ctx context.Context, input RegisterInput) (*RegisterResult, error) {
	if input.Role != models.RoleLead {
		return nil, apperrors.NewBadRequest("only a Lead can create an organization")
	}
	if strings.TrimSpace(input.OrganizationName) == "" {
		return nil, apperrors.NewBadRequest("organization name is required")
	}

	user, err := s.createUser(ctx, input.Username, input.Email, input.Password, models.RoleLead, models.UserStatusPendingOTP)
	if err != nil {
		return nil, err
	}

	org, err := s.organizations.Create(ctx, input.OrganizationName, user.ID)
	if err != nil {
		s.discardUser(ctx, user.ID)
		return nil, err
	}
	if err := s.attach(ctx, user, org.ID); err != nil {
		return nil, err
	}

	if err := s.sendAccountOTP(ctx, user); err != nil {
		return nil, err
	}
	return &RegisterResult{User: user, RequireOTP: true, TempID: user.ID}, nil
}

func (s *AuthService) registerJoin(ctx context.Context, input RegisterInput) (*RegisterResult, error) {
	org, err := s.organizations.FindByCode(ctx, input.JoinCode)
	if err != nil {
		return nil, err
	}

	status := models.UserStatusPending
	if input.Role == models.RoleLead {
		status = models.UserStatusPendingOTP
	}

	user, err := s.createUser(ctx, input.Username, input.Email, input.Password, input.Role, status)
	if err != nil {
		return nil, err
	}

	if _, err := s.memberships.RequestJoin(ctx, user, org, input.Role); err != nil {
		s.discardUser(ctx, user.ID)
		return nil, err
	}

	// Leads confirm their email before the join request is actionable.
	if input.Role == models.RoleLead {
		if err := s.sendAccountOTP(ctx, user); err != nil {
			return nil, err
		}
		return &RegisterResult{User: user, RequireOTP: true, TempID: user.ID}, nil
	}
	return &RegisterResult{User: user}, nil
}

// Login verifies credentials. Pending accounts are refused, Leads receive an
// OTP challenge, Associates get a session token plus an alert email carrying
// a remote sign-out link.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	ctx = ensureContext(ctx)

	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || !crypto.VerifyPassword(user.PasswordHash, password) {
		return nil, apperrors.ErrInvalidCredentials
	}
	if user.Status == models.UserStatusPending {
		return nil, apperrors.ErrAccountPending
	}

	if user.Role == models.RoleLead {
		if err := s.sendLoginOTP(ctx, user); err != nil {
			return nil, err
		}
		return &LoginResult{RequireOTP: true, TempID: user.ID}, nil
	}

	token, err := s.tokens.IssueSessionToken(user.ID, user.TokenVersion)
	if err != nil {
		return nil, fmt.Errorf("auth service: issue token: %w", err)
	}

	s.sendLoginAlert(ctx, user, token)

	return &LoginResult{Token: token, User: user}, nil
}

// VerifyOTP consumes the login or registration code. Attached PendingOTP
// accounts (organization creators) become Active and get a session; detached
// ones confirmed their email for a join request and drop to Pending until a
// Lead approves them, so no session is opened.
func (s *AuthService) VerifyOTP(ctx context.Context, userID, code string) (*LoginResult, error) {
	ctx = ensureContext(ctx)

	if err := s.otp.Verify(ctx, userID, code); err != nil {
		if errors.Is(err, auth.ErrOTPMismatch) {
			return nil, apperrors.ErrOTPInvalid.WithInternal(err)
		}
		return nil, err
	}

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if user.Status == models.UserStatusPendingOTP {
		next := models.UserStatusActive
		if !user.Attached() {
			next = models.UserStatusPending
		}
		err := s.db.WithContext(ctx).Model(&models.User{}).
			Where("id = ?", user.ID).
			Update("status", next).Error
		if err != nil {
			return nil, fmt.Errorf("auth service: activate user: %w", err)
		}
		user.Status = next
	}

	if user.Status != models.UserStatusActive {
		return &LoginResult{User: user}, nil
	}

	token, err := s.tokens.IssueSessionToken(user.ID, user.TokenVersion)
	if err != nil {
		return nil, fmt.Errorf("auth service: issue token: %w", err)
	}
	return &LoginResult{Token: token, User: user}, nil
}

// ForgotPassword issues a single-use reset token valid for a short window
// and emails the reset link. Only the sha256 hash is stored; delivery
// failure clears it again. Unknown emails return success to avoid
// disclosing which addresses exist.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	ctx = ensureContext(ctx)

	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}

	token, err := crypto.GenerateToken(resetTokenBytes)
	if err != nil {
		return fmt.Errorf("auth service: generate reset token: %w", err)
	}
	hash := crypto.HashToken(token)
	expires := s.now().UTC().Add(s.resetTTL)

	err = s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]any{
		"reset_token_hash": hash,
		"reset_expires":    expires,
	}).Error
	if err != nil {
		return fmt.Errorf("auth service: store reset token: %w", err)
	}

	resetURL := fmt.Sprintf("%s/reset-password/%s", s.baseURL, token)
	err = s.mailer.Send(ctx, mail.PasswordReset(s.from, user.Email, resetURL, s.resetTTL))
	if err != nil {
		s.clearResetToken(ctx, user.ID)
		return apperrors.ErrEmailDelivery.WithInternal(err)
	}
	return nil
}

// ResetPassword redeems a reset token, sets the new password, and bumps
// token_version so every existing session dies.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	ctx = ensureContext(ctx)

	hash := crypto.HashToken(token)

	var user models.User
	err := s.db.WithContext(ctx).First(&user, "reset_token_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrResetTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("auth service: lookup reset token: %w", err)
	}
	if user.ResetExpires == nil || s.now().UTC().After(*user.ResetExpires) {
		return ErrResetTokenInvalid
	}

	passwordHash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("auth service: hash password: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]any{
		"password_hash":    passwordHash,
		"reset_token_hash": nil,
		"reset_expires":    nil,
		"token_version":    gorm.Expr("token_version + 1"),
	}).Error
	if err != nil {
		return fmt.Errorf("auth service: reset password: %w", err)
	}
	return nil
}

// RemoteSignout kills every session for the account referenced by the
// emailed sign-out link. The embedded token must be a valid session token
// for that exact account.
func (s *AuthService) RemoteSignout(ctx context.Context, userID, token string) error {
	ctx = ensureContext(ctx)

	claims, err := s.tokens.ValidateSessionToken(token)
	if err != nil || claims.UserID != userID {
		return apperrors.ErrUnauthorized
	}

	err = s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("token_version", gorm.Expr("token_version + 1")).Error
	if err != nil {
		return fmt.Errorf("auth service: remote signout: %w", err)
	}
	return nil
}

// GetUser loads an account by id.
func (s *AuthService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth service: load user: %w", err)
	}
	return &user, nil
}

// ListUsers returns the actor's organization roster.
func (s *AuthService) ListUsers(ctx context.Context, actor *models.User) ([]models.User, error) {
	ctx = ensureContext(ctx)

	if !actor.Attached() {
		return nil, apperrors.ErrForbidden
	}

	var users []models.User
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", *actor.OrganizationID).
		Order("created_at ASC").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("auth service: list users: %w", err)
	}
	return users, nil
}

// CreateMember lets a Lead add a member to their organization directly,
// skipping the join-request flow. The account is active immediately.
func (s *AuthService) CreateMember(ctx context.Context, actor *models.User, input CreateMemberInput) (*models.User, error) {
	ctx = ensureContext(ctx)

	if !actor.Attached() {
		return nil, apperrors.ErrForbidden
	}
	if !input.Role.Valid() {
		return nil, apperrors.NewBadRequest("invalid role")
	}

	user, err := s.createUser(ctx, input.Username, input.Email, input.Password, input.Role, models.UserStatusActive)
	if err != nil {
		return nil, err
	}
	if err := s.attach(ctx, user, *actor.OrganizationID); err != nil {
		return nil, err
	}
	return user, nil
}

// DeleteUser removes an Associate from the actor's organization along with
// every task assigned to them. Leads cannot be deleted this way.
func (s *AuthService) DeleteUser(ctx context.Context, actor *models.User, userID string, tasks *TaskService) error {
	ctx = ensureContext(ctx)

	if !actor.Attached() {
		return apperrors.ErrForbidden
	}

	target, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if target.OrganizationID == nil || *target.OrganizationID != *actor.OrganizationID {
		return apperrors.ErrForbidden
	}
	if target.Role == models.RoleLead {
		return apperrors.NewBadRequest("Leads cannot be removed; they must exit the organization")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tasks.DeleteAllForAssignee(tx, target.ID); err != nil {
			return err
		}
		if err := tx.Delete(&models.User{}, "id = ?", target.ID).Error; err != nil {
			return fmt.Errorf("auth service: delete user: %w", err)
		}
		return nil
	})
}

func (s *AuthService) createUser(ctx context.Context, username, email, password string, role models.Role, status models.UserStatus) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || email == "" {
		return nil, apperrors.NewBadRequest("username and email are required")
	}

	passwordHash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("auth service: hash password: %w", err)
	}

	user := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Status:       status,
		IsActive:     true,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("auth service: create user: %w", err)
	}
	return user, nil
}

func (s *AuthService) attach(ctx context.Context, user *models.User, orgID string) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("organization_id", orgID).Error
	if err != nil {
		return fmt.Errorf("auth service: attach user: %w", err)
	}
	user.OrganizationID = &orgID
	return nil
}

// discardUser removes a half-registered account so the email can be reused.
func (s *AuthService) discardUser(ctx context.Context, userID string) {
	if err := s.db.WithContext(ctx).Delete(&models.User{}, "id = ?", userID).Error; err != nil {
		logger.WithModule("auth").Warn("failed to discard user after registration failure",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (s *AuthService) findByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth service: find by email: %w", err)
	}
	return &user, nil
}

func (s *AuthService) sendAccountOTP(ctx context.Context, user *models.User) error {
	code, err := s.otp.Issue(ctx, user.ID)
	if err != nil {
		return err
	}
	err = s.mailer.Send(ctx, mail.AccountVerification(s.from, user.Email, code))
	if err != nil {
		if clearErr := s.otp.Clear(ctx, user.ID); clearErr != nil {
			logger.WithModule("auth").Warn("failed to clear otp after delivery failure",
				zap.String("user_id", user.ID),
				zap.Error(clearErr),
			)
		}
		return apperrors.ErrEmailDelivery.WithInternal(err)
	}
	return nil
}

func (s *AuthService) sendLoginOTP(ctx context.Context, user *models.User) error {
	code, err := s.otp.Issue(ctx, user.ID)
	if err != nil {
		return err
	}
	err = s.mailer.Send(ctx, mail.SignInCode(s.from, user.Email, code))
	if err != nil {
		if clearErr := s.otp.Clear(ctx, user.ID); clearErr != nil {
			logger.WithModule("auth").Warn("failed to clear otp after delivery failure",
				zap.String("user_id", user.ID),
				zap.Error(clearErr),
			)
		}
		return apperrors.ErrEmailDelivery.WithInternal(err)
	}
	return nil
}

// sendLoginAlert emails a new-sign-in notice with a remote sign-out link.
// Best effort, off the request path.
func (s *AuthService) sendLoginAlert(ctx context.Context, user *models.User, token string) {
	link := fmt.Sprintf("%s/api/auth/remote-signout/%s/%s", s.baseURL, user.ID, token)
	msg := mail.SignInAlert(s.from, user.Email, s.now().UTC(), link)
	go func() {
		if err := s.mailer.Send(context.Background(), msg); err != nil {
			logger.WithModule("auth").Warn("login alert delivery failed",
				zap.String("user_id", user.ID),
				zap.Error(err),
			)
		}
	}()
}

func (s *AuthService) clearResetToken(ctx context.Context, userID string) {
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
		"reset_token_hash": nil,
		"reset_expires":    nil,
	}).Error
	if err != nil {
		logger.WithModule("auth").Warn("failed to clear reset token",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
