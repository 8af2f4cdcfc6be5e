package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	iauth "github.com/conservehq/conserve/internal/auth"
	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/pkg/crypto"
	apperrors "github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/mail"
)

func newAuthFixture(t *testing.T, env *testEnv, mailer mail.Mailer) (*AuthService, *iauth.TokenService, *iauth.OTPService) {
	t.Helper()

	tokens, err := iauth.NewTokenService(iauth.TokenConfig{Secret: "test-secret", Issuer: "conserve-test"})
	require.NoError(t, err)
	otp, err := iauth.NewOTPService(env.db)
	require.NoError(t, err)

	svc, err := NewAuthService(AuthServiceConfig{
		DB:            env.db,
		Tokens:        tokens,
		OTP:           otp,
		Organizations: env.organizations,
		Memberships:   env.memberships,
		Notifications: env.notifications,
		Mailer:        mailer,
		From:          "noreply@example.com",
		BaseURL:       "http://localhost:8000",
	})
	require.NoError(t, err)
	return svc, tokens, otp
}

func TestSetupCreatesFirstLead(t *testing.T) {
	env := newTestEnv(t)
	svc, tokens, _ := newAuthFixture(t, env, mail.NewNoopMailer())

	needed, err := svc.NeedsSetup(context.Background())
	require.NoError(t, err)
	require.True(t, needed)

	user, token, err := svc.Setup(context.Background(), "founder", "founder@example.com", "hunter2hunter2", "Acme")
	require.NoError(t, err)
	require.Equal(t, models.RoleLead, user.Role)
	require.Equal(t, models.UserStatusActive, user.Status)
	require.True(t, user.Attached())

	claims, err := tokens.ValidateSessionToken(token)
	require.NoError(t, err)
	require.Equal(t, user.ID, claims.UserID)

	_, _, err = svc.Setup(context.Background(), "again", "again@example.com", "hunter2hunter2", "Globex")
	require.ErrorIs(t, err, ErrSetupComplete)
}

func TestRegisterCreateOwnsOrganization(t *testing.T) {
	env := newTestEnv(t)
	svc, _, _ := newAuthFixture(t, env, mail.NewNoopMailer())

	result, err := svc.Register(context.Background(), RegisterInput{
		Username:         "founder",
		Email:            "founder@example.com",
		Password:         "hunter2hunter2",
		Role:             models.RoleLead,
		Mode:             RegisterModeCreate,
		OrganizationName: "Acme",
	})
	require.NoError(t, err)
	user := result.User
	require.Equal(t, models.UserStatusPendingOTP, user.Status)
	require.True(t, user.Attached())
	require.True(t, result.RequireOTP)
	require.Equal(t, user.ID, result.TempID)

	org, err := svc.organizations.FindByOwner(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, org)
	require.Equal(t, "Acme", org.Name)

	// An OTP is parked on the account awaiting verification.
	reloaded := env.reloadUser(t, user.ID)
	require.NotNil(t, reloaded.OTP)
}

func TestRegisterCreateEmailFailureClearsCode(t *testing.T) {
	env := newTestEnv(t)
	svc, _, _ := newAuthFixture(t, env, failingMailer{})

	_, err := svc.Register(context.Background(), RegisterInput{
		Username:         "founder",
		Email:            "founder@example.com",
		Password:         "hunter2hunter2",
		Role:             models.RoleLead,
		Mode:             RegisterModeCreate,
		OrganizationName: "Acme",
	})
	require.ErrorIs(t, err, apperrors.ErrEmailDelivery)

	// The account and organization survive; only the code is rolled back so
	// the user can retry cleanly.
	var user models.User
	require.NoError(t, env.db.Where("email = ?", "founder@example.com").First(&user).Error)
	require.Equal(t, models.UserStatusPendingOTP, user.Status)
	require.Nil(t, user.OTP)
	require.Nil(t, user.OTPExpires)

	org, err := svc.organizations.FindByOwner(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, org)
}

func TestRegisterJoinFilesRequest(t *testing.T) {
	env := newTestEnv(t)
	org, _ := env.seedOrg(t, "Acme")
	svc, _, _ := newAuthFixture(t, env, mail.NewNoopMailer())

	result, err := svc.Register(context.Background(), RegisterInput{
		Username: "newhire",
		Email:    "newhire@example.com",
		Password: "hunter2hunter2",
		Role:     models.RoleAssociate,
		Mode:     RegisterModeJoin,
		JoinCode: org.Code,
	})
	require.NoError(t, err)
	user := result.User
	require.Equal(t, models.UserStatusPending, user.Status)
	require.False(t, user.Attached())
	require.False(t, result.RequireOTP)

	requests, err := env.memberships.ListJoinRequests(context.Background(), org.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, user.ID, requests[0].UserID)
}

func TestRegisterJoinLeadGetsOTPChallenge(t *testing.T) {
	env := newTestEnv(t)
	org, _ := env.seedOrg(t, "Acme")
	svc, _, _ := newAuthFixture(t, env, mail.NewNoopMailer())

	result, err := svc.Register(context.Background(), RegisterInput{
		Username: "secondlead",
		Email:    "secondlead@example.com",
		Password: "hunter2hunter2",
		Role:     models.RoleLead,
		Mode:     RegisterModeJoin,
		JoinCode: org.Code,
	})
	require.NoError(t, err)
	require.True(t, result.RequireOTP)
	require.Equal(t, result.User.ID, result.TempID)
	require.Equal(t, models.UserStatusPendingOTP, result.User.Status)

	// Code parked, join request filed.
	reloaded := env.reloadUser(t, result.User.ID)
	require.NotNil(t, reloaded.OTP)
	requests, err := env.memberships.ListJoinRequests(context.Background(), org.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)

	// Redeeming the code confirms the email but opens no session: the
	// account waits on membership approval.
	verified, err := svc.VerifyOTP(context.Background(), result.User.ID, *reloaded.OTP)
	require.NoError(t, err)
	require.Empty(t, verified.Token)
	require.Equal(t, models.UserStatusPending, verified.User.Status)

	_, err = svc.Login(context.Background(), "secondlead@example.com", "hunter2hunter2")
	require.ErrorIs(t, err, apperrors.ErrAccountPending)
}

func TestRegisterJoinRejectsUnknownCode(t *testing.T) {
	env := newTestEnv(t)
	svc, _, _ := newAuthFixture(t, env, mail.NewNoopMailer())

	_, err := svc.Register(context.Background(), RegisterInput{
		Username: "newhire",
		Email:    "newhire@example.com",
		Password: "hunter2hunter2",
		Role:     models.RoleAssociate,
		Mode:     RegisterModeJoin,
		JoinCode: "NOPELOSTCODE0000",
	})
	require.ErrorIs(t, err, ErrInvalidJoinCode)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	org, _ := env.seedOrg(t, "Acme")
	svc, _, _ := newAuthFixture(t, env, mail.NewNoopMailer())

	input := RegisterInput{
		Username: "newhire",
		Email:    "newhire@example.com",
		Password: "hunter2hunter2",
		Role:     models.RoleAssociate,
		Mode:     RegisterModeJoin,
		JoinCode: org.Code,
	}
	_, err := svc.Register(context.Background(), input)
	require.NoError(t, err)

	input.Username = "other"
	_, err = svc.Register(context.Background(), input)
	require.ErrorIs(t, err, ErrEmailTaken)
}

func seedCredentialedUser(t *testing.T, env *testEnv, role models.Role, status models.UserStatus, orgID *string) *models.User {
	t.Helper()

	hash, err := crypto.HashPassword("hunter2hunter2")
	require.NoError(t, err)

	user := env.seedUser(t, role, orgID)
	require.NoError(t, env.db.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]any{
		"password_hash": hash,
		"status":        status,
	}).Error)
	return env.reloadUser(t, user.ID)
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	svc, _, _ := newAuthFixture(t, env, mail.NewNoopMailer())
	user := seedCredentialedUser(t, env, models.RoleAssociate, models.UserStatusActive, nil)

	_, err := svc.Login(context.Background(), user.Email, "wrong-password")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), "nobody@example.com", "hunter2hunter2")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestLoginPendingAccountRefused(t *testing.T) {
	env := newTestEnv(t)
	svc, _, _ := newAuthFixture(t, env, mail.NewNoopMailer())
	user := seedCredentialedUser(t, env, models.RoleAssociate, models.UserStatusPending, nil)

	_, err := svc.Login(context.Background(), user.Email, "hunter2hunter2")
	require.ErrorIs(t, err, apperrors.ErrAccountPending)
}

func TestLoginLeadGetsOTPChallenge(t *testing.T) {
	env := newTestEnv(t)
	org, _ := env.seedOrg(t, "Acme")
	svc, tokens, _ := newAuthFixture(t, env, mail.NewNoopMailer())
	lead := seedCredentialedUser(t, env, models.RoleLead, models.UserStatusActive, &org.ID)

	result, err := svc.Login(context.Background(), lead.Email, "hunter2hunter2")
	require.NoError(t, err)
	require.True(t, result.RequireOTP)
	require.Equal(t, lead.ID, result.TempID)
	require.Empty(t, result.Token)

	// The stored code completes the challenge and opens a session.
	reloaded := env.reloadUser(t, lead.ID)
	require.NotNil(t, reloaded.OTP)

	session, err := svc.VerifyOTP(context.Background(), lead.ID, *reloaded.OTP)
	require.NoError(t, err)
	require.NotEmpty(t, session.Token)

	claims, err := tokens.ValidateSessionToken(session.Token)
	require.NoError(t, err)
	require.Equal(t, lead.ID, claims.UserID)
}

func TestLoginAssociateGetsTokenDirectly(t *testing.T) {
	env := newTestEnv(t)
	org, _ := env.seedOrg(t, "Acme")
	svc, tokens, _ := newAuthFixture(t, env, mail.NewNoopMailer())
	member := seedCredentialedUser(t, env, models.RoleAssociate, models.UserStatusActive, &org.ID)

	result, err := svc.Login(context.Background(), member.Email, "hunter2hunter2")
	require.NoError(t, err)
	require.False(t, result.RequireOTP)
	require.NotEmpty(t, result.Token)

	claims, err := tokens.ValidateSessionToken(result.Token)
	require.NoError(t, err)
	require.Equal(t, member.ID, claims.UserID)
	require.Equal(t, member.TokenVersion, claims.TokenVersion)
}

func TestVerifyOTPActivatesPendingOTPAccount(t *testing.T) {
	env := newTestEnv(t)
	org, _ := env.seedOrg(t, "Acme")
	svc, _, otp := newAuthFixture(t, env, mail.NewNoopMailer())
	lead := seedCredentialedUser(t, env, models.RoleLead, models.UserStatusPendingOTP, &org.ID)

	code, err := otp.Issue(context.Background(), lead.ID)
	require.NoError(t, err)

	result, err := svc.VerifyOTP(context.Background(), lead.ID, code)
	require.NoError(t, err)
	require.Equal(t, models.UserStatusActive, result.User.Status)
	require.NotEmpty(t, result.Token)
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)

	var captured mail.Message
	svc, _, _ := newAuthFixture(t, env, captureMailer{&captured})
	user := seedCredentialedUser(t, env, models.RoleAssociate, models.UserStatusActive, nil)

	require.NoError(t, svc.ForgotPassword(context.Background(), user.Email))

	reloaded := env.reloadUser(t, user.ID)
	require.NotNil(t, reloaded.ResetTokenHash)
	require.NotNil(t, reloaded.ResetExpires)
	require.Contains(t, captured.Body, "/reset-password/")

	token := extractResetToken(t, captured.Body)
	versionBefore := reloaded.TokenVersion

	require.NoError(t, svc.ResetPassword(context.Background(), token, "a-brand-new-pass"))

	reloaded = env.reloadUser(t, user.ID)
	require.Nil(t, reloaded.ResetTokenHash)
	require.Equal(t, versionBefore+1, reloaded.TokenVersion)

	// Old password is dead, the new one works.
	_, err := svc.Login(context.Background(), user.Email, "hunter2hunter2")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	_, err = svc.Login(context.Background(), user.Email, "a-brand-new-pass")
	require.NoError(t, err)

	// The token is single-use.
	require.ErrorIs(t, svc.ResetPassword(context.Background(), token, "another-new-pass"), ErrResetTokenInvalid)
}

func TestForgotPasswordUnknownEmailIsSilent(t *testing.T) {
	env := newTestEnv(t)
	svc, _, _ := newAuthFixture(t, env, mail.NewNoopMailer())

	require.NoError(t, svc.ForgotPassword(context.Background(), "nobody@example.com"))
}

func TestForgotPasswordDeliveryFailureClearsToken(t *testing.T) {
	env := newTestEnv(t)
	svc, _, _ := newAuthFixture(t, env, failingMailer{})
	user := seedCredentialedUser(t, env, models.RoleAssociate, models.UserStatusActive, nil)

	err := svc.ForgotPassword(context.Background(), user.Email)
	require.ErrorIs(t, err, apperrors.ErrEmailDelivery)

	reloaded := env.reloadUser(t, user.ID)
	require.Nil(t, reloaded.ResetTokenHash)
}

func TestRemoteSignoutBumpsTokenVersion(t *testing.T) {
	env := newTestEnv(t)
	svc, tokens, _ := newAuthFixture(t, env, mail.NewNoopMailer())
	user := seedCredentialedUser(t, env, models.RoleAssociate, models.UserStatusActive, nil)

	token, err := tokens.IssueSessionToken(user.ID, user.TokenVersion)
	require.NoError(t, err)

	require.NoError(t, svc.RemoteSignout(context.Background(), user.ID, token))

	reloaded := env.reloadUser(t, user.ID)
	require.Equal(t, user.TokenVersion+1, reloaded.TokenVersion)

	// A token for a different account cannot sign this one out.
	other := seedCredentialedUser(t, env, models.RoleAssociate, models.UserStatusActive, nil)
	otherToken, err := tokens.IssueSessionToken(other.ID, other.TokenVersion)
	require.NoError(t, err)
	require.ErrorIs(t, svc.RemoteSignout(context.Background(), user.ID, otherToken), apperrors.ErrUnauthorized)
}

func TestDeleteUserRules(t *testing.T) {
	env := newTestEnv(t)
	org, owner := env.seedOrg(t, "Acme")
	svc, _, _ := newAuthFixture(t, env, mail.NewNoopMailer())

	member := env.seedUser(t, models.RoleAssociate, &org.ID)
	colleague := env.seedUser(t, models.RoleLead, &org.ID)
	outsider := env.seedUser(t, models.RoleAssociate, nil)

	env.seedTask(t, org.ID, owner.ID, &member.ID, models.TaskStatusInProgress)

	// Leads are not deletable.
	require.Error(t, svc.DeleteUser(context.Background(), owner, colleague.ID, env.tasks))
	// Members of other organizations are out of reach.
	require.ErrorIs(t, svc.DeleteUser(context.Background(), owner, outsider.ID, env.tasks), apperrors.ErrForbidden)

	require.NoError(t, svc.DeleteUser(context.Background(), owner, member.ID, env.tasks))

	var users int64
	require.NoError(t, env.db.Model(&models.User{}).Where("id = ?", member.ID).Count(&users).Error)
	require.Zero(t, users)

	var tasks int64
	require.NoError(t, env.db.Model(&models.Task{}).Where("assigned_to_id = ?", member.ID).Count(&tasks).Error)
	require.Zero(t, tasks)
}

type captureMailer struct {
	last *mail.Message
}

func (m captureMailer) Send(_ context.Context, msg mail.Message) error {
	*m.last = msg
	return nil
}

func extractResetToken(t *testing.T, body string) string {
	t.Helper()

	const marker = "/reset-password/"
	i := strings.Index(body, marker)
	require.GreaterOrEqual(t, i, 0, "reset link missing from mail body")

	token := body[i+len(marker):]
	if j := strings.IndexAny(token, " \n"); j >= 0 {
		token = token[:j]
	}
	return token
}
