package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	iauth "github.com/conservehq/conserve/internal/auth"
	"github.com/conservehq/conserve/internal/models"
	apperrors "github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/mail"
)

type failingMailer struct{}

func (failingMailer) Send(context.Context, mail.Message) error {
	return errors.New("smtp unreachable")
}

func newExitFixture(t *testing.T, env *testEnv, mailer mail.Mailer) (*ExitService, *iauth.OTPService) {
	t.Helper()

	otp, err := iauth.NewOTPService(env.db)
	require.NoError(t, err)

	exits, err := NewExitService(env.db, otp, mailer, "noreply@example.com", env.tasks, env.organizations, env.notifications)
	require.NoError(t, err)
	return exits, otp
}

func (e *testEnv) issueExitCode(t *testing.T, otp *iauth.OTPService, userID string) string {
	t.Helper()

	code, err := otp.Issue(context.Background(), userID)
	require.NoError(t, err)
	return code
}

func TestExitOTPDeliveryFailureRollsBackCode(t *testing.T) {
	env := newTestEnv(t)
	org, _ := env.seedOrg(t, "Acme")
	member := env.seedUser(t, models.RoleAssociate, &org.ID)

	exits, _ := newExitFixture(t, env, failingMailer{})

	err := exits.RequestExitOTP(context.Background(), member)
	require.ErrorIs(t, err, apperrors.ErrEmailDelivery)

	reloaded := env.reloadUser(t, member.ID)
	require.Nil(t, reloaded.OTP)
	require.Nil(t, reloaded.OTPExpires)
}

func TestExitRequiresValidOTP(t *testing.T) {
	env := newTestEnv(t)
	org, _ := env.seedOrg(t, "Acme")
	member := env.seedUser(t, models.RoleAssociate, &org.ID)

	exits, otp := newExitFixture(t, env, mail.NewNoopMailer())
	env.issueExitCode(t, otp, member.ID)

	_, err := exits.VerifyExit(context.Background(), member, "000000")
	require.ErrorIs(t, err, iauth.ErrOTPMismatch)

	reloaded := env.reloadUser(t, member.ID)
	require.NotNil(t, reloaded.OrganizationID)
}

func TestAssociateCleanExitDeletesTaskHistory(t *testing.T) {
	env := newTestEnv(t)
	org, owner := env.seedOrg(t, "Acme")
	member := env.seedUser(t, models.RoleAssociate, &org.ID)

	// Only terminal tasks: nothing blocks the exit.
	env.seedTask(t, org.ID, owner.ID, &member.ID, models.TaskStatusCompleted)
	env.seedTask(t, org.ID, owner.ID, &member.ID, models.TaskStatusRejected)

	exits, otp := newExitFixture(t, env, mail.NewNoopMailer())
	code := env.issueExitCode(t, otp, member.ID)

	result, err := exits.VerifyExit(context.Background(), member, code)
	require.NoError(t, err)
	require.Equal(t, ExitStatusExited, result.Status)

	reloaded := env.reloadUser(t, member.ID)
	require.Nil(t, reloaded.OrganizationID)

	var remaining int64
	require.NoError(t, env.db.Model(&models.Task{}).
		Where("assigned_to_id = ?", member.ID).
		Count(&remaining).Error)
	require.Zero(t, remaining)
}

func TestAssociateExitBlockedByActiveTasks(t *testing.T) {
	env := newTestEnv(t)
	org, owner := env.seedOrg(t, "Acme")
	member := env.seedUser(t, models.RoleAssociate, &org.ID)

	env.seedTask(t, org.ID, owner.ID, &member.ID, models.TaskStatusInProgress)
	env.seedTask(t, org.ID, owner.ID, &member.ID, models.TaskStatusUnderReview)

	exits, otp := newExitFixture(t, env, mail.NewNoopMailer())
	code := env.issueExitCode(t, otp, member.ID)

	result, err := exits.VerifyExit(context.Background(), member, code)
	require.NoError(t, err)
	require.Equal(t, ExitStatusPending, result.Status)
	require.EqualValues(t, 2, result.ActiveTasks)

	// Still attached, with one pending exit request on the ledger.
	reloaded := env.reloadUser(t, member.ID)
	require.NotNil(t, reloaded.OrganizationID)

	requests, err := env.memberships.ListExitRequests(context.Background(), org.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)

	// Tasks are untouched while approval is outstanding.
	count, err := env.tasks.CountActive(context.Background(), member.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestBlockedExitReusesPendingRequest(t *testing.T) {
	env := newTestEnv(t)
	org, owner := env.seedOrg(t, "Acme")
	member := env.seedUser(t, models.RoleAssociate, &org.ID)
	env.seedTask(t, org.ID, owner.ID, &member.ID, models.TaskStatusInProgress)

	exits, otp := newExitFixture(t, env, mail.NewNoopMailer())

	for i := 0; i < 2; i++ {
		code := env.issueExitCode(t, otp, member.ID)
		result, err := exits.VerifyExit(context.Background(), member, code)
		require.NoError(t, err)
		require.Equal(t, ExitStatusPending, result.Status)
	}

	requests, err := env.memberships.ListExitRequests(context.Background(), org.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
}

func TestNonOwnerLeadLeavesFreely(t *testing.T) {
	env := newTestEnv(t)
	org, _ := env.seedOrg(t, "Acme")
	colleague := env.seedUser(t, models.RoleLead, &org.ID)

	exits, otp := newExitFixture(t, env, mail.NewNoopMailer())
	code := env.issueExitCode(t, otp, colleague.ID)

	result, err := exits.VerifyExit(context.Background(), colleague, code)
	require.NoError(t, err)
	require.Equal(t, ExitStatusExited, result.Status)

	reloaded := env.reloadUser(t, colleague.ID)
	require.Nil(t, reloaded.OrganizationID)

	// The organization and its owner are untouched.
	stillThere, err := env.organizations.GetByID(context.Background(), org.ID)
	require.NoError(t, err)
	require.Equal(t, org.OwnerID, stillThere.OwnerID)
}

func TestOwnerExitTransfersToOldestLead(t *testing.T) {
	env := newTestEnv(t)
	org, owner := env.seedOrg(t, "Acme")

	older := env.seedUser(t, models.RoleLead, &org.ID)
	younger := env.seedUser(t, models.RoleLead, &org.ID)

	exits, otp := newExitFixture(t, env, mail.NewNoopMailer())
	code := env.issueExitCode(t, otp, owner.ID)

	result, err := exits.VerifyExit(context.Background(), owner, code)
	require.NoError(t, err)
	require.Equal(t, ExitStatusExited, result.Status)

	reloaded, err := env.organizations.GetByID(context.Background(), org.ID)
	require.NoError(t, err)
	require.Equal(t, older.ID, reloaded.OwnerID)
	require.NotEqual(t, younger.ID, reloaded.OwnerID)

	exOwner := env.reloadUser(t, owner.ID)
	require.Nil(t, exOwner.OrganizationID)
}

func TestLastLeadExitDissolvesOrganization(t *testing.T) {
	env := newTestEnv(t)
	org, owner := env.seedOrg(t, "Acme")
	member := env.seedUser(t, models.RoleAssociate, &org.ID)
	env.seedTask(t, org.ID, owner.ID, &member.ID, models.TaskStatusInProgress)

	exits, otp := newExitFixture(t, env, mail.NewNoopMailer())
	code := env.issueExitCode(t, otp, owner.ID)

	result, err := exits.VerifyExit(context.Background(), owner, code)
	require.NoError(t, err)
	require.Equal(t, ExitStatusExited, result.Status)

	_, err = env.organizations.GetByID(context.Background(), org.ID)
	require.ErrorIs(t, err, ErrOrganizationNotFound)

	// Every member is detached and every org task is gone.
	for _, id := range []string{owner.ID, member.ID} {
		require.Nil(t, env.reloadUser(t, id).OrganizationID)
	}
	var remaining int64
	require.NoError(t, env.db.Model(&models.Task{}).
		Where("organization_id = ?", org.ID).
		Count(&remaining).Error)
	require.Zero(t, remaining)
}

func TestExitCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	org, owner := env.seedOrg(t, "Acme")
	member := env.seedUser(t, models.RoleAssociate, &org.ID)
	env.seedTask(t, org.ID, owner.ID, &member.ID, models.TaskStatusInProgress)

	exits, otp := newExitFixture(t, env, mail.NewNoopMailer())
	code := env.issueExitCode(t, otp, member.ID)

	_, err := exits.VerifyExit(context.Background(), member, code)
	require.NoError(t, err)

	// Replaying the consumed code fails.
	_, err = exits.VerifyExit(context.Background(), member, code)
	require.ErrorIs(t, err, iauth.ErrOTPMismatch)
}
