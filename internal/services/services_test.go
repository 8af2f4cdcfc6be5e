package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/conservehq/conserve/internal/database/testutil"
	"github.com/conservehq/conserve/internal/models"
)

// testEnv bundles a fresh database with fully wired services.
type testEnv struct {
	db            *gorm.DB
	organizations *OrganizationService
	memberships   *MembershipService
	tasks         *TaskService
	notifications *NotificationService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.MustOpenTestDB(t)

	notifications, err := NewNotificationService(db, nil)
	require.NoError(t, err)
	organizations, err := NewOrganizationService(db)
	require.NoError(t, err)
	tasks, err := NewTaskService(db, notifications)
	require.NoError(t, err)
	memberships, err := NewMembershipService(db, tasks, notifications)
	require.NoError(t, err)

	return &testEnv{
		db:            db,
		organizations: organizations,
		memberships:   memberships,
		tasks:         tasks,
		notifications: notifications,
	}
}

var userSeq int

func (e *testEnv) seedUser(t *testing.T, role models.Role, orgID *string) *models.User {
	t.Helper()

	userSeq++
	user := &models.User{
		Username:       fmt.Sprintf("user-%d", userSeq),
		Email:          fmt.Sprintf("user-%d@example.com", userSeq),
		PasswordHash:   "x",
		Role:           role,
		Status:         models.UserStatusActive,
		OrganizationID: orgID,
	}
	require.NoError(t, e.db.Create(user).Error)
	return user
}

// seedOrg creates an organization with an attached owning Lead.
func (e *testEnv) seedOrg(t *testing.T, name string) (*models.Organization, *models.User) {
	t.Helper()

	owner := e.seedUser(t, models.RoleLead, nil)
	org, err := e.organizations.Create(context.Background(), name, owner.ID)
	require.NoError(t, err)

	require.NoError(t, e.db.Model(&models.User{}).
		Where("id = ?", owner.ID).
		Update("organization_id", org.ID).Error)
	owner.OrganizationID = &org.ID
	return org, owner
}

func (e *testEnv) seedTask(t *testing.T, orgID string, assignerID string, assigneeID *string, status models.TaskStatus) *models.Task {
	t.Helper()

	task := &models.Task{
		Title:          "seeded task",
		OrganizationID: orgID,
		AssignedByID:   assignerID,
		AssignedToID:   assigneeID,
		Status:         status,
	}
	require.NoError(t, e.db.Create(task).Error)
	return task
}

func (e *testEnv) reloadUser(t *testing.T, id string) *models.User {
	t.Helper()

	var user models.User
	require.NoError(t, e.db.First(&user, "id = ?", id).Error)
	return &user
}
