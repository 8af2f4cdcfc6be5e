package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/conservehq/conserve/internal/auth"
	"github.com/conservehq/conserve/internal/database/testutil"
	"github.com/conservehq/conserve/internal/models"
)

func newAuthTestRouter(t *testing.T) (*gin.Engine, *iauth.TokenService, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t)
	tokens, err := iauth.NewTokenService(iauth.TokenConfig{Secret: "test-secret", Issuer: "conserve-test"})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/protected", Auth(tokens, db), func(c *gin.Context) {
		user, ok := CurrentUser(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"id": user.ID})
	})
	return r, tokens, db
}

func seedAuthUser(t *testing.T, db *gorm.DB, tokenVersion int) *models.User {
	t.Helper()

	user := &models.User{
		Username:     "mw-user",
		Email:        "mw-user@example.com",
		PasswordHash: "x",
		Role:         models.RoleAssociate,
		Status:       models.UserStatusActive,
		TokenVersion: tokenVersion,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestAuthRejectsMissingToken(t *testing.T) {
	r, _, _ := newAuthTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	r, tokens, db := newAuthTestRouter(t)
	user := seedAuthUser(t, db, 0)

	token, err := tokens.IssueSessionToken(user.ID, 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthAcceptsSessionCookie(t *testing.T) {
	r, tokens, db := newAuthTestRouter(t)
	user := seedAuthUser(t, db, 0)

	token, err := tokens.IssueSessionToken(user.ID, 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRejectsStaleTokenVersion(t *testing.T) {
	r, tokens, db := newAuthTestRouter(t)
	user := seedAuthUser(t, db, 0)

	token, err := tokens.IssueSessionToken(user.ID, 0)
	require.NoError(t, err)

	// A global sign-out happened after the token was issued.
	require.NoError(t, db.Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("token_version", 1).Error)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsGarbageToken(t *testing.T) {
	r, _, _ := newAuthTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsDeletedUser(t *testing.T) {
	r, tokens, db := newAuthTestRouter(t)
	user := seedAuthUser(t, db, 0)

	token, err := tokens.IssueSessionToken(user.ID, 0)
	require.NoError(t, err)

	require.NoError(t, db.Delete(&models.User{}, "id = ?", user.ID).Error)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
