package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/middleware"
	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/internal/services"
	"github.com/conservehq/conserve/pkg/response"
)

// CookieSettings controls how the session cookie is written.
type CookieSettings struct {
	Secure bool
	MaxAge int
}

// AuthHandler exposes account, session, and exit flows.
type AuthHandler struct {
	auth   *services.AuthService
	exits  *services.ExitService
	tasks  *services.TaskService
	cookie CookieSettings
}

func NewAuthHandler(auth *services.AuthService, exits *services.ExitService, tasks *services.TaskService, cookie CookieSettings) *AuthHandler {
	if cookie.MaxAge <= 0 {
		cookie.MaxAge = int((30 * 24 * 60 * 60)) // match session token TTL
	}
	return &AuthHandler{auth: auth, exits: exits, tasks: tasks, cookie: cookie}
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookieName, token, h.cookie.MaxAge, "/", "", h.cookie.Secure, true)
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookieName, "", -1, "/", "", h.cookie.Secure, true)
}

// GET /api/auth/status
func (h *AuthHandler) Status(c *gin.Context) {
	needsSetup, err := h.auth.NeedsSetup(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"needs_setup": needsSetup})
}

type setupRequest struct {
	Username         string `json:"username" validate:"required,min=3,max=64"`
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required,min=8"`
	OrganizationName string `json:"organization_name" validate:"required,min=2,max=128"`
}

// POST /api/auth/setup
func (h *AuthHandler) Setup(c *gin.Context) {
	var req setupRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, token, err := h.auth.Setup(c.Request.Context(), req.Username, req.Email, req.Password, req.OrganizationName)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setSessionCookie(c, token)
	response.Success(c, http.StatusCreated, gin.H{"user": userView(user), "token": token})
}

type registerRequest struct {
	Username         string `json:"username" validate:"required,min=3,max=64"`
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required,min=8"`
	Role             string `json:"role" validate:"required,oneof=Lead Associate"`
	Mode             string `json:"mode" validate:"required,oneof=create join"`
	OrganizationName string `json:"organization_name" validate:"omitempty,min=2,max=128"`
	JoinCode         string `json:"join_code" validate:"omitempty,join_code"`
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.auth.Register(c.Request.Context(), services.RegisterInput{
		Username:         req.Username,
		Email:            req.Email,
		Password:         req.Password,
		Role:             models.Role(req.Role),
		Mode:             req.Mode,
		OrganizationName: req.OrganizationName,
		JoinCode:         req.JoinCode,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	if result.RequireOTP {
		response.Success(c, http.StatusCreated, gin.H{
			"require_otp": true,
			"temp_id":     result.TempID,
			"email":       result.User.Email,
		})
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"user": userView(result.User)})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		response.Error(c, err)
		return
	}

	if result.RequireOTP {
		response.Success(c, http.StatusOK, gin.H{"require_otp": true, "temp_id": result.TempID})
		return
	}

	h.setSessionCookie(c, result.Token)
	response.Success(c, http.StatusOK, gin.H{"token": result.Token, "user": userView(result.User)})
}

type verifyOTPRequest struct {
	TempID string `json:"temp_id" validate:"required"`
	OTP    string `json:"otp" validate:"required,otp_code"`
}

// POST /api/auth/verify-otp
func (h *AuthHandler) VerifyOTP(c *gin.Context) {
	var req verifyOTPRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.auth.VerifyOTP(c.Request.Context(), req.TempID, req.OTP)
	if err != nil {
		response.Error(c, err)
		return
	}

	// Join-request registrants confirmed their email but still await
	// approval; no session yet.
	if result.Token == "" {
		response.Success(c, http.StatusOK, gin.H{"user": userView(result.User)})
		return
	}

	h.setSessionCookie(c, result.Token)
	response.Success(c, http.StatusOK, gin.H{"token": result.Token, "user": userView(result.User)})
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// POST /api/auth/forgot-password
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "If the address exists, a reset link has been sent."})
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8"`
}

// PUT /api/auth/reset-password/:token
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.ResetPassword(c.Request.Context(), c.Param("token"), req.Password); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Password updated. Please sign in again."})
}

// GET /api/auth/remote-signout/:id/:token
func (h *AuthHandler) RemoteSignout(c *gin.Context) {
	err := h.auth.RemoteSignout(c.Request.Context(), c.Param("id"), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "All sessions for this account have been signed out."})
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	h.clearSessionCookie(c)
	response.Success(c, http.StatusOK, gin.H{"message": "Signed out."})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, gin.H{"user": userView(user)})
}

// GET /api/auth/users
func (h *AuthHandler) ListUsers(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	users, err := h.auth.ListUsers(c.Request.Context(), user)
	if err != nil {
		response.Error(c, err)
		return
	}

	views := make([]gin.H, 0, len(users))
	for i := range users {
		views = append(views, userView(&users[i]))
	}
	response.Success(c, http.StatusOK, gin.H{"users": views})
}

// DELETE /api/auth/users/:id
func (h *AuthHandler) DeleteUser(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.auth.DeleteUser(c.Request.Context(), user, c.Param("id"), h.tasks); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "User removed."})
}

// POST /api/auth/exit-otp
func (h *AuthHandler) RequestExitOTP(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.exits.RequestExitOTP(c.Request.Context(), user); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "A confirmation code has been sent to your email."})
}

type verifyExitRequest struct {
	OTP string `json:"otp" validate:"required,otp_code"`
}

// POST /api/auth/exit-verify
func (h *AuthHandler) VerifyExit(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req verifyExitRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.exits.VerifyExit(c.Request.Context(), user, req.OTP)
	if err != nil {
		response.Error(c, err)
		return
	}

	if result.Status == services.ExitStatusExited {
		h.clearSessionCookie(c)
	}
	response.Success(c, http.StatusOK, result)
}
