package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/internal/services"
	appErrors "github.com/conservehq/conserve/pkg/errors"
	"github.com/conservehq/conserve/pkg/response"
)

// OrganizationHandler exposes the membership ledger and member administration.
type OrganizationHandler struct {
	organizations *services.OrganizationService
	memberships   *services.MembershipService
	auth          *services.AuthService
}

func NewOrganizationHandler(organizations *services.OrganizationService, memberships *services.MembershipService, auth *services.AuthService) *OrganizationHandler {
	return &OrganizationHandler{organizations: organizations, memberships: memberships, auth: auth}
}

// GET /api/organization
func (h *OrganizationHandler) Get(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	if !user.Attached() {
		response.Error(c, appErrors.ErrNotFound)
		return
	}

	org, err := h.organizations.GetByID(c.Request.Context(), *user.OrganizationID)
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := gin.H{
		"id":       org.ID,
		"name":     org.Name,
		"owner_id": org.OwnerID,
	}
	// The join code is privileged: only Leads can invite.
	if user.Role == models.RoleLead {
		payload["code"] = org.Code
	}
	response.Success(c, http.StatusOK, gin.H{"organization": payload})
}

// GET /api/organization/requests
func (h *OrganizationHandler) ListJoinRequests(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	requests, err := h.memberships.ListJoinRequests(c.Request.Context(), *user.OrganizationID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"requests": requests})
}

// POST /api/organization/requests/:id/approve
func (h *OrganizationHandler) ApproveJoinRequest(c *gin.Context) {
	h.decideJoin(c, true)
}

// POST /api/organization/requests/:id/reject
func (h *OrganizationHandler) RejectJoinRequest(c *gin.Context) {
	h.decideJoin(c, false)
}

func (h *OrganizationHandler) decideJoin(c *gin.Context, approve bool) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	request, err := h.memberships.DecideJoin(c.Request.Context(), user, c.Param("id"), approve)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"request": request})
}

type addMemberRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required,oneof=Lead Associate"`
}

// POST /api/organization/users
func (h *OrganizationHandler) AddMember(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req addMemberRequest
	if !bindAndValidate(c, &req) {
		return
	}

	member, err := h.auth.CreateMember(c.Request.Context(), user, services.CreateMemberInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     models.Role(req.Role),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"user": userView(member)})
}

type joinExistingRequest struct {
	Code string `json:"code" validate:"required,join_code"`
	Role string `json:"role" validate:"required,oneof=Lead Associate"`
}

// POST /api/organization/join-existing
func (h *OrganizationHandler) JoinExisting(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req joinExistingRequest
	if !bindAndValidate(c, &req) {
		return
	}

	org, err := h.organizations.FindByCode(c.Request.Context(), strings.TrimSpace(req.Code))
	if err != nil {
		response.Error(c, err)
		return
	}

	request, err := h.memberships.RequestJoin(c.Request.Context(), user, org, models.Role(req.Role))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"request": request})
}

// GET /api/organization/exit-requests
func (h *OrganizationHandler) ListExitRequests(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	requests, err := h.memberships.ListExitRequests(c.Request.Context(), *user.OrganizationID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"requests": requests})
}

type decideExitRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
}

// PUT /api/organization/exit-requests/:id/decide
func (h *OrganizationHandler) DecideExitRequest(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req decideExitRequest
	if !bindAndValidate(c, &req) {
		return
	}

	request, err := h.memberships.DecideExit(c.Request.Context(), user, c.Param("id"), req.Decision == "approve")
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"request": request})
}
