package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/internal/services"
	"github.com/conservehq/conserve/pkg/response"
)

// TaskHandler exposes the task board.
type TaskHandler struct {
	tasks *services.TaskService
}

func NewTaskHandler(tasks *services.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// GET /api/tasks
func (h *TaskHandler) List(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	tasks, err := h.tasks.List(c.Request.Context(), user, services.TaskFilters{
		Status: c.Query("status"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"tasks": tasks})
}

type createTaskRequest struct {
	Title        string   `json:"title" validate:"required,min=2,max=200"`
	Description  string   `json:"description" validate:"max=4000"`
	AssignedToID string   `json:"assigned_to_id" validate:"omitempty,uuid4"`
	Checklist    []string `json:"checklist" validate:"omitempty,dive,min=1,max=200"`
}

// POST /api/tasks
func (h *TaskHandler) Create(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req createTaskRequest
	if !bindAndValidate(c, &req) {
		return
	}

	task, err := h.tasks.Create(c.Request.Context(), user, services.CreateTaskInput{
		Title:        req.Title,
		Description:  req.Description,
		AssignedToID: req.AssignedToID,
		Checklist:    req.Checklist,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"task": task})
}

type updateTaskRequest struct {
	Title        *string                       `json:"title" validate:"omitempty,min=2,max=200"`
	Description  *string                       `json:"description" validate:"omitempty,max=4000"`
	AssignedToID *string                       `json:"assigned_to_id" validate:"omitempty,uuid4"`
	Status       *string                       `json:"status" validate:"omitempty,oneof=Pending 'In Progress' 'Under Review' Completed Rejected"`
	ProofOfWork  *string                       `json:"proof_of_work" validate:"omitempty,max=4000"`
	Checklist    []services.ChecklistItemInput `json:"checklist"`
}

// PATCH /api/tasks/:id
func (h *TaskHandler) Update(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req updateTaskRequest
	if !bindAndValidate(c, &req) {
		return
	}

	input := services.UpdateTaskInput{
		Title:        req.Title,
		Description:  req.Description,
		AssignedToID: req.AssignedToID,
		ProofOfWork:  req.ProofOfWork,
		Checklist:    req.Checklist,
	}
	if req.Status != nil {
		status := models.TaskStatus(*req.Status)
		input.Status = &status
	}

	task, err := h.tasks.Update(c.Request.Context(), user, c.Param("id"), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"task": task})
}

type reviewTaskRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Reason   string `json:"reason" validate:"max=1000"`
}

// PATCH /api/tasks/:id/review
func (h *TaskHandler) Review(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req reviewTaskRequest
	if !bindAndValidate(c, &req) {
		return
	}

	task, err := h.tasks.Review(c.Request.Context(), user, c.Param("id"), req.Decision == "approve", req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"task": task})
}
