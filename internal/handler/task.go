package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/miyog/engine/internal/middleware"
	"github.com/miyog/engine/internal/model"
	"github.com/miyog/engine/internal/service"
	"github.com/miyog/engine/internal/timeline"
	"github.com/miyog/engine/pkg/response"
)

type TaskHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewTaskHandler(svc *service.JobService, v *validator.Validate) *TaskHandler {
	return &TaskHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/tasks/generate
// @Summary      Create a video job
// @Description  Render a timeline directly, or generate one from a topic or script when the timeline is empty
// @Tags         Tasks
// @Accept       json
// @Produce      json
// @Param        request body model.RenderPayload true "Render payload"
// @Success      202 {object} model.TaskCreatedResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tasks/generate [post]
func (h *TaskHandler) Generate(c *fiber.Ctx) error {
	var req model.RenderPayload
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if req.HasTimeline() {
		if _, _, err := timeline.FromPayload(&req); err != nil {
			return response.ValidationError(c, err.Error(), nil)
		}
	} else if req.Topic == "" && req.Title == "" && req.Script == "" {
		return response.ValidationError(c, "timeline, topic or script is required", nil)
	}

	result, err := h.service.Create(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return response.ServiceError(c, "Failed to create job")
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/tasks/:jobId
// @Summary      Get job status
// @Description  Status, progress and, once completed, a signed video URL
// @Tags         Tasks
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.TaskStatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tasks/{jobId} [get]
func (h *TaskHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Status(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to load job")
	}

	return response.OK(c, result)
}

// Result handles GET /api/tasks/:jobId/result
// @Summary      Get job result
// @Description  Output key and signed URL of a completed job
// @Tags         Tasks
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.TaskResultResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tasks/{jobId}/result [get]
func (h *TaskHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Result(c.UserContext(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrJobNotCompleted):
			return response.Conflict(c, "Job not completed yet")
		}
		return response.ServiceError(c, "Failed to load job")
	}

	return response.OK(c, result)
}
