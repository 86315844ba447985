package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/miyog/engine/internal/middleware"
	"github.com/miyog/engine/internal/model"
	"github.com/miyog/engine/internal/service"
	"github.com/miyog/engine/pkg/response"
)

type UploadHandler struct {
	service   *service.UploadService
	validator *validator.Validate
}

func NewUploadHandler(svc *service.UploadService, v *validator.Validate) *UploadHandler {
	return &UploadHandler{
		service:   svc,
		validator: v,
	}
}

// Presigned handles POST /api/upload/presigned
// @Summary      Presign an upload
// @Description  Returns a time-limited PUT URL under the caller's uploads prefix
// @Tags         Upload
// @Accept       json
// @Produce      json
// @Param        request body model.PresignRequest true "Presign request"
// @Success      200 {object} model.PresignResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/upload/presigned [post]
func (h *UploadHandler) Presigned(c *fiber.Ctx) error {
	var req model.PresignRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Presign(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, result)
}
