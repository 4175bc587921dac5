package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/go-playground/validator/v10"

	"github.com/shotline/server/internal/installer"
	"github.com/shotline/server/internal/jobstore"
	"github.com/shotline/server/internal/service"
	"github.com/shotline/server/pkg/response"
)

type JobHandler struct {
	service *service.InstallService
}

func NewJobHandler(svc *service.InstallService) *JobHandler {
	return &JobHandler{service: svc}
}

// Status handles GET /api/jobs/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), jobID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// serviceError maps installer errors to the response envelope.
func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, installer.ErrUnsupportedPackage):
		return response.UnsupportedPackage(c, err.Error())
	case errors.Is(err, installer.ErrIncompatibleVersion):
		return response.IncompatibleVersion(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
