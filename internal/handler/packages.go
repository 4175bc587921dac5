package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/shotline/server/internal/middleware"
	"github.com/shotline/server/internal/model"
	"github.com/shotline/server/internal/service"
	"github.com/shotline/server/pkg/response"
)

// PackageHandler serves the generic package download surfaces: dependency
// packages and desktop installers.
type PackageHandler struct {
	service   *service.InstallService
	validator *validator.Validate
}

func NewPackageHandler(svc *service.InstallService, v *validator.Validate) *PackageHandler {
	return &PackageHandler{
		service:   svc,
		validator: v,
	}
}

// InstallDependencyPackage handles POST /api/dependency-packages/install
func (h *PackageHandler) InstallDependencyPackage(c *fiber.Ctx) error {
	return h.install(c, h.service.InstallDependencyPackage)
}

// InstallInstaller handles POST /api/installers/install
func (h *PackageHandler) InstallInstaller(c *fiber.Ctx) error {
	return h.install(c, h.service.InstallInstaller)
}

func (h *PackageHandler) install(c *fiber.Ctx, create func(ctx context.Context, url, user string) (*model.Job, error)) error {
	var req model.InstallFromURLRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := create(c.Context(), req.URL, middleware.GetUserID(c))
	if err != nil {
		return serviceError(c, err)
	}

	return response.Created(c, model.InstallResponse{JobID: job.ID})
}
