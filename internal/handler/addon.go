package handler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/shotline/server/internal/middleware"
	"github.com/shotline/server/internal/model"
	"github.com/shotline/server/internal/service"
	"github.com/shotline/server/pkg/response"
)

type AddonHandler struct {
	service   *service.InstallService
	validator *validator.Validate
	maxUpload int64
}

func NewAddonHandler(svc *service.InstallService, v *validator.Validate, maxUploadMB int) *AddonHandler {
	return &AddonHandler{
		service:   svc,
		validator: v,
		maxUpload: int64(maxUploadMB) * 1024 * 1024,
	}
}

// Install handles POST /api/addons/install.
// With ?url= the addon is downloaded in the background; otherwise the request
// must carry a multipart zip upload which is validated before a job is
// created.
func (h *AddonHandler) Install(c *fiber.Ctx) error {
	user := middleware.GetUserID(c)

	if url := c.Query("url"); url != "" {
		req := model.InstallFromURLRequest{URL: url}
		if err := h.validator.Struct(&req); err != nil {
			return response.ValidationError(c, "Invalid addon URL", formatValidationErrors(err))
		}

		job, err := h.service.InstallFromURL(c.Context(), url, user)
		if err != nil {
			return serviceError(c, err)
		}
		return response.Created(c, model.InstallResponse{JobID: job.ID})
	}

	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "Addon zip file is required", nil)
	}

	if file.Size > h.maxUpload {
		return response.ValidationError(c, "Addon zip exceeds upload limit", map[string]interface{}{
			"maxSize":  h.maxUpload,
			"fileSize": file.Size,
		})
	}

	zipPath := filepath.Join(os.TempDir(), fmt.Sprintf("%s.zip", uuid.New().String()))
	if err := c.SaveFile(file, zipPath); err != nil {
		return response.ServiceError(c, "Failed to store uploaded file")
	}

	job, err := h.service.InstallFromZip(c.Context(), zipPath, user)
	if err != nil {
		// The upload never became a job; it has no other owner.
		os.Remove(zipPath)
		return serviceError(c, err)
	}

	return response.Created(c, model.InstallResponse{JobID: job.ID})
}

// List handles GET /api/addons/install
func (h *AddonHandler) List(c *fiber.Ctx) error {
	result, err := h.service.ListInstallJobs(c.Context())
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Deployed handles GET /api/addons — the installed addon library.
func (h *AddonHandler) Deployed(c *fiber.Ctx) error {
	addons, err := h.service.ListDeployedAddons()
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, fiber.Map{"addons": addons})
}
