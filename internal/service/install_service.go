package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/shotline/server/internal/client"
	"github.com/shotline/server/internal/installer"
	"github.com/shotline/server/internal/jobstore"
	"github.com/shotline/server/internal/model"
)

// InstallService creates installer jobs and answers queries about them.
// Validation that can fail fast (manifest resolution, version gating of an
// uploaded archive) happens here, before any job record exists — a broken
// upload never reaches the queue.
type InstallService struct {
	store     jobstore.Store
	core      *installer.Core
	gate      *installer.VersionGate
	storage   client.StorageClient // optional archive vault, may be nil
	addonsDir string
}

func NewInstallService(
	store jobstore.Store,
	core *installer.Core,
	gate *installer.VersionGate,
	storage client.StorageClient,
	addonsDir string,
) *InstallService {
	return &InstallService{
		store:     store,
		core:      core,
		gate:      gate,
		storage:   storage,
		addonsDir: addonsDir,
	}
}

// InstallFromZip validates an uploaded addon archive and creates an
// addon.install job for it. The archive must already be on local disk.
func (s *InstallService) InstallFromZip(ctx context.Context, zipPath, user string) (*model.Job, error) {
	desc, err := installer.ResolveManifest(zipPath)
	if err != nil {
		return nil, err
	}

	if err := s.gate.Check(desc.HostVersions); err != nil {
		return nil, err
	}

	s.archiveUpload(ctx, zipPath, desc)

	summary := model.JobSummary{
		ZipPath:      zipPath,
		AddonName:    desc.Name,
		AddonVersion: desc.Version,
		Layout:       string(desc.Layout),
		HostVersions: desc.HostVersions,
	}
	description := fmt.Sprintf("Installing addon %s %s", desc.Name, desc.Version)

	job, err := s.store.Create(ctx, model.TopicAddonInstall, summary, description, user)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.core.Enqueue(job.ID)
	return job, nil
}

// InstallFromURL creates an addon.install_from_url job. The URL is validated
// lazily: download failures are job failures, observable on the job record.
func (s *InstallService) InstallFromURL(ctx context.Context, url, user string) (*model.Job, error) {
	return s.createURLJob(ctx, model.TopicAddonInstallFromURL, url, user,
		fmt.Sprintf("Installing addon from URL %s", url))
}

// InstallDependencyPackage creates a dependency_package.install_from_url job.
func (s *InstallService) InstallDependencyPackage(ctx context.Context, url, user string) (*model.Job, error) {
	return s.createURLJob(ctx, model.TopicDependencyPackageFromURL, url, user,
		fmt.Sprintf("Downloading dependency package from URL %s", url))
}

// InstallInstaller creates an installer.install_from_url job.
func (s *InstallService) InstallInstaller(ctx context.Context, url, user string) (*model.Job, error) {
	return s.createURLJob(ctx, model.TopicInstallerFromURL, url, user,
		fmt.Sprintf("Downloading installer from URL %s", url))
}

func (s *InstallService) createURLJob(ctx context.Context, topic, url, user, description string) (*model.Job, error) {
	job, err := s.store.Create(ctx, topic, model.JobSummary{URL: url}, description, user)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.core.Enqueue(job.ID)
	return job, nil
}

// GetStatus returns the user-visible state of a job.
func (s *InstallService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.JobStatusResponse{
		JobID:       job.ID,
		Topic:       job.Topic,
		Status:      job.Status,
		Description: job.Description,
		Progress:    job.Progress,
		Retries:     job.Retries,
	}, nil
}

// ListInstallJobs returns all addon install jobs, oldest first, together with
// the restart-required flag.
func (s *InstallService) ListInstallJobs(ctx context.Context) (*model.InstallListResponse, error) {
	topics := []string{model.TopicAddonInstall, model.TopicAddonInstallFromURL}
	jobs, err := s.store.ListByTopics(ctx, topics)
	if err != nil {
		return nil, err
	}

	items := make([]model.InstallListItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, model.InstallListItem{
			ID:           job.ID,
			Topic:        job.Topic,
			Status:       job.Status,
			Description:  job.Description,
			AddonName:    job.Summary.AddonName,
			AddonVersion: job.Summary.AddonVersion,
			User:         job.User,
			CreatedAt:    job.CreatedAt.Format(time.RFC3339),
			UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
		})
	}

	return &model.InstallListResponse{
		Items:           items,
		RestartRequired: s.core.RestartNeeded(),
	}, nil
}

// ListDeployedAddons walks the live addon tree and reports every
// name/version directory found there.
func (s *InstallService) ListDeployedAddons() ([]model.DeployedAddon, error) {
	entries, err := os.ReadDir(s.addonsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read addon tree: %w", err)
	}

	var addons []model.DeployedAddon
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(s.addonsDir, entry.Name()))
		if err != nil {
			continue
		}
		for _, version := range versions {
			if !version.IsDir() || version.Name()[0] == '.' {
				continue
			}
			addons = append(addons, model.DeployedAddon{
				Name:    entry.Name(),
				Version: version.Name(),
				Path:    filepath.Join(s.addonsDir, entry.Name(), version.Name()),
			})
		}
	}
	return addons, nil
}

// archiveUpload stores a copy of the uploaded zip in the vault. Best-effort:
// the vault is an audit trail, not a dependency of the install.
func (s *InstallService) archiveUpload(ctx context.Context, zipPath string, desc *model.PackageDescriptor) {
	if s.storage == nil {
		return
	}

	f, err := os.Open(zipPath)
	if err != nil {
		log.Printf("Failed to open %s for archiving: %v", zipPath, err)
		return
	}
	defer f.Close()

	key := fmt.Sprintf("addon-archives/%s-%s.zip", desc.Name, desc.Version)
	if _, err := s.storage.Upload(ctx, key, f, "application/zip"); err != nil {
		log.Printf("Failed to archive addon zip to storage: %v", err)
	}
}
