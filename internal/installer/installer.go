// Package installer implements the addon installation subsystem: a durable,
// single-consumer job queue that downloads, validates and atomically deploys
// versioned addon packages. The job store is the source of truth; the
// in-memory queue carries only job ids and is rebuilt from a store scan on
// startup, so no job is lost across a restart.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/shotline/server/internal/client"
	"github.com/shotline/server/internal/jobstore"
	"github.com/shotline/server/internal/model"
)

// MaxRetries caps how often a failed job is re-attempted before it is
// abandoned in failed status.
const MaxRetries = 3

// ErrTooManyRetries signals that a job has exhausted its retry budget and
// must not be requeued again.
var ErrTooManyRetries = errors.New("too many retries")

// Notifier pushes job progress to live subscribers. Persisted state goes
// through the job store; the notifier is fire-and-forget.
type Notifier interface {
	NotifyProgress(jobID string, progress int, status model.JobStatus, description string)
	NotifyComplete(jobID string, description string)
	NotifyError(jobID string, code, message string)
}

type noopNotifier struct{}

func (noopNotifier) NotifyProgress(string, int, model.JobStatus, string) {}
func (noopNotifier) NotifyComplete(string, string)                       {}
func (noopNotifier) NotifyError(string, string, string)                  {}

// Core is the background installer. Exactly one Core consumes jobs per
// process: the addon tree is shared mutable state and serializing deploys is
// the concurrency control that protects it. Running several processes against
// the same tree is not supported.
type Core struct {
	store    jobstore.Store
	fetcher  *client.Fetcher
	gate     *VersionGate
	deployer *Deployer
	notifier Notifier

	dependencyPackagesDir string
	installersDir         string

	queue         chan string
	restartNeeded atomic.Bool
}

func NewCore(
	store jobstore.Store,
	fetcher *client.Fetcher,
	gate *VersionGate,
	deployer *Deployer,
	notifier Notifier,
	dependencyPackagesDir string,
	installersDir string,
) *Core {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Core{
		store:                 store,
		fetcher:               fetcher,
		gate:                  gate,
		deployer:              deployer,
		notifier:              notifier,
		dependencyPackagesDir: dependencyPackagesDir,
		installersDir:         installersDir,
		queue:                 make(chan string, 1024),
	}
}

// Enqueue appends a job id to the processing queue. The job record must
// already exist in the store. Blocks only if the queue buffer is full.
func (c *Core) Enqueue(jobID string) {
	log.Printf("Background installer: enqueuing job %s", jobID)
	c.queue <- jobID
}

// RestartNeeded reports whether a completed addon install requires a server
// restart before the new addon version is picked up.
func (c *Core) RestartNeeded() bool {
	return c.restartNeeded.Load()
}

// Run is the consumer loop. It first recovers unfinished jobs from the store
// (ordered by creation, so a restart preserves FIFO order) and then processes
// one job at a time until ctx is cancelled. Run is meant to be driven by a
// supervisor; it only returns on cancellation.
func (c *Core) Run(ctx context.Context) error {
	if err := c.recover(ctx); err != nil {
		return fmt.Errorf("installer recovery failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case jobID := <-c.queue:
			if err := c.ProcessEvent(ctx, jobID); err != nil {
				c.handleFailure(ctx, jobID, err)
			}
		}
	}
}

func (c *Core) recover(ctx context.Context) error {
	jobs, err := c.store.ListUnfinished(ctx, model.InstallerTopics)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		c.Enqueue(job.ID)
	}
	return nil
}

// handleFailure persists a failed status with an incremented retry count and
// requeues the job. There is no backoff: the retry cap, not time, bounds the
// retry storm. Context cancellation and retry exhaustion are not failures.
func (c *Core) handleFailure(ctx context.Context, jobID string, err error) {
	if errors.Is(err, ErrTooManyRetries) {
		return
	}
	if ctx.Err() != nil {
		// Mid-processing shutdown: the job stays in its current persisted
		// state and is picked up again by the next startup's recovery.
		return
	}

	log.Printf("Background installer: error while processing job %s: %v", jobID, err)

	job, getErr := c.store.Get(ctx, jobID)
	if getErr != nil {
		log.Printf("Background installer: cannot reload job %s: %v", jobID, getErr)
		return
	}

	updateErr := c.store.Update(ctx, jobID, jobstore.Patch{
		Status:      jobstore.StatusPatch(model.JobStatusFailed),
		Description: jobstore.StringPatch(fmt.Sprintf("Failed to process job: %v", err)),
		Retries:     jobstore.IntPatch(job.Retries + 1),
	})
	if updateErr != nil {
		log.Printf("Background installer: cannot persist failure of job %s: %v", jobID, updateErr)
	}

	c.notifier.NotifyError(jobID, "INSTALL_FAILED", err.Error())
	c.Enqueue(jobID)
}

// ProcessEvent loads a job and processes it synchronously. It is the
// bypass-queue path for callers that need the result before returning;
// the consumer loop uses it for every queued id as well.
//
// Returns ErrTooManyRetries when the job has already failed more than
// MaxRetries times; such a job is never reprocessed.
func (c *Core) ProcessEvent(ctx context.Context, jobID string) error {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			log.Printf("Background installer: job %s no longer exists, skipping", jobID)
			return nil
		}
		return err
	}

	if job.Status == model.JobStatusFailed && job.Retries > MaxRetries {
		log.Printf("Background installer: %s failed too many times, abandoning job %s", job.Topic, job.ID)
		return ErrTooManyRetries
	}

	log.Printf("Background installer: processing %s (job %s)", job.Topic, job.ID)

	switch job.Topic {
	case model.TopicAddonInstall:
		err = c.unpackAddon(ctx, job)
		if err == nil {
			c.restartNeeded.Store(true)
		}
	case model.TopicAddonInstallFromURL:
		err = c.installAddonFromURL(ctx, job)
		if err == nil {
			c.restartNeeded.Store(true)
		}
	case model.TopicDependencyPackageFromURL:
		err = c.downloadPackage(ctx, job, c.dependencyPackagesDir, "dependency package")
	case model.TopicInstallerFromURL:
		err = c.downloadPackage(ctx, job, c.installersDir, "installer")
	default:
		err = fmt.Errorf("unknown installer topic %q", job.Topic)
	}

	if err != nil {
		return err
	}

	log.Printf("Background installer: finished processing %s (job %s)", job.Topic, job.ID)
	return nil
}

// unpackAddon handles addon.install: the archive is already on local disk and
// its descriptor was resolved when the job was created.
func (c *Core) unpackAddon(ctx context.Context, job *model.Job) error {
	desc := &model.PackageDescriptor{
		Name:              job.Summary.AddonName,
		Version:           job.Summary.AddonVersion,
		HostVersions:      job.Summary.HostVersions,
		Layout:            model.Layout(job.Summary.Layout),
		SourceArchivePath: job.Summary.ZipPath,
	}
	if desc.Layout == "" {
		desc.Layout = model.LayoutWrapped
	}

	if _, err := os.Stat(desc.SourceArchivePath); err != nil {
		return fmt.Errorf("addon archive is gone: %w", err)
	}

	// The gate ran at upload time; run it again so a job created by an
	// older server version cannot slip through after an upgrade.
	if err := c.gate.Check(desc.HostVersions); err != nil {
		return err
	}

	if err := c.setProgress(ctx, job.ID, 0, fmt.Sprintf("Unpacking addon %s %s", desc.Name, desc.Version)); err != nil {
		return err
	}

	if err := c.deployer.Deploy(ctx, desc); err != nil {
		return err
	}

	return c.finishAddon(ctx, job.ID, desc)
}

// installAddonFromURL handles addon.install_from_url: download, resolve the
// manifest, gate the version, deploy. The download maps to the first half of
// the progress range; deployment completes it.
func (c *Core) installAddonFromURL(ctx context.Context, job *model.Job) error {
	url := job.Summary.URL
	if url == "" {
		return fmt.Errorf("job %s has no url in summary", job.ID)
	}

	if err := c.setProgress(ctx, job.ID, 0, fmt.Sprintf("Downloading addon from URL %s", url)); err != nil {
		return err
	}

	tempZip, err := os.CreateTemp(c.deployer.Root(), "addon-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tempZip.Close()
	zipPath := tempZip.Name()
	defer os.Remove(zipPath)

	_, err = c.fetcher.Fetch(ctx, url, zipPath, func(percent int) {
		// Download is the first half of the job.
		c.reportProgress(ctx, job.ID, percent/2)
	})
	if err != nil {
		return err
	}

	desc, err := ResolveManifest(zipPath)
	if err != nil {
		return err
	}

	if err := c.gate.Check(desc.HostVersions); err != nil {
		return err
	}

	err = c.store.Update(ctx, job.ID, jobstore.Patch{
		Status:      jobstore.StatusPatch(model.JobStatusInProgress),
		Description: jobstore.StringPatch(fmt.Sprintf("Installing addon %s %s", desc.Name, desc.Version)),
		Progress:    jobstore.IntPatch(50),
		Summary: &model.JobSummary{
			AddonName:    desc.Name,
			AddonVersion: desc.Version,
			Layout:       string(desc.Layout),
			HostVersions: desc.HostVersions,
		},
	})
	if err != nil {
		return err
	}
	c.notifier.NotifyProgress(job.ID, 50, model.JobStatusInProgress,
		fmt.Sprintf("Installing addon %s %s", desc.Name, desc.Version))

	if err := c.deployer.Deploy(ctx, desc); err != nil {
		return err
	}

	return c.finishAddon(ctx, job.ID, desc)
}

// downloadPackage handles the generic download topics: the payload is fetched
// into the given directory with its filename taken from the response headers
// or the URL.
func (c *Core) downloadPackage(ctx context.Context, job *model.Job, dir, kind string) error {
	url := job.Summary.URL
	if url == "" {
		return fmt.Errorf("job %s has no url in summary", job.ID)
	}

	if err := c.setProgress(ctx, job.ID, 0, fmt.Sprintf("Downloading %s from URL %s", kind, url)); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	info, err := c.fetcher.Fetch(ctx, url, dir, func(percent int) {
		c.reportProgress(ctx, job.ID, percent)
	})
	if err != nil {
		return err
	}

	description := fmt.Sprintf("Downloaded %s %s", kind, info.Filename)
	err = c.store.Update(ctx, job.ID, jobstore.Patch{
		Status:      jobstore.StatusPatch(model.JobStatusFinished),
		Description: jobstore.StringPatch(description),
		Progress:    jobstore.IntPatch(100),
		Summary:     &model.JobSummary{Filename: info.Filename},
	})
	if err != nil {
		return err
	}

	c.notifier.NotifyComplete(job.ID, description)
	return nil
}

func (c *Core) finishAddon(ctx context.Context, jobID string, desc *model.PackageDescriptor) error {
	description := fmt.Sprintf("Addon %s %s installed", desc.Name, desc.Version)
	err := c.store.Update(ctx, jobID, jobstore.Patch{
		Status:      jobstore.StatusPatch(model.JobStatusFinished),
		Description: jobstore.StringPatch(description),
		Progress:    jobstore.IntPatch(100),
	})
	if err != nil {
		return err
	}
	c.notifier.NotifyComplete(jobID, description)
	return nil
}

// setProgress persists an in_progress transition and broadcasts it.
func (c *Core) setProgress(ctx context.Context, jobID string, progress int, description string) error {
	err := c.store.Update(ctx, jobID, jobstore.Patch{
		Status:      jobstore.StatusPatch(model.JobStatusInProgress),
		Description: jobstore.StringPatch(description),
		Progress:    jobstore.IntPatch(progress),
	})
	if err != nil {
		return err
	}
	c.notifier.NotifyProgress(jobID, progress, model.JobStatusInProgress, description)
	return nil
}

// reportProgress persists and broadcasts a progress tick. Ticks arrive
// already throttled by the fetcher; a persistence error must not interrupt
// the download.
func (c *Core) reportProgress(ctx context.Context, jobID string, progress int) {
	err := c.store.Update(ctx, jobID, jobstore.Patch{
		Progress: jobstore.IntPatch(progress),
	})
	if err != nil {
		log.Printf("Background installer: failed to persist progress for job %s: %v", jobID, err)
	}
	c.notifier.NotifyProgress(jobID, progress, model.JobStatusInProgress, "")
}
