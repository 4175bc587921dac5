package model

import "time"

// JobStatus is the lifecycle state of an installer job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusFinished   JobStatus = "finished"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether a job in this status will not be processed again
// by the consumer loop. A failed job is not terminal for recovery purposes:
// it may still be retried until the retry cap is reached.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

// Installer job topics. These are persisted values; changing them would
// orphan jobs created by earlier server versions.
const (
	TopicAddonInstall             = "addon.install"
	TopicAddonInstallFromURL      = "addon.install_from_url"
	TopicDependencyPackageFromURL = "dependency_package.install_from_url"
	TopicInstallerFromURL         = "installer.install_from_url"
)

// InstallerTopics is the set of topics the background installer owns.
// Startup recovery scans the job store for non-terminal jobs in this set.
var InstallerTopics = []string{
	TopicAddonInstall,
	TopicAddonInstallFromURL,
	TopicDependencyPackageFromURL,
	TopicInstallerFromURL,
}

// JobSummary is the topic-specific payload of a job. Fields are append-only:
// identity data set at creation is never mutated, but handlers may fill in
// fields resolved during processing (addon name/version after manifest
// parsing, filename after download).
type JobSummary struct {
	URL          string `json:"url,omitempty"`
	ZipPath      string `json:"zip_path,omitempty"`
	AddonName    string `json:"addon_name,omitempty"`
	AddonVersion string `json:"addon_version,omitempty"`
	Layout       string `json:"layout,omitempty"`
	HostVersions string `json:"host_versions,omitempty"`
	Filename     string `json:"filename,omitempty"`
}

// Job is a durable unit of installer work.
type Job struct {
	ID          string     `json:"id"`
	Topic       string     `json:"topic"`
	Status      JobStatus  `json:"status"`
	Description string     `json:"description,omitempty"`
	Summary     JobSummary `json:"summary"`
	Progress    int        `json:"progress"`
	Retries     int        `json:"retries"`
	User        string     `json:"user,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
