package model

// Layout describes how an addon archive maps onto the target directory.
type Layout string

const (
	// LayoutWrapped archives keep their payload under a single top-level
	// "addon/" directory which is moved into place as-is.
	LayoutWrapped Layout = "wrapped"
	// LayoutFlat archives map their files directly into the target directory.
	LayoutFlat Layout = "flat"
)

// PackageDescriptor is the canonical identity of an addon archive, derived
// from whichever manifest dialect the archive contains. It lives only for the
// duration of a single install step.
type PackageDescriptor struct {
	Name    string
	Version string

	// HostVersions is a comma-separated list of semver comparator
	// conditions the host version must satisfy (e.g. ">=1.0.0,<1.2.0").
	// Empty means the package accepts any host version.
	HostVersions string

	Layout Layout

	// SourceArchivePath is the local zip the descriptor was read from.
	// It is removed after a successful deploy.
	SourceArchivePath string
}

// DeployedAddon is one installed addon version found on disk.
type DeployedAddon struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Path    string `json:"path"`
}

// Addon install request/response models.

type InstallFromURLRequest struct {
	URL string `json:"url" validate:"required,url"`
}

type InstallResponse struct {
	JobID string `json:"jobId"`
}

type JobStatusResponse struct {
	JobID       string     `json:"jobId"`
	Topic       string     `json:"topic"`
	Status      JobStatus  `json:"status"`
	Description string     `json:"description,omitempty"`
	Progress    int        `json:"progress"`
	Retries     int        `json:"retries"`
}

type InstallListItem struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Status       JobStatus `json:"status"`
	Description  string    `json:"description,omitempty"`
	AddonName    string    `json:"addonName,omitempty"`
	AddonVersion string    `json:"addonVersion,omitempty"`
	User         string    `json:"user,omitempty"`
	CreatedAt    string    `json:"createdAt"`
	UpdatedAt    string    `json:"updatedAt"`
}

type InstallListResponse struct {
	Items           []InstallListItem `json:"items"`
	RestartRequired bool              `json:"restartRequired"`
}
