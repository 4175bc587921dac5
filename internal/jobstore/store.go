// Package jobstore persists installer jobs. The store is the source of truth
// for job state: the in-memory queue only ever carries job ids, so a restart
// can rebuild the queue from a store scan.
package jobstore

import (
	"context"
	"errors"

	"github.com/shotline/server/internal/model"
)

// ErrJobNotFound is returned when a job id has no record.
var ErrJobNotFound = errors.New("job not found")

// Patch is a partial update of a job record. Nil fields are left untouched.
// Summary fields are merged (append-only): only non-empty fields overwrite.
type Patch struct {
	Status      *model.JobStatus
	Description *string
	Summary     *model.JobSummary
	Progress    *int
	Retries     *int
}

// Store is the durable job record contract used by the installer.
type Store interface {
	// Create persists a new pending job and returns it with an assigned id.
	Create(ctx context.Context, topic string, summary model.JobSummary, description, user string) (*model.Job, error)

	// Get returns the job with the given id, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*model.Job, error)

	// Update applies a partial update to the job with the given id.
	Update(ctx context.Context, id string, patch Patch) error

	// ListUnfinished returns jobs whose topic is in the given set and whose
	// status is not terminal, ordered by creation time ascending.
	ListUnfinished(ctx context.Context, topics []string) ([]*model.Job, error)

	// ListByTopics returns all jobs in the given topic set ordered by
	// creation time ascending, regardless of status.
	ListByTopics(ctx context.Context, topics []string) ([]*model.Job, error)
}

// Helpers for building patches without local temporaries at call sites.

func StatusPatch(s model.JobStatus) *model.JobStatus { return &s }
func StringPatch(s string) *string                   { return &s }
func IntPatch(i int) *int                            { return &i }

func applyPatch(job *model.Job, patch Patch) {
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.Retries != nil {
		job.Retries = *patch.Retries
	}
	if patch.Summary != nil {
		mergeSummary(&job.Summary, *patch.Summary)
	}
}

func mergeSummary(dst *model.JobSummary, src model.JobSummary) {
	if src.URL != "" {
		dst.URL = src.URL
	}
	if src.ZipPath != "" {
		dst.ZipPath = src.ZipPath
	}
	if src.AddonName != "" {
		dst.AddonName = src.AddonName
	}
	if src.AddonVersion != "" {
		dst.AddonVersion = src.AddonVersion
	}
	if src.Layout != "" {
		dst.Layout = src.Layout
	}
	if src.HostVersions != "" {
		dst.HostVersions = src.HostVersions
	}
	if src.Filename != "" {
		dst.Filename = src.Filename
	}
}

func topicSet(topics []string) map[string]bool {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return set
}
