// Package model defines the persisted entities and configuration for the
// batchd crash-resilience core.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is the durable record of one batch job. It is persisted as a single
// JSON file ({id}.job.json) and is only ever written through the atomic file
// writer, so a reader observes either the previous or the next complete state.
type Job struct {
	ID         string    `json:"id"`
	Status     JobStatus `json:"status"`
	Sequence   uint64    `json:"sequence"`
	Repository string    `json:"repository"`

	WorkspacePath string `json:"workspace_path,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	OutputPath    string `json:"output_path,omitempty"`

	// RepositoryWait is set while the job is blocked on a repository lock.
	// It is the durable source from which per-repository wait lists are
	// rebuilt after a restart.
	RepositoryWait *RepositoryWaitInfo `json:"repository_wait,omitempty"`

	Callbacks []CallbackTarget `json:"callbacks,omitempty"`

	FailureReason     string     `json:"failure_reason,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RepositoryWaitInfo records that a job is queued behind a repository lock.
type RepositoryWaitInfo struct {
	Repository string    `json:"repository"`
	QueuedAt   time.Time `json:"queued_at"`
	Position   int       `json:"position"`
}

// CallbackTarget names a webhook that must be notified about job events.
type CallbackTarget struct {
	URL   string `json:"url"`
	Event string `json:"event"`
}

// NewJob creates a queued job with a fresh UUID. The queue sequence number is
// assigned at enqueue time, not here.
func NewJob(repository string, callbacks []CallbackTarget) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.NewString(),
		Status:     JobQueued,
		Repository: repository,
		Callbacks:  callbacks,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition validates and applies a status change.
func (j *Job) Transition(to JobStatus) error {
	if err := ValidateJobTransition(j.Status, to); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	now := time.Now().UTC()
	switch to {
	case JobRunning:
		j.StartedAt = &now
	case JobCompleted, JobFailed:
		j.FinishedAt = &now
	case JobCancelling:
		j.CancelRequestedAt = &now
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}
