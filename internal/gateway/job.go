package gateway

import (
	"time"

	"github.com/user/agentmem/internal/types"
)

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Job is one memory-generation run for a finished session.
type Job struct {
	ID        types.JobID
	SessionID types.SessionID
	Namespace string
	Status    JobStatus
	Attempts  int
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	// OnComplete is called after the job finishes, successfully or not.
	OnComplete func(*Job)
}

// NewJob creates a Job in the Queued state for the given session.
func NewJob(sessionID types.SessionID, namespace string) *Job {
	return &Job{
		ID:        types.NewJobID(),
		SessionID: sessionID,
		Namespace: namespace,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
}
