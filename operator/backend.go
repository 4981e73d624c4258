package operator

import (
	"context"

	"github.com/c360studio/matterstack/workflow"
)

// JobState is a compute backend's view of a job.
type JobState string

// Job states.
const (
	JobQueued         JobState = "QUEUED"
	JobRunning        JobState = "RUNNING"
	JobCompletedOK    JobState = "COMPLETED_OK"
	JobCompletedError JobState = "COMPLETED_ERROR"
	JobCancelled      JobState = "CANCELLED"
	JobLost           JobState = "LOST"
	JobUnknown        JobState = "UNKNOWN"
)

// ExternalStatusForJob maps a backend job state to the operator-level
// external status.
func ExternalStatusForJob(s JobState) ExternalStatus {
	switch s {
	case JobQueued:
		return ExternalPending
	case JobRunning:
		return ExternalRunning
	case JobCompletedOK:
		return ExternalCompleted
	case JobCompletedError:
		return ExternalFailed
	case JobCancelled:
		return ExternalCancelled
	case JobLost:
		return ExternalLost
	}
	return ExternalUnknown
}

// Backend submits and tracks compute jobs. The local backend runs
// subprocesses; remote backends (Slurm over SSH) implement the same
// contract. Status must work from the job dir alone so a fresh engine
// process can keep polling jobs an earlier process submitted.
type Backend interface {
	// Submit starts the command in dir and returns a backend job id.
	Submit(ctx context.Context, dir, command string, env map[string]string, hints workflow.ResourceHints) (string, error)

	// Status reports the job's current state.
	Status(ctx context.Context, jobID, dir string) (JobState, error)

	// Cancel stops the job if it is still running. Idempotent.
	Cancel(ctx context.Context, jobID, dir string) error
}
