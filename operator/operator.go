// Package operator defines the execution contract between the engine and
// the systems that actually run task attempts, plus the built-in compute,
// human, and experiment operators.
package operator

import (
	"context"

	"github.com/c360studio/matterstack/workflow"
)

// ExternalStatus is the operator's view of an attempt in an external system.
type ExternalStatus string

// External statuses.
const (
	ExternalPending   ExternalStatus = "PENDING"
	ExternalRunning   ExternalStatus = "RUNNING"
	ExternalCompleted ExternalStatus = "COMPLETED"
	ExternalFailed    ExternalStatus = "FAILED"
	ExternalCancelled ExternalStatus = "CANCELLED"
	ExternalLost      ExternalStatus = "LOST"
	ExternalUnknown   ExternalStatus = "UNKNOWN"
)

// AttemptStatusForExternal maps an external status to the attempt status it
// implies. PENDING maps to WAITING_EXTERNAL: the work is out of the
// engine's hands either way. LOST is a failure; UNKNOWN leaves the attempt
// where it is (callers should not transition on UNKNOWN).
func AttemptStatusForExternal(s ExternalStatus) (workflow.AttemptStatus, bool) {
	switch s {
	case ExternalPending:
		return workflow.AttemptWaitingExternal, true
	case ExternalRunning:
		return workflow.AttemptRunning, true
	case ExternalCompleted:
		return workflow.AttemptCompleted, true
	case ExternalFailed, ExternalLost:
		return workflow.AttemptFailed, true
	case ExternalCancelled:
		return workflow.AttemptCancelled, true
	}
	return "", false
}

// AttemptHandle is the operator-facing view of one attempt. The engine owns
// the database record; the handle carries what operators need to act.
type AttemptHandle struct {
	// AttemptID is the engine's attempt id.
	AttemptID string

	// TaskID is the owning task.
	TaskID string

	// OperatorKey is the canonical key the attempt dispatched to.
	OperatorKey string

	// ExternalID is the backend job or ticket id, empty until submit.
	ExternalID string

	// Status is the operator's last observed external status.
	Status ExternalStatus

	// Dir is the absolute attempt evidence directory.
	Dir string

	// RelativePath is Dir relative to the run root, as stored.
	RelativePath string

	// Data is operator-owned structured state, persisted with the attempt.
	Data OperatorData

	// Command, Env, Resources, and DownloadPatterns are carried over from
	// the task definition by the engine. They are inputs to prepare,
	// submit, and collect, not persisted attempt state.
	Command          string
	Env              map[string]string
	Resources        workflow.ResourceHints
	DownloadPatterns []string
}

// Result is the collected outcome of a completed attempt.
type Result struct {
	// Files maps output names to run-root-relative paths.
	Files map[string]string

	// Data is structured output parsed by the operator.
	Data map[string]any
}

// Operator runs attempts on some execution substrate. Implementations must
// be safe for use across ticks: every method takes the full handle and
// relies on no other in-process state, so an engine restart can resume
// polling from the database alone.
type Operator interface {
	// Prepare stages the attempt directory and returns a handle ready to
	// submit. It must not start any work.
	Prepare(ctx context.Context, run *workflow.RunHandle, task *workflow.Task, h *AttemptHandle) (*AttemptHandle, error)

	// Submit hands the prepared attempt to the external system. Submit is
	// idempotent: a handle that already carries an ExternalID returns
	// unchanged.
	Submit(ctx context.Context, run *workflow.RunHandle, h *AttemptHandle) (*AttemptHandle, error)

	// Poll refreshes the handle's Status from the external system.
	Poll(ctx context.Context, run *workflow.RunHandle, h *AttemptHandle) (*AttemptHandle, error)

	// Collect gathers outputs of a completed attempt.
	Collect(ctx context.Context, run *workflow.RunHandle, h *AttemptHandle) (*Result, error)

	// Cancel stops the external work if possible. Cancel is best effort
	// and idempotent.
	Cancel(ctx context.Context, run *workflow.RunHandle, h *AttemptHandle) error
}
