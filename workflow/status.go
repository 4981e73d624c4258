package workflow

// RunStatus is the lifecycle state of a campaign run.
type RunStatus string

// Run statuses.
const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunPaused    RunStatus = "PAUSED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the run has reached a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunPaused, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// TaskStatus is the current intent state of a task. It is always derivable
// from the task's most recent attempt; the engine heals any divergence.
type TaskStatus string

// Task statuses.
const (
	TaskPending         TaskStatus = "PENDING"
	TaskRunning         TaskStatus = "RUNNING"
	TaskWaitingExternal TaskStatus = "WAITING_EXTERNAL"
	TaskCompleted       TaskStatus = "COMPLETED"
	TaskFailed          TaskStatus = "FAILED"
	TaskCancelled       TaskStatus = "CANCELLED"
	TaskSkipped         TaskStatus = "SKIPPED"
)

// Terminal reports whether the task has reached a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskWaitingExternal, TaskCompleted,
		TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// AttemptStatus is the lifecycle state of a single task attempt.
// Attempts are append-only evidence: once terminal they never change.
type AttemptStatus string

// Attempt statuses.
const (
	AttemptCreated         AttemptStatus = "CREATED"
	AttemptSubmitted       AttemptStatus = "SUBMITTED"
	AttemptRunning         AttemptStatus = "RUNNING"
	AttemptWaitingExternal AttemptStatus = "WAITING_EXTERNAL"
	AttemptCompleted       AttemptStatus = "COMPLETED"
	AttemptFailed          AttemptStatus = "FAILED"
	AttemptFailedInit      AttemptStatus = "FAILED_INIT"
	AttemptCancelled       AttemptStatus = "CANCELLED"
)

// Terminal reports whether the attempt has reached a final state.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptFailedInit, AttemptCancelled:
		return true
	}
	return false
}

// Active reports whether the attempt is still in flight.
func (s AttemptStatus) Active() bool { return !s.Terminal() }

// Valid reports whether s is a known attempt status.
func (s AttemptStatus) Valid() bool {
	switch s {
	case AttemptCreated, AttemptSubmitted, AttemptRunning, AttemptWaitingExternal,
		AttemptCompleted, AttemptFailed, AttemptFailedInit, AttemptCancelled:
		return true
	}
	return false
}

// TaskStatusForAttempt maps an attempt status to the task status it implies.
// FAILED_INIT collapses to FAILED at the task level; a freshly created
// attempt leaves the task PENDING until submission succeeds.
func TaskStatusForAttempt(s AttemptStatus) TaskStatus {
	switch s {
	case AttemptCreated:
		return TaskPending
	case AttemptSubmitted:
		return TaskWaitingExternal
	case AttemptRunning:
		return TaskRunning
	case AttemptWaitingExternal:
		return TaskWaitingExternal
	case AttemptCompleted:
		return TaskCompleted
	case AttemptFailed, AttemptFailedInit:
		return TaskFailed
	case AttemptCancelled:
		return TaskCancelled
	}
	return TaskPending
}
