package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

// ErrAttemptNotActive is returned when attempt-level control targets an
// already-terminal attempt.
var ErrAttemptNotActive = errors.New("attempt is not active")

// ErrActiveAttempt is returned when rerun would discard a live attempt
// without --force.
var ErrActiveAttempt = errors.New("task has an active attempt; use force to cancel it")

// Cancel ends the run: every active attempt is cancelled (best effort at
// the operator, authoritatively in the store) and the run goes CANCELLED.
func (e *Engine) Cancel(ctx context.Context) error {
	active, err := e.Store.ActiveAttempts(ctx, e.Run.RunID)
	if err != nil {
		return err
	}
	for _, att := range active {
		if err := e.cancelAttempt(ctx, att); err != nil {
			e.Logger.Warn("Cancel attempt failed",
				slog.String("attempt_id", att.AttemptID),
				slog.String("error", err.Error()))
		}
	}
	return e.Store.SetRunStatus(ctx, e.Run.RunID, workflow.RunCancelled, "cancelled by operator")
}

// Pause suspends stepping. Only RUNNING runs pause; anything else is left
// alone with ok=false.
func (e *Engine) Pause(ctx context.Context) (bool, error) {
	status, err := e.Store.GetRunStatus(ctx, e.Run.RunID)
	if err != nil {
		return false, err
	}
	if status != workflow.RunRunning {
		return false, nil
	}
	return true, e.Store.SetRunStatus(ctx, e.Run.RunID, workflow.RunPaused, "")
}

// Resume continues a PAUSED run. Anything else is a no-op with ok=false.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	status, err := e.Store.GetRunStatus(ctx, e.Run.RunID)
	if err != nil {
		return false, err
	}
	if status != workflow.RunPaused {
		return false, nil
	}
	return true, e.Store.SetRunStatus(ctx, e.Run.RunID, workflow.RunRunning, "")
}

// Revive returns a terminal run to RUNNING so tasks can be rerun.
// Non-terminal runs are a no-op with ok=false.
func (e *Engine) Revive(ctx context.Context) (bool, error) {
	status, err := e.Store.GetRunStatus(ctx, e.Run.RunID)
	if err != nil {
		return false, err
	}
	if !status.Terminal() {
		return false, nil
	}
	return true, e.Store.SetRunStatus(ctx, e.Run.RunID, workflow.RunRunning, "")
}

// RerunOptions configure Rerun.
type RerunOptions struct {
	// Force cancels a live attempt instead of refusing.
	Force bool

	// Recursive also resets every transitive dependent of the task.
	Recursive bool
}

// Rerun resets a task to PENDING so the next tick dispatches a fresh
// attempt. A live attempt blocks the rerun unless forced. With Recursive,
// downstream dependents reset too, in dependency order. Returns the ids
// of every task reset.
func (e *Engine) Rerun(ctx context.Context, taskID string, opts RerunOptions) ([]string, error) {
	targets := []string{taskID}
	if opts.Recursive {
		dependents, err := e.transitiveDependents(ctx, taskID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, dependents...)
	}

	// Refuse before touching anything.
	for _, id := range targets {
		att, err := e.Store.GetCurrentAttempt(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if att.Status.Active() && !opts.Force {
			return nil, fmt.Errorf("task %s: %w", id, ErrActiveAttempt)
		}
	}

	empty := ""
	for _, id := range targets {
		att, err := e.Store.GetCurrentAttempt(ctx, id)
		if err == nil && att.Status.Active() {
			if err := e.cancelAttempt(ctx, att); err != nil {
				return nil, err
			}
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err := e.Store.UpdateTaskStatus(ctx, id, workflow.TaskPending, &empty); err != nil {
			return nil, err
		}
		e.Logger.Info("Reset task for rerun",
			slog.String("run_id", e.Run.RunID), slog.String("task_id", id))
	}
	return targets, nil
}

// CancelAttempt cancels one active attempt without resetting its task.
func (e *Engine) CancelAttempt(ctx context.Context, attemptID string) error {
	att, err := e.Store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if att.Status.Terminal() {
		return fmt.Errorf("attempt %s (%s): %w", attemptID, att.Status, ErrAttemptNotActive)
	}
	return e.cancelAttempt(ctx, att)
}

// ResolveStub finalizes a gate or external placeholder attempt from the
// outside world's verdict.
func (e *Engine) ResolveStub(ctx context.Context, attemptID string, success bool, note string) error {
	att, err := e.Store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if att.OperatorType != stubOperatorGate && att.OperatorType != stubOperatorExternal {
		return fmt.Errorf("attempt %s is %s, not a gate or external placeholder", attemptID, att.OperatorType)
	}
	if att.Status.Terminal() {
		return fmt.Errorf("attempt %s (%s): %w", attemptID, att.Status, ErrAttemptNotActive)
	}

	status := workflow.AttemptCompleted
	var taskErr *string
	upd := storage.AttemptUpdate{Status: &status}
	if !success {
		status = workflow.AttemptFailed
		if note == "" {
			note = "resolved as failed"
		}
		upd.Error = &note
		taskErr = &note
	}
	if _, err := e.Store.UpdateAttempt(ctx, attemptID, upd); err != nil {
		return err
	}
	if err := e.healTask(ctx, att.TaskID, status, taskErr); err != nil {
		return err
	}
	if success {
		_ = e.Hooks.OnComplete(ctx, e.attemptContext(att), true)
	} else {
		_ = e.Hooks.OnFail(ctx, e.attemptContext(att), note)
	}
	return nil
}

// FindCleanupCandidates lists attempts a cleanup would repair: attempts
// stuck in CREATED with no external id for longer than olderThan, plus
// active attempts displaced from being their task's current attempt by an
// engine crash.
func (e *Engine) FindCleanupCandidates(ctx context.Context, olderThan time.Duration) (stuck, orphaned []*storage.AttemptRecord, err error) {
	cutoff := e.clock().Add(-olderThan)
	stuck, err = e.Store.FindStuckCreatedAttempts(ctx, e.Run.RunID, cutoff)
	if err != nil {
		return nil, nil, err
	}
	orphaned, err = e.Store.FindOrphanedAttempts(ctx, e.Run.RunID)
	if err != nil {
		return nil, nil, err
	}
	return stuck, orphaned, nil
}

// CleanupOrphans finalizes stuck and orphaned attempts as FAILED_INIT and
// returns how many it repaired. Tasks behind stuck attempts go FAILED;
// displaced attempts leave their task alone, it already tracks a newer
// attempt.
func (e *Engine) CleanupOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, orphaned, err := e.FindCleanupCandidates(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	for _, att := range stuck {
		msg := fmt.Sprintf("Stuck in CREATED; no external_id after %s", olderThan)
		if err := e.Store.MarkAttemptsFailedInit(ctx, []string{att.AttemptID}, msg); err != nil {
			return 0, err
		}
		if err := e.healTask(ctx, att.TaskID, workflow.AttemptFailedInit, &msg); err != nil {
			return 0, err
		}
	}

	if len(orphaned) > 0 {
		ids := make([]string, len(orphaned))
		for i, att := range orphaned {
			ids[i] = att.AttemptID
		}
		if err := e.Store.MarkAttemptsFailedInit(ctx, ids, "orphaned by engine restart"); err != nil {
			return 0, err
		}
	}

	repaired := len(stuck) + len(orphaned)
	if repaired > 0 {
		e.Logger.Info("Repaired orphaned attempts",
			slog.String("run_id", e.Run.RunID),
			slog.Int("stuck", len(stuck)),
			slog.Int("displaced", len(orphaned)))
	}
	return repaired, nil
}

// cancelAttempt cancels at the operator (best effort for stubs and
// unknown operators) and finalizes the record.
func (e *Engine) cancelAttempt(ctx context.Context, att *storage.AttemptRecord) error {
	if op, err := e.Operators.Get(att.OperatorType); err == nil {
		if h, herr := e.rehydrateHandle(ctx, att); herr == nil {
			if cerr := op.Cancel(ctx, e.Run, h); cerr != nil {
				e.Logger.Warn("Operator cancel failed",
					slog.String("attempt_id", att.AttemptID),
					slog.String("error", cerr.Error()))
			}
		}
	}
	cancelled := workflow.AttemptCancelled
	if _, err := e.Store.UpdateAttempt(ctx, att.AttemptID, storage.AttemptUpdate{Status: &cancelled}); err != nil {
		if errors.Is(err, storage.ErrAttemptFinal) {
			return nil
		}
		return err
	}
	return e.healTask(ctx, att.TaskID, cancelled, nil)
}

// transitiveDependents returns every task downstream of taskID, in
// dependency order.
func (e *Engine) transitiveDependents(ctx context.Context, taskID string) ([]string, error) {
	tasks, err := e.Store.GetTasks(ctx, e.Run.RunID)
	if err != nil {
		return nil, err
	}
	dependents := make(map[string][]string)
	for _, rec := range tasks {
		task, err := rec.Task()
		if err != nil {
			return nil, err
		}
		for _, dep := range task.Dependencies {
			dependents[dep] = append(dependents[dep], rec.TaskID)
		}
	}

	seen := map[string]bool{taskID: true}
	var out []string
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range dependents[id] {
			if !seen[child] {
				seen[child] = true
				out = append(out, child)
				queue = append(queue, child)
			}
		}
	}
	return out, nil
}
