package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

// TickSummary counts what one step observed and did.
type TickSummary struct {
	Ready     int
	Submitted int
	Completed int
	Failed    int
	Active    int
}

// Step advances the run by one tick: gate on run status, poll active
// attempts, heal task state, dispatch ready tasks within concurrency
// budgets, and analyze-and-replan when a round has drained. It returns
// the run status after the tick.
func (e *Engine) Step(ctx context.Context) (workflow.RunStatus, error) {
	status, err := e.Store.GetRunStatus(ctx, e.Run.RunID)
	if err != nil {
		return "", err
	}
	switch {
	case status == workflow.RunPaused:
		// A paused run skips the whole tick, polling included.
		return status, nil
	case status.Terminal():
		return status, nil
	case status == workflow.RunPending:
		if err := e.Store.SetRunStatus(ctx, e.Run.RunID, workflow.RunRunning, ""); err != nil {
			return "", err
		}
	}

	var summary TickSummary

	polled, err := e.pollAttempts(ctx)
	if err != nil {
		return "", err
	}
	summary.Completed += polled.completed
	summary.Failed += polled.failed

	if err := e.pollLegacyExternalRuns(ctx); err != nil {
		return "", err
	}

	tasks, err := e.Store.GetTasks(ctx, e.Run.RunID)
	if err != nil {
		return "", err
	}
	inFlight, err := e.Store.ActiveAttempts(ctx, e.Run.RunID)
	if err != nil {
		return "", err
	}
	activeTasks := make(map[string]bool, len(inFlight))
	for _, att := range inFlight {
		activeTasks[att.TaskID] = true
	}
	ready, skipped, err := readyTasks(tasks, activeTasks)
	if err != nil {
		return "", err
	}
	for taskID, reason := range skipped {
		reason := reason
		if err := e.Store.UpdateTaskStatus(ctx, taskID, workflow.TaskSkipped, &reason); err != nil {
			return "", err
		}
		e.Logger.Info("Task skipped",
			slog.String("run_id", e.Run.RunID),
			slog.String("task_id", taskID),
			slog.String("reason", reason))
	}
	summary.Ready = len(ready)

	counts, err := e.Store.CountActiveAttemptsByOperator(ctx, e.Run.RunID)
	if err != nil {
		return "", err
	}
	budget := e.dispatchBudget(counts)

	for _, rec := range ready {
		if budget <= 0 {
			break
		}
		outcome, err := e.dispatchTask(ctx, rec, counts)
		if err != nil {
			return "", err
		}
		switch outcome {
		case dispatchSubmitted:
			summary.Submitted++
			budget--
		case dispatchCompleted:
			summary.Completed++
		case dispatchFailed:
			summary.Failed++
		case dispatchDeferred:
			// Per-operator cap reached; the task stays ready for a
			// later tick without consuming run budget.
		}
	}

	done, failed, err := e.roundDrained(ctx)
	if err != nil {
		return "", err
	}
	if done {
		if failed {
			// An unforgiven failure ends the run without consulting the
			// campaign for another round.
			e.Logger.Info("Run failed",
				slog.String("run_id", e.Run.RunID),
				slog.String("reason", runFailedReason))
			if err := e.Store.SetRunStatus(ctx, e.Run.RunID, workflow.RunFailed, runFailedReason); err != nil {
				return "", err
			}
			return workflow.RunFailed, nil
		}
		if err := e.analyzeAndReplan(ctx); err != nil {
			return "", err
		}
	}

	active, err := e.Store.ActiveAttempts(ctx, e.Run.RunID)
	if err != nil {
		return "", err
	}
	summary.Active = len(active)

	e.Logger.Info("Tick summary",
		slog.String("run_id", e.Run.RunID),
		slog.Int("ready", summary.Ready),
		slog.Int("submitted", summary.Submitted),
		slog.Int("completed", summary.Completed),
		slog.Int("failed", summary.Failed),
		slog.Int("active", summary.Active))

	return e.Store.GetRunStatus(ctx, e.Run.RunID)
}

// dispatchBudget computes how many new attempts this tick may start:
// the run cap minus active attempts, further bounded by the wiring-wide
// cap when one is set.
func (e *Engine) dispatchBudget(counts map[string]int) int {
	totalActive := 0
	for _, n := range counts {
		totalActive += n
	}
	budget := e.Config.EffectiveMaxJobs() - totalActive
	if global := e.Operators.MaxConcurrentGlobal(); global > 0 {
		if room := global - totalActive; room < budget {
			budget = room
		}
	}
	if budget < 0 {
		return 0
	}
	return budget
}

// runFailedReason is recorded on the run when an unforgiven task failure
// ends it.
const runFailedReason = "Workflow tasks failed"

// readyTasks selects PENDING tasks with no in-flight attempt whose
// dependencies are satisfied: a dependency counts as satisfied when it is
// COMPLETED, when it does not exist in this run (campaigns chain rounds by
// referencing tasks from earlier workflows), or when it ended badly but
// the task sets allow_dependency_failure. A PENDING task behind a FAILED,
// CANCELLED, or SKIPPED dependency without that flag is returned in the
// skipped map with the reason; skips cascade within the pass.
func readyTasks(tasks []*storage.TaskRecord, activeTasks map[string]bool) ([]*storage.TaskRecord, map[string]string, error) {
	statusByID := make(map[string]workflow.TaskStatus, len(tasks))
	for _, rec := range tasks {
		statusByID[rec.TaskID] = rec.Status
	}

	var ready []*storage.TaskRecord
	skipped := make(map[string]string)
	for _, rec := range tasks {
		if rec.Status != workflow.TaskPending || activeTasks[rec.TaskID] {
			continue
		}
		var deps []string
		if rec.DependenciesJSON != "" {
			if err := json.Unmarshal([]byte(rec.DependenciesJSON), &deps); err != nil {
				return nil, nil, err
			}
		}
		satisfied := true
		for _, dep := range deps {
			depStatus, inRun := statusByID[dep]
			if !inRun || depStatus == workflow.TaskCompleted {
				continue
			}
			if depStatus.Terminal() && rec.AllowDependencyFailure {
				continue
			}
			satisfied = false
			if depStatus.Terminal() {
				skipped[rec.TaskID] = fmt.Sprintf("dependency %s ended %s", dep, depStatus)
				statusByID[rec.TaskID] = workflow.TaskSkipped
			}
			break
		}
		if satisfied {
			ready = append(ready, rec)
		}
	}
	return ready, skipped, nil
}

// roundDrained reports whether every task is terminal and, if so, whether
// any ended FAILED or CANCELLED without allow_failure set.
func (e *Engine) roundDrained(ctx context.Context) (bool, bool, error) {
	tasks, err := e.Store.GetTasks(ctx, e.Run.RunID)
	if err != nil {
		return false, false, err
	}
	failed := false
	for _, rec := range tasks {
		if !rec.Status.Terminal() {
			return false, false, nil
		}
		switch rec.Status {
		case workflow.TaskFailed, workflow.TaskCancelled:
			if !rec.AllowFailure {
				failed = true
			}
		}
	}
	return true, failed, nil
}
