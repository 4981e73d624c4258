package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/matterstack/operator"
	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

// Stub operator types recorded on gate and external placeholder attempts.
const (
	stubOperatorGate     = "gate"
	stubOperatorExternal = "external"
)

// resolveOperatorKey applies the routing precedence: the task's explicit
// key, the reserved task env var, the legacy variant, the run default,
// then hpc.default.
func (e *Engine) resolveOperatorKey(t *workflow.Task) (string, error) {
	if t.OperatorKey != "" {
		return workflow.NormalizeOperatorKey(t.OperatorKey)
	}
	if env := t.Env[workflow.OperatorEnvVar]; env != "" {
		if key, ok := workflow.LegacyOperatorKey(env); ok {
			return key, nil
		}
		return workflow.NormalizeOperatorKey(env)
	}
	if t.Variant != "" {
		if key, ok := workflow.LegacyOperatorKey(t.Variant); ok {
			return key, nil
		}
		return "", fmt.Errorf("%w: unknown task variant %q", workflow.ErrInvalidOperatorKey, t.Variant)
	}
	if e.Config.DefaultOperator != "" {
		if key, ok := workflow.LegacyOperatorKey(e.Config.DefaultOperator); ok {
			return key, nil
		}
		return workflow.NormalizeOperatorKey(e.Config.DefaultOperator)
	}
	return "hpc.default", nil
}

// dispatchOutcome summarizes one dispatch for the tick counters.
type dispatchOutcome int

const (
	dispatchSubmitted dispatchOutcome = iota
	dispatchCompleted
	dispatchFailed
	dispatchDeferred
)

// dispatchTask moves one ready task into execution. Any error finalizes
// the attempt FAILED_INIT and the task FAILED; the tick carries on with
// the rest of the ready set.
func (e *Engine) dispatchTask(ctx context.Context, rec *storage.TaskRecord, counts map[string]int) (dispatchOutcome, error) {
	task, err := rec.Task()
	if err != nil {
		msg := err.Error()
		_ = e.Store.UpdateTaskStatus(ctx, rec.TaskID, workflow.TaskFailed, &msg)
		return dispatchFailed, nil
	}

	// Simulation mode: record success without any attempt row.
	if e.Config.Simulation() {
		if err := e.Store.UpdateTaskStatus(ctx, rec.TaskID, workflow.TaskCompleted, nil); err != nil {
			return dispatchFailed, err
		}
		e.Logger.Info("Simulated task completion",
			slog.String("run_id", e.Run.RunID), slog.String("task_id", rec.TaskID))
		return dispatchCompleted, nil
	}

	// Gate and external placeholders get stub attempts: evidence of the
	// wait, but no operator involvement.
	if task.Kind == workflow.KindGate || task.Kind == workflow.KindExternal {
		return e.dispatchStub(ctx, rec, task)
	}

	key, err := e.resolveOperatorKey(task)
	if err != nil {
		msg := err.Error()
		_ = e.Store.UpdateTaskStatus(ctx, rec.TaskID, workflow.TaskFailed, &msg)
		e.Logger.Warn("Cannot route task",
			slog.String("task_id", rec.TaskID), slog.String("error", msg))
		return dispatchFailed, nil
	}
	if limit := e.Operators.MaxConcurrent(key); limit > 0 && counts[key] >= limit {
		return dispatchDeferred, nil
	}
	if rec.OperatorKey == nil || *rec.OperatorKey != key {
		if err := e.Store.SetTaskOperatorKey(ctx, rec.TaskID, key); err != nil {
			return dispatchFailed, err
		}
	}

	att, err := e.Store.CreateAttempt(ctx, rec.TaskID, key, "")
	if err != nil {
		return dispatchFailed, err
	}
	_ = e.Hooks.OnCreate(ctx, e.attemptContext(att))

	op, err := e.Operators.Get(key)
	if err != nil {
		return e.failInit(ctx, att, err)
	}

	h := &operator.AttemptHandle{AttemptID: att.AttemptID, TaskID: rec.TaskID, OperatorKey: key}
	if h, err = op.Prepare(ctx, e.Run, task, h); err != nil {
		return e.failInit(ctx, att, fmt.Errorf("prepare: %w", err))
	}
	if h, err = op.Submit(ctx, e.Run, h); err != nil {
		return e.failInit(ctx, att, fmt.Errorf("submit: %w", err))
	}

	dataJSON, err := operator.EncodeData(h.Data)
	if err != nil {
		return e.failInit(ctx, att, fmt.Errorf("encode operator data: %w", err))
	}
	submitted := workflow.AttemptSubmitted
	if _, err := e.Store.UpdateAttempt(ctx, att.AttemptID, storage.AttemptUpdate{
		Status:           &submitted,
		ExternalID:       &h.ExternalID,
		ArtifactPath:     &h.RelativePath,
		OperatorDataJSON: &dataJSON,
	}); err != nil {
		return dispatchFailed, err
	}
	if err := e.Store.UpdateTaskStatus(ctx, rec.TaskID, workflow.TaskWaitingExternal, nil); err != nil {
		return dispatchFailed, err
	}
	counts[key]++
	_ = e.Hooks.OnSubmit(ctx, e.attemptContext(att), h.ExternalID)
	return dispatchSubmitted, nil
}

// dispatchStub records a WAITING_EXTERNAL attempt with a synthetic
// external id for gate and external tasks.
func (e *Engine) dispatchStub(ctx context.Context, rec *storage.TaskRecord, task *workflow.Task) (dispatchOutcome, error) {
	opType := stubOperatorGate
	prefix := "gate_"
	if task.Kind == workflow.KindExternal {
		opType = stubOperatorExternal
		prefix = "ext_"
	}

	att, err := e.Store.CreateAttempt(ctx, rec.TaskID, opType, "")
	if err != nil {
		return dispatchFailed, err
	}
	_ = e.Hooks.OnCreate(ctx, e.attemptContext(att))

	waiting := workflow.AttemptWaitingExternal
	externalID := prefix + att.AttemptID
	if _, err := e.Store.UpdateAttempt(ctx, att.AttemptID, storage.AttemptUpdate{
		Status:     &waiting,
		ExternalID: &externalID,
	}); err != nil {
		return dispatchFailed, err
	}
	if err := e.Store.UpdateTaskStatus(ctx, rec.TaskID, workflow.TaskWaitingExternal, nil); err != nil {
		return dispatchFailed, err
	}
	_ = e.Hooks.OnSubmit(ctx, e.attemptContext(att), externalID)
	e.Logger.Info("Parked task for external resolution",
		slog.String("task_id", rec.TaskID),
		slog.String("external_id", externalID))
	return dispatchSubmitted, nil
}

// failInit finalizes an attempt that never reached its external system.
func (e *Engine) failInit(ctx context.Context, att *storage.AttemptRecord, cause error) (dispatchOutcome, error) {
	msg := cause.Error()
	failed := workflow.AttemptFailedInit
	if _, err := e.Store.UpdateAttempt(ctx, att.AttemptID, storage.AttemptUpdate{
		Status: &failed,
		Error:  &msg,
	}); err != nil {
		return dispatchFailed, err
	}
	if err := e.Store.UpdateTaskStatus(ctx, att.TaskID, workflow.TaskFailed, &msg); err != nil {
		return dispatchFailed, err
	}
	_ = e.Hooks.OnFail(ctx, e.attemptContext(att), msg)
	e.Logger.Warn("Dispatch failed",
		slog.String("task_id", att.TaskID),
		slog.String("attempt_id", att.AttemptID),
		slog.String("error", msg))
	return dispatchFailed, nil
}
