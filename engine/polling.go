package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/c360studio/matterstack/operator"
	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

// pollResult counts what a poll pass observed.
type pollResult struct {
	completed int
	failed    int
}

// pollAttempts refreshes every active attempt. The active set is read once
// at phase start; attempts dispatched later in the same tick are first
// polled next tick.
func (e *Engine) pollAttempts(ctx context.Context) (pollResult, error) {
	var res pollResult
	active, err := e.Store.ActiveAttempts(ctx, e.Run.RunID)
	if err != nil {
		return res, err
	}

	timeout, err := e.Config.EffectiveStuckTimeout()
	if err != nil {
		return res, err
	}

	for _, att := range active {
		switch {
		case att.Status == workflow.AttemptCreated:
			if age := e.clock().Sub(att.CreatedAt); age > timeout {
				msg := fmt.Sprintf("Stuck in CREATED; no external_id after %ds", int(age.Seconds()))
				if err := e.Store.MarkAttemptsFailedInit(ctx, []string{att.AttemptID}, msg); err != nil {
					return res, err
				}
				if err := e.healTask(ctx, att.TaskID, workflow.AttemptFailedInit, &msg); err != nil {
					return res, err
				}
				_ = e.Hooks.OnFail(ctx, e.attemptContext(att), msg)
				res.failed++
			}
			// Young CREATED attempts belong to a dispatch in flight (or
			// one that just died); the timeout decides which.

		case att.OperatorType == stubOperatorGate || att.OperatorType == stubOperatorExternal:
			// Stubs resolve from outside the engine; just heal the task.
			if err := e.healTask(ctx, att.TaskID, att.Status, nil); err != nil {
				return res, err
			}

		default:
			outcome, err := e.pollOne(ctx, att)
			if err != nil {
				e.Logger.Warn("Poll failed",
					slog.String("attempt_id", att.AttemptID),
					slog.String("error", err.Error()))
				continue
			}
			res.completed += outcome.completed
			res.failed += outcome.failed
		}
	}
	return res, nil
}

// pollOne refreshes a single submitted attempt from its operator.
func (e *Engine) pollOne(ctx context.Context, att *storage.AttemptRecord) (pollResult, error) {
	var res pollResult
	op, err := e.Operators.Get(att.OperatorType)
	if err != nil {
		return res, err
	}
	h, err := e.rehydrateHandle(ctx, att)
	if err != nil {
		return res, err
	}

	if h, err = op.Poll(ctx, e.Run, h); err != nil {
		return res, err
	}
	if h.Status == operator.ExternalUnknown {
		return res, nil
	}

	next, ok := operator.AttemptStatusForExternal(h.Status)
	if !ok || next == att.Status {
		// No transition; still heal task drift.
		return res, e.healTask(ctx, att.TaskID, att.Status, nil)
	}

	upd := storage.AttemptUpdate{Status: &next}
	var taskErr *string

	switch next {
	case workflow.AttemptCompleted:
		collected, err := op.Collect(ctx, e.Run, h)
		if err != nil {
			// Completion without collectable outputs is a failure: the
			// evidence is the point.
			failMsg := fmt.Sprintf("collect: %v", err)
			failed := workflow.AttemptFailed
			upd.Status = &failed
			upd.Error = &failMsg
			next = failed
			taskErr = &failMsg
		} else {
			h.Data.OutputFiles = collected.Files
			h.Data.OutputData = collected.Data
		}
	case workflow.AttemptFailed:
		msg := h.Data.Error
		if msg == "" {
			msg = "external execution failed"
		}
		upd.Error = &msg
		taskErr = &msg
	}

	dataJSON, err := operator.EncodeData(h.Data)
	if err != nil {
		return res, err
	}
	upd.OperatorDataJSON = &dataJSON

	if _, err := e.Store.UpdateAttempt(ctx, att.AttemptID, upd); err != nil {
		return res, err
	}
	if err := e.healTask(ctx, att.TaskID, next, taskErr); err != nil {
		return res, err
	}

	// Terminal-transition hooks fire exactly once, here.
	switch next {
	case workflow.AttemptCompleted:
		res.completed++
		_ = e.Hooks.OnComplete(ctx, e.attemptContext(att), true)
	case workflow.AttemptFailed:
		res.failed++
		failMsg := ""
		if taskErr != nil {
			failMsg = *taskErr
		}
		_ = e.Hooks.OnFail(ctx, e.attemptContext(att), failMsg)
	}
	return res, nil
}

// rehydrateHandle rebuilds an operator handle from the attempt and task
// records, so polling works in a process that never dispatched the
// attempt.
func (e *Engine) rehydrateHandle(ctx context.Context, att *storage.AttemptRecord) (*operator.AttemptHandle, error) {
	data, err := operator.DecodeData(att.OperatorDataJSON)
	if err != nil {
		return nil, fmt.Errorf("attempt %s operator data: %w", att.AttemptID, err)
	}
	h := &operator.AttemptHandle{
		AttemptID:   att.AttemptID,
		TaskID:      att.TaskID,
		OperatorKey: att.OperatorType,
		Data:        data,
	}
	if att.ExternalID != nil {
		h.ExternalID = *att.ExternalID
	}
	if att.ArtifactPath != nil && *att.ArtifactPath != "" {
		h.Dir = filepath.Join(e.Run.Root, *att.ArtifactPath)
		h.RelativePath = *att.ArtifactPath
	}
	if rec, err := e.Store.GetTask(ctx, att.TaskID); err == nil {
		if task, err := rec.Task(); err == nil {
			h.Command = task.Command
			h.Env = task.Env
			h.Resources = task.Resources
			h.DownloadPatterns = task.DownloadPatterns
		}
	}
	return h, nil
}

// pollLegacyExternalRuns heals tasks tracked by the legacy external_runs
// table. The rows themselves are never written; a legacy run finishes by
// its external system updating task state out of band.
func (e *Engine) pollLegacyExternalRuns(ctx context.Context) error {
	rows, err := e.Store.ActiveExternalRuns(ctx, e.Run.RunID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		rec, err := e.Store.GetTask(ctx, row.TaskID)
		if err != nil {
			continue
		}
		if rec.Status == workflow.TaskPending {
			if err := e.Store.UpdateTaskStatus(ctx, row.TaskID, workflow.TaskWaitingExternal, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
