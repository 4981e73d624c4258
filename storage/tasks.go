package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/c360studio/matterstack/workflow"
)

// AddWorkflow inserts every task of the workflow in one transaction, in
// topological order. A duplicate task id fails the whole batch with
// ErrTaskExists and nothing is inserted.
func (s *Store) AddWorkflow(ctx context.Context, runID string, w *workflow.Workflow) error {
	ordered, err := w.Sorted()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, t := range ordered {
			var exists int
			if err := tx.GetContext(ctx, &exists,
				`SELECT COUNT(1) FROM tasks WHERE task_id = ?`, t.ID); err != nil {
				return fmt.Errorf("check task %s: %w", t.ID, err)
			}
			if exists > 0 {
				return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
			}
			rec, err := newTaskRecord(runID, w.ID, t, now)
			if err != nil {
				return fmt.Errorf("serialize task %s: %w", t.ID, err)
			}
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO tasks (
					task_id, run_id, workflow_id, kind, status, operator_key, variant,
					image, command, files_json, env_json, dependencies_json,
					download_patterns_json, resources_json, gate_json, external_json,
					allow_failure, allow_dependency_failure,
					error, current_attempt_id, created_at, updated_at
				) VALUES (
					:task_id, :run_id, :workflow_id, :kind, :status, :operator_key, :variant,
					:image, :command, :files_json, :env_json, :dependencies_json,
					:download_patterns_json, :resources_json, :gate_json, :external_json,
					:allow_failure, :allow_dependency_failure,
					:error, :current_attempt_id, :created_at, :updated_at
				)`, rec); err != nil {
				return fmt.Errorf("insert task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// GetTasks lists all task records of a run in creation order.
func (s *Store) GetTasks(ctx context.Context, runID string) ([]*TaskRecord, error) {
	var rows []*TaskRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM tasks WHERE run_id = ? ORDER BY created_at, task_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks %s: %w", runID, err)
	}
	return rows, nil
}

// GetTask fetches one task record.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var r TaskRecord
	err := s.db.GetContext(ctx, &r, `SELECT * FROM tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &r, nil
}

// UpdateTaskStatus sets a task's status, optionally recording an error
// message. Passing errMsg == nil leaves the stored error untouched; an
// empty string clears it.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status workflow.TaskStatus, errMsg *string) error {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UTC()
	if errMsg == nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
			status, now, taskID)
	} else if *errMsg == "" {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = NULL, updated_at = ? WHERE task_id = ?`,
			status, now, taskID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE task_id = ?`,
			status, *errMsg, now, taskID)
	}
	if err != nil {
		return fmt.Errorf("update task status %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// SetTaskOperatorKey persists the resolved operator key for a task.
func (s *Store) SetTaskOperatorKey(ctx context.Context, taskID, key string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET operator_key = ?, updated_at = ? WHERE task_id = ?`,
		key, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set operator key %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}
