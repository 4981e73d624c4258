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

// AttemptUpdate is a partial update of a non-terminal attempt. Nil fields
// are left unchanged.
type AttemptUpdate struct {
	Status           *workflow.AttemptStatus
	ExternalID       *string
	ArtifactPath     *string
	OperatorDataJSON *string
	Error            *string
}

// CreateAttempt appends a new attempt for the task in CREATED status and
// points tasks.current_attempt_id at it. The index is allocated as
// max(existing)+1 inside the transaction so concurrent engines cannot
// collide, and the unique constraint backstops the invariant anyway.
// Creating while a non-terminal attempt exists returns
// ErrActiveAttemptExists.
func (s *Store) CreateAttempt(ctx context.Context, taskID, operatorKey, artifactPath string) (*AttemptRecord, error) {
	rec := &AttemptRecord{
		AttemptID:        workflow.NewID("attempt"),
		TaskID:           taskID,
		Status:           workflow.AttemptCreated,
		OperatorType:     operatorKey,
		OperatorDataJSON: "{}",
		CreatedAt:        time.Now().UTC(),
	}
	if artifactPath != "" {
		rec.ArtifactPath = &artifactPath
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists,
			`SELECT COUNT(1) FROM tasks WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("check task %s: %w", taskID, err)
		}
		if exists == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}

		var active int
		if err := tx.GetContext(ctx, &active, `
			SELECT COUNT(1) FROM task_attempts
			WHERE task_id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'FAILED_INIT', 'CANCELLED')`,
			taskID); err != nil {
			return fmt.Errorf("count active attempts %s: %w", taskID, err)
		}
		if active > 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrActiveAttemptExists)
		}

		var maxIndex sql.NullInt64
		if err := tx.GetContext(ctx, &maxIndex,
			`SELECT MAX(attempt_index) FROM task_attempts WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("max attempt index %s: %w", taskID, err)
		}
		rec.AttemptIndex = int(maxIndex.Int64) + 1

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO task_attempts (
				attempt_id, task_id, attempt_index, status, operator_type,
				external_id, artifact_path, operator_data_json, error,
				created_at, submitted_at, ended_at
			) VALUES (
				:attempt_id, :task_id, :attempt_index, :status, :operator_type,
				:external_id, :artifact_path, :operator_data_json, :error,
				:created_at, :submitted_at, :ended_at
			)`, rec); err != nil {
			return fmt.Errorf("insert attempt for %s: %w", taskID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET current_attempt_id = ?, updated_at = ? WHERE task_id = ?`,
			rec.AttemptID, rec.CreatedAt, taskID); err != nil {
			return fmt.Errorf("point current attempt %s: %w", taskID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetAttempt fetches one attempt by id.
func (s *Store) GetAttempt(ctx context.Context, attemptID string) (*AttemptRecord, error) {
	var r AttemptRecord
	err := s.db.GetContext(ctx, &r, `SELECT * FROM task_attempts WHERE attempt_id = ?`, attemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt %s: %w", attemptID, err)
	}
	return &r, nil
}

// GetCurrentAttempt returns the attempt with the highest index for the
// task, or ErrNotFound if the task has none. Index order is authoritative;
// the current_attempt_id pointer is only a convenience.
func (s *Store) GetCurrentAttempt(ctx context.Context, taskID string) (*AttemptRecord, error) {
	var r AttemptRecord
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM task_attempts WHERE task_id = ?
		ORDER BY attempt_index DESC LIMIT 1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attempts of %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("current attempt %s: %w", taskID, err)
	}
	return &r, nil
}

// ListAttempts returns every attempt of a task ordered by index.
func (s *Store) ListAttempts(ctx context.Context, taskID string) ([]*AttemptRecord, error) {
	var rows []*AttemptRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM task_attempts WHERE task_id = ? ORDER BY attempt_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts %s: %w", taskID, err)
	}
	return rows, nil
}

// UpdateAttempt applies a partial update to a non-terminal attempt.
// Timestamps follow the lifecycle: submitted_at is stamped on the first
// departure from CREATED, ended_at when the attempt turns terminal.
// Updating a terminal attempt returns ErrAttemptFinal.
func (s *Store) UpdateAttempt(ctx context.Context, attemptID string, upd AttemptUpdate) (*AttemptRecord, error) {
	var out *AttemptRecord
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var r AttemptRecord
		err := tx.GetContext(ctx, &r, `SELECT * FROM task_attempts WHERE attempt_id = ?`, attemptID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get attempt %s: %w", attemptID, err)
		}
		if r.Status.Terminal() {
			return fmt.Errorf("attempt %s (%s): %w", attemptID, r.Status, ErrAttemptFinal)
		}

		now := time.Now().UTC()
		prevStatus := r.Status
		if upd.Status != nil {
			r.Status = *upd.Status
		}
		if upd.ExternalID != nil {
			r.ExternalID = upd.ExternalID
		}
		if upd.ArtifactPath != nil {
			r.ArtifactPath = upd.ArtifactPath
		}
		if upd.OperatorDataJSON != nil {
			r.OperatorDataJSON = *upd.OperatorDataJSON
		}
		if upd.Error != nil {
			r.Error = upd.Error
		}
		if prevStatus == workflow.AttemptCreated && r.Status != workflow.AttemptCreated && r.SubmittedAt == nil {
			r.SubmittedAt = &now
		}
		if r.Status.Terminal() && r.EndedAt == nil {
			r.EndedAt = &now
		}

		if _, err := tx.NamedExecContext(ctx, `
			UPDATE task_attempts SET
				status = :status,
				external_id = :external_id,
				artifact_path = :artifact_path,
				operator_data_json = :operator_data_json,
				error = :error,
				submitted_at = :submitted_at,
				ended_at = :ended_at
			WHERE attempt_id = :attempt_id`, &r); err != nil {
			return fmt.Errorf("update attempt %s: %w", attemptID, err)
		}
		out = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveAttempts lists every non-terminal attempt across the run's tasks.
func (s *Store) ActiveAttempts(ctx context.Context, runID string) ([]*AttemptRecord, error) {
	var rows []*AttemptRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.* FROM task_attempts a
		JOIN tasks t ON t.task_id = a.task_id
		WHERE t.run_id = ?
		  AND a.status NOT IN ('COMPLETED', 'FAILED', 'FAILED_INIT', 'CANCELLED')
		ORDER BY a.created_at, a.attempt_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list active attempts %s: %w", runID, err)
	}
	return rows, nil
}

// CountActiveAttemptsByOperator counts in-flight attempts per operator key
// for concurrency capping.
func (s *Store) CountActiveAttemptsByOperator(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT a.operator_type, COUNT(1) FROM task_attempts a
		JOIN tasks t ON t.task_id = a.task_id
		WHERE t.run_id = ?
		  AND a.status NOT IN ('COMPLETED', 'FAILED', 'FAILED_INIT', 'CANCELLED')
		GROUP BY a.operator_type`, runID)
	if err != nil {
		return nil, fmt.Errorf("count active attempts %s: %w", runID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan attempt counts: %w", err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// FindOrphanedAttempts returns active attempts that are no longer the
// current attempt of their task. These appear when an engine died between
// creating a replacement attempt and finalizing the old one.
func (s *Store) FindOrphanedAttempts(ctx context.Context, runID string) ([]*AttemptRecord, error) {
	var rows []*AttemptRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.* FROM task_attempts a
		JOIN tasks t ON t.task_id = a.task_id
		WHERE t.run_id = ?
		  AND a.status NOT IN ('COMPLETED', 'FAILED', 'FAILED_INIT', 'CANCELLED')
		  AND a.attempt_id <> COALESCE(t.current_attempt_id, '')
		ORDER BY a.created_at, a.attempt_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("find orphaned attempts %s: %w", runID, err)
	}
	return rows, nil
}

// FindStuckCreatedAttempts returns attempts still in CREATED with no
// external id whose created_at is before cutoff. These are dispatches
// that died between creating the record and reaching the backend.
func (s *Store) FindStuckCreatedAttempts(ctx context.Context, runID string, cutoff time.Time) ([]*AttemptRecord, error) {
	var rows []*AttemptRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.* FROM task_attempts a
		JOIN tasks t ON t.task_id = a.task_id
		WHERE t.run_id = ?
		  AND a.status = 'CREATED'
		  AND a.external_id IS NULL
		  AND a.created_at < ?
		ORDER BY a.created_at, a.attempt_id`, runID, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("find stuck attempts %s: %w", runID, err)
	}
	return rows, nil
}

// MarkAttemptsFailedInit finalizes the given attempts as FAILED_INIT with
// the given reason. Already-terminal attempts are skipped.
func (s *Store) MarkAttemptsFailedInit(ctx context.Context, attemptIDs []string, reason string) error {
	status := workflow.AttemptFailedInit
	for _, id := range attemptIDs {
		_, err := s.UpdateAttempt(ctx, id, AttemptUpdate{Status: &status, Error: &reason})
		if err != nil && !errors.Is(err, ErrAttemptFinal) {
			return err
		}
	}
	return nil
}
