package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/matterstack/workflow"
)

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, runID, campaignSlug string, status workflow.RunStatus, configJSON string) error {
	if configJSON == "" {
		configJSON = "{}"
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, campaign_slug, status, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, campaignSlug, status, configJSON, now, now)
	if err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var r RunRecord
	err := s.db.GetContext(ctx, &r, `SELECT * FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &r, nil
}

// GetRunStatus fetches just the run status.
func (s *Store) GetRunStatus(ctx context.Context, runID string) (workflow.RunStatus, error) {
	var status workflow.RunStatus
	err := s.db.GetContext(ctx, &status, `SELECT status FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get run status %s: %w", runID, err)
	}
	return status, nil
}

// SetRunStatus updates the run status, recording reason alongside it.
// An empty reason clears any previous one.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status workflow.RunStatus, reason string) error {
	var stored *string
	if reason != "" {
		stored = &reason
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, status_reason = ?, updated_at = ? WHERE run_id = ?`,
		status, stored, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("set run status %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// ActiveExternalRuns lists legacy external tracking rows that are still in
// flight. Read-only back-compat for runs created by older engines.
func (s *Store) ActiveExternalRuns(ctx context.Context, runID string) ([]*ExternalRunRecord, error) {
	var rows []*ExternalRunRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM external_runs
		WHERE run_id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
		ORDER BY external_run_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list external runs %s: %w", runID, err)
	}
	return rows, nil
}
