package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/matterstack/workflow"
)

func finishAttempt(t *testing.T, s *Store, attemptID string, status workflow.AttemptStatus) {
	t.Helper()
	_, err := s.UpdateAttempt(context.Background(), attemptID, AttemptUpdate{Status: &status})
	require.NoError(t, err)
}

func TestCreateAttemptIndexing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run_1", &workflow.Task{ID: "relax", Command: "vasp"})

	a1, err := s.CreateAttempt(ctx, "relax", "hpc.default", "tasks/relax/attempts/x")
	require.NoError(t, err)
	assert.Equal(t, 1, a1.AttemptIndex)
	assert.Equal(t, workflow.AttemptCreated, a1.Status)

	// A second attempt is refused while the first is active.
	_, err = s.CreateAttempt(ctx, "relax", "hpc.default", "")
	assert.ErrorIs(t, err, ErrActiveAttemptExists)

	finishAttempt(t, s, a1.AttemptID, workflow.AttemptFailed)

	a2, err := s.CreateAttempt(ctx, "relax", "hpc.default", "")
	require.NoError(t, err)
	assert.Equal(t, 2, a2.AttemptIndex)

	// current_attempt_id follows the latest attempt.
	rec, err := s.GetTask(ctx, "relax")
	require.NoError(t, err)
	require.NotNil(t, rec.CurrentAttemptID)
	assert.Equal(t, a2.AttemptID, *rec.CurrentAttemptID)

	cur, err := s.GetCurrentAttempt(ctx, "relax")
	require.NoError(t, err)
	assert.Equal(t, a2.AttemptID, cur.AttemptID)

	all, err := s.ListAttempts(ctx, "relax")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].AttemptIndex)
	assert.Equal(t, 2, all[1].AttemptIndex)
}

func TestCreateAttemptUnknownTask(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run_1")
	_, err := s.CreateAttempt(context.Background(), "nope", "hpc.default", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAttemptLifecycleTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run_1", &workflow.Task{ID: "relax", Command: "vasp"})

	a, err := s.CreateAttempt(ctx, "relax", "hpc.default", "")
	require.NoError(t, err)
	assert.Nil(t, a.SubmittedAt)
	assert.Nil(t, a.EndedAt)

	submitted := workflow.AttemptSubmitted
	extID := "slurm-42"
	a, err = s.UpdateAttempt(ctx, a.AttemptID, AttemptUpdate{Status: &submitted, ExternalID: &extID})
	require.NoError(t, err)
	require.NotNil(t, a.SubmittedAt)
	assert.Nil(t, a.EndedAt)
	require.NotNil(t, a.ExternalID)
	assert.Equal(t, "slurm-42", *a.ExternalID)
	firstSubmit := *a.SubmittedAt

	running := workflow.AttemptRunning
	a, err = s.UpdateAttempt(ctx, a.AttemptID, AttemptUpdate{Status: &running})
	require.NoError(t, err)
	// submitted_at stamps once, on the first departure from CREATED.
	assert.Equal(t, firstSubmit, *a.SubmittedAt)

	done := workflow.AttemptCompleted
	a, err = s.UpdateAttempt(ctx, a.AttemptID, AttemptUpdate{Status: &done})
	require.NoError(t, err)
	require.NotNil(t, a.EndedAt)
}

func TestUpdateAttemptTerminalImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run_1", &workflow.Task{ID: "relax", Command: "vasp"})

	a, err := s.CreateAttempt(ctx, "relax", "hpc.default", "")
	require.NoError(t, err)
	finishAttempt(t, s, a.AttemptID, workflow.AttemptCompleted)

	failed := workflow.AttemptFailed
	_, err = s.UpdateAttempt(ctx, a.AttemptID, AttemptUpdate{Status: &failed})
	assert.ErrorIs(t, err, ErrAttemptFinal)

	// The stored record is untouched.
	got, err := s.GetAttempt(ctx, a.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, workflow.AttemptCompleted, got.Status)
}

func TestActiveAttemptQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run_1",
		&workflow.Task{ID: "a", Command: "x"},
		&workflow.Task{ID: "b", Command: "x"},
		&workflow.Task{ID: "c", Command: "x"},
	)

	aa, err := s.CreateAttempt(ctx, "a", "hpc.default", "")
	require.NoError(t, err)
	_, err = s.CreateAttempt(ctx, "b", "hpc.default", "")
	require.NoError(t, err)
	cc, err := s.CreateAttempt(ctx, "c", "human.default", "")
	require.NoError(t, err)
	finishAttempt(t, s, aa.AttemptID, workflow.AttemptCompleted)

	active, err := s.ActiveAttempts(ctx, "run_1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	counts, err := s.CountActiveAttemptsByOperator(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"hpc.default": 1, "human.default": 1}, counts)

	_ = cc
}

func TestOrphanedAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run_1", &workflow.Task{ID: "relax", Command: "vasp"})

	a, err := s.CreateAttempt(ctx, "relax", "hpc.default", "")
	require.NoError(t, err)

	// Simulate an engine crash that repointed the task at another attempt
	// without finalizing the old one.
	_, err = s.db.Exec(`UPDATE tasks SET current_attempt_id = 'attempt_other' WHERE task_id = 'relax'`)
	require.NoError(t, err)

	orphans, err := s.FindOrphanedAttempts(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, a.AttemptID, orphans[0].AttemptID)

	require.NoError(t, s.MarkAttemptsFailedInit(ctx, []string{a.AttemptID}, "orphaned by engine restart"))
	got, err := s.GetAttempt(ctx, a.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, workflow.AttemptFailedInit, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "orphaned by engine restart", *got.Error)

	// Marking again is a no-op, not an error.
	require.NoError(t, s.MarkAttemptsFailedInit(ctx, []string{a.AttemptID}, "again"))
	got, err = s.GetAttempt(ctx, a.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, "orphaned by engine restart", *got.Error)
}

func TestFindStuckCreatedAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run_1",
		&workflow.Task{ID: "old", Command: "x"},
		&workflow.Task{ID: "fresh", Command: "x"},
		&workflow.Task{ID: "submitted", Command: "x"},
	)

	stale, err := s.CreateAttempt(ctx, "old", "hpc.default", "")
	require.NoError(t, err)
	_, err = s.CreateAttempt(ctx, "fresh", "hpc.default", "")
	require.NoError(t, err)
	withID, err := s.CreateAttempt(ctx, "submitted", "hpc.default", "")
	require.NoError(t, err)

	// Backdate the stale attempt two hours, and the submitted one too:
	// only CREATED rows with no external_id count as stuck.
	_, err = s.db.Exec(`UPDATE task_attempts SET created_at = datetime('now', '-2 hours')
		WHERE attempt_id IN (?, ?)`, stale.AttemptID, withID.AttemptID)
	require.NoError(t, err)
	extID := "slurm-7"
	submitted := workflow.AttemptSubmitted
	_, err = s.UpdateAttempt(ctx, withID.AttemptID, AttemptUpdate{Status: &submitted, ExternalID: &extID})
	require.NoError(t, err)

	stuck, err := s.FindStuckCreatedAttempts(ctx, "run_1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, stale.AttemptID, stuck[0].AttemptID)
}
