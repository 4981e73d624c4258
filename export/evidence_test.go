package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/matterstack/operator"
	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

func seedExportRun(t *testing.T) (*storage.Store, *workflow.RunHandle) {
	t.Helper()
	ctx := context.Background()
	run := workflow.NewRunHandle("run_export", t.TempDir())

	store, err := storage.Open(run.DBPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateRun(ctx, run.RunID, "alloy-screen", workflow.RunCompleted, "{}"))

	w := workflow.New("round-0")
	require.NoError(t, w.AddTask(&workflow.Task{ID: "relax", Command: "true"}))
	require.NoError(t, w.AddTask(&workflow.Task{ID: "verify", Command: "true", Dependencies: []string{"relax"}}))
	require.NoError(t, store.AddWorkflow(ctx, run.RunID, w))

	att, err := store.CreateAttempt(ctx, "relax", "local.default", "tasks/relax/attempts/a1")
	require.NoError(t, err)
	dataJSON, err := operator.EncodeData(operator.OperatorData{ConfigHash: "deadbeef"})
	require.NoError(t, err)
	completed := workflow.AttemptCompleted
	externalID := "job-1"
	_, err = store.UpdateAttempt(ctx, att.AttemptID, storage.AttemptUpdate{
		Status:           &completed,
		ExternalID:       &externalID,
		OperatorDataJSON: &dataJSON,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateTaskStatus(ctx, "relax", workflow.TaskCompleted, nil))

	msg := "verification mismatch"
	require.NoError(t, store.UpdateTaskStatus(ctx, "verify", workflow.TaskFailed, &msg))
	return store, run
}

func TestWriteBundle(t *testing.T) {
	store, run := seedExportRun(t)
	dest := filepath.Join(t.TempDir(), "export")

	bundle, err := Write(context.Background(), store, run, dest)
	require.NoError(t, err)

	assert.Equal(t, "run_export", bundle.RunID)
	assert.Equal(t, "alloy-screen", bundle.CampaignSlug)
	assert.Equal(t, workflow.RunCompleted, bundle.Status)
	require.Len(t, bundle.Tasks, 2)

	// The on-disk bundle matches what was returned.
	raw, err := os.ReadFile(filepath.Join(dest, BundleFile))
	require.NoError(t, err)
	var onDisk Bundle
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, bundle.RunID, onDisk.RunID)
	assert.Len(t, onDisk.Tasks, 2)

	relax := bundle.Tasks[0]
	assert.Equal(t, "relax", relax.TaskID)
	require.Len(t, relax.Attempts, 1)
	assert.Equal(t, workflow.AttemptCompleted, relax.Attempts[0].Status)
	assert.Equal(t, "job-1", relax.Attempts[0].ExternalID)
	assert.Equal(t, "deadbeef", relax.Attempts[0].ConfigHash)

	verify := bundle.Tasks[1]
	assert.Equal(t, "verify", verify.TaskID)
	assert.Equal(t, "verification mismatch", verify.Error)
	assert.Empty(t, verify.Attempts)
}

func TestWriteReport(t *testing.T) {
	store, run := seedExportRun(t)
	dest := filepath.Join(t.TempDir(), "export")

	_, err := Write(context.Background(), store, run, dest)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dest, ReportFile))
	require.NoError(t, err)
	report := string(raw)

	assert.Contains(t, report, "# Run run_export")
	assert.Contains(t, report, "**Campaign**: alloy-screen")
	assert.Contains(t, report, "| relax | task | COMPLETED | 1 |")
	assert.Contains(t, report, "| verify | task | FAILED | 0 |")
	assert.Contains(t, report, "external `job-1`")
}
