package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

func seedRunDir(t *testing.T, root, slug, runID string, status workflow.RunStatus) *workflow.RunHandle {
	t.Helper()
	runRoot := filepath.Join(root, slug, "runs", runID)
	require.NoError(t, os.MkdirAll(runRoot, 0o755))
	handle := workflow.NewRunHandle(runID, runRoot)

	store, err := storage.Open(handle.DBPath(), testLogger())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.CreateRun(context.Background(), runID, "camp", status, "{}"))
	return handle
}

func TestWorkspacesRootEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(WorkspacesRootEnvVar, dir)

	root, err := WorkspacesRoot()
	require.NoError(t, err)
	assert.Equal(t, dir, root)
}

func TestFindRun(t *testing.T) {
	root := t.TempDir()
	seedRunDir(t, root, "alloys", "run_a", workflow.RunRunning)
	seedRunDir(t, root, "polymers", "run_b", workflow.RunCompleted)

	handle, slug, err := FindRun(root, "run_b")
	require.NoError(t, err)
	assert.Equal(t, "polymers", slug)
	assert.Equal(t, filepath.Join(root, "polymers", "runs", "run_b"), handle.Root)

	_, _, err = FindRun(root, "run_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListActiveRuns(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	seedRunDir(t, root, "alloys", "run_running", workflow.RunRunning)
	seedRunDir(t, root, "alloys", "run_paused", workflow.RunPaused)
	seedRunDir(t, root, "polymers", "run_done", workflow.RunCompleted)
	seedRunDir(t, root, "polymers", "run_failed", workflow.RunFailed)

	// A run directory without a database is ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "alloys", "runs", "run_empty"), 0o755))

	active, err := ListActiveRuns(ctx, root, testLogger())
	require.NoError(t, err)

	ids := make(map[string]string, len(active))
	for _, run := range active {
		ids[run.Handle.RunID] = run.WorkspaceSlug
	}
	assert.Equal(t, map[string]string{
		"run_running": "alloys",
		"run_paused":  "alloys",
	}, ids)
}

func TestListActiveRunsMissingRoot(t *testing.T) {
	active, err := ListActiveRuns(context.Background(), filepath.Join(t.TempDir(), "nope"), testLogger())
	require.NoError(t, err)
	assert.Empty(t, active)
}
