package operator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/matterstack/workflow"
)

func waitForState(t *testing.T, b *LocalBackend, jobID, dir string, want JobState) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state, err := b.Status(context.Background(), jobID, dir)
		require.NoError(t, err)
		if state == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
}

func TestLocalBackendSuccess(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(nil)

	jobID, err := b.Submit(context.Background(), dir, "echo hello", map[string]string{"GREETING": "hi"}, workflow.ResourceHints{})
	require.NoError(t, err)
	waitForState(t, b, jobID, dir, JobCompletedOK)

	out, err := os.ReadFile(filepath.Join(dir, StdoutLog))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	code, err := os.ReadFile(filepath.Join(dir, ExitCodeFile))
	require.NoError(t, err)
	assert.Equal(t, "0\n", string(code))
}

func TestLocalBackendFailure(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(nil)

	jobID, err := b.Submit(context.Background(), dir, "echo oops >&2; exit 3", nil, workflow.ResourceHints{})
	require.NoError(t, err)
	waitForState(t, b, jobID, dir, JobCompletedError)

	errOut, err := os.ReadFile(filepath.Join(dir, StderrLog))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))

	code, err := os.ReadFile(filepath.Join(dir, ExitCodeFile))
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(code))
}

func TestLocalBackendEnvPassthrough(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(nil)

	jobID, err := b.Submit(context.Background(), dir, "echo $PROBE_VALUE",
		map[string]string{"PROBE_VALUE": "42"}, workflow.ResourceHints{})
	require.NoError(t, err)
	waitForState(t, b, jobID, dir, JobCompletedOK)

	out, err := os.ReadFile(filepath.Join(dir, StdoutLog))
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(out))
}

func TestLocalBackendStatusSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(nil)

	jobID, err := b.Submit(context.Background(), dir, "true", nil, workflow.ResourceHints{})
	require.NoError(t, err)
	waitForState(t, b, jobID, dir, JobCompletedOK)

	// A fresh backend never held the process but reads the same verdict
	// from the exit_code file.
	fresh := NewLocalBackend(nil)
	state, err := fresh.Status(context.Background(), jobID, dir)
	require.NoError(t, err)
	assert.Equal(t, JobCompletedOK, state)
}

func TestLocalBackendLostJob(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(nil)

	// A job id nothing is waiting on, with no exit_code file and (almost
	// certainly) no such pid.
	state, err := b.Status(context.Background(), "999999", dir)
	require.NoError(t, err)
	assert.Equal(t, JobLost, state)
}

func TestLocalBackendCancel(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(nil)

	jobID, err := b.Submit(context.Background(), dir, "sleep 60", nil, workflow.ResourceHints{})
	require.NoError(t, err)

	require.NoError(t, b.Cancel(context.Background(), jobID, dir))
	waitForState(t, b, jobID, dir, JobCompletedError)

	// Cancel is idempotent; the group is already gone.
	assert.NoError(t, b.Cancel(context.Background(), jobID, dir))
}
