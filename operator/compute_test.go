package operator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/matterstack/workflow"
)

// fakeBackend records submissions and serves scripted statuses.
type fakeBackend struct {
	submitted []string
	state     JobState
	statusErr error
	cancelled []string
	nextID    int
}

func (b *fakeBackend) Submit(_ context.Context, dir, command string, _ map[string]string, _ workflow.ResourceHints) (string, error) {
	b.submitted = append(b.submitted, command)
	b.nextID++
	return fmt.Sprintf("job-%d", b.nextID), nil
}

func (b *fakeBackend) Status(_ context.Context, jobID, _ string) (JobState, error) {
	if b.statusErr != nil {
		return JobUnknown, b.statusErr
	}
	return b.state, nil
}

func (b *fakeBackend) Cancel(_ context.Context, jobID, _ string) error {
	b.cancelled = append(b.cancelled, jobID)
	return nil
}

func testRunHandle(t *testing.T) *workflow.RunHandle {
	t.Helper()
	return workflow.NewRunHandle("run_x", t.TempDir())
}

func TestComputePrepareStagesEvidence(t *testing.T) {
	run := testRunHandle(t)
	backend := &fakeBackend{}
	op := NewComputeOperator("local.default", backend, nil)

	task := &workflow.Task{
		ID:      "relax",
		Command: "echo done",
		Files:   map[string]workflow.FileSource{"run.sh": {Content: "echo done\n"}},
		Env:     map[string]string{"OMP_NUM_THREADS": "4"},
	}
	h, err := op.Prepare(context.Background(), run, task, &AttemptHandle{AttemptID: "att_1", TaskID: "relax"})
	require.NoError(t, err)

	assert.Equal(t, run.AttemptDir("relax", "att_1"), h.Dir)
	assert.Equal(t, "tasks/relax/attempts/att_1", h.RelativePath)
	assert.Equal(t, "echo done", h.Command)
	assert.NotEmpty(t, h.Data.ConfigHash)
	assert.Equal(t, ExternalPending, h.Status)

	m, err := ReadManifest(h.Dir)
	require.NoError(t, err)
	assert.Equal(t, "relax", m.TaskID)
	assert.Contains(t, m.Files, "run.sh")

	_, err = os.Stat(filepath.Join(h.Dir, ConfigSnapshotDir))
	require.NoError(t, err)
}

func TestComputeSubmitIdempotent(t *testing.T) {
	run := testRunHandle(t)
	backend := &fakeBackend{}
	op := NewComputeOperator("local.default", backend, nil)

	h, err := op.Prepare(context.Background(), run, &workflow.Task{ID: "t", Command: "true"},
		&AttemptHandle{AttemptID: "att_1", TaskID: "t"})
	require.NoError(t, err)

	h, err = op.Submit(context.Background(), run, h)
	require.NoError(t, err)
	assert.Equal(t, "job-1", h.ExternalID)

	// Re-submitting the same handle must not reach the backend again.
	h, err = op.Submit(context.Background(), run, h)
	require.NoError(t, err)
	assert.Equal(t, "job-1", h.ExternalID)
	assert.Len(t, backend.submitted, 1)
}

func TestComputeSubmitRequiresPrepare(t *testing.T) {
	op := NewComputeOperator("local.default", &fakeBackend{}, nil)
	_, err := op.Submit(context.Background(), testRunHandle(t), &AttemptHandle{AttemptID: "att_1"})
	assert.ErrorIs(t, err, ErrNotPrepared)
}

func TestComputePoll(t *testing.T) {
	backend := &fakeBackend{state: JobCompletedOK}
	op := NewComputeOperator("local.default", backend, nil)

	h, err := op.Poll(context.Background(), testRunHandle(t),
		&AttemptHandle{AttemptID: "att_1", ExternalID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, ExternalCompleted, h.Status)

	// No external id yet means there is nothing to ask the backend about.
	h, err = op.Poll(context.Background(), testRunHandle(t), &AttemptHandle{AttemptID: "att_2"})
	require.NoError(t, err)
	assert.Equal(t, ExternalUnknown, h.Status)
}

func TestComputeCollectPatterns(t *testing.T) {
	run := testRunHandle(t)
	op := NewComputeOperator("local.default", &fakeBackend{}, nil)

	dir := run.AttemptDir("t", "att_1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigSnapshotDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))
	for name, content := range map[string]string{
		"results.json":                      `{"energy_ev":-12.5}`,
		"out/trajectory.xyz":                "...",
		"out/restart.chk":                   "...",
		"stdout.log":                        "ok",
		ManifestFile:                        "{}",
		ConfigSnapshotDir + "/config.json":  "{}",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	h := &AttemptHandle{
		AttemptID:        "att_1",
		Dir:              dir,
		DownloadPatterns: []string{"results.json", "out/**", "!out/*.chk"},
	}
	res, err := op.Collect(context.Background(), run, h)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"results.json":       "tasks/t/attempts/att_1/results.json",
		"out/trajectory.xyz": "tasks/t/attempts/att_1/out/trajectory.xyz",
	}, res.Files)
	assert.Equal(t, map[string]any{"energy_ev": -12.5}, res.Data)
}

func TestComputeCollectDefaultsToEverything(t *testing.T) {
	run := testRunHandle(t)
	op := NewComputeOperator("local.default", &fakeBackend{}, nil)

	dir := run.AttemptDir("t", "att_1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stdout.log"), []byte("ok"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("{}"), 0o644))

	res, err := op.Collect(context.Background(), run, &AttemptHandle{AttemptID: "att_1", Dir: dir})
	require.NoError(t, err)
	// The manifest is evidence metadata, never a collected output.
	assert.Equal(t, map[string]string{"stdout.log": "tasks/t/attempts/att_1/stdout.log"}, res.Files)
}

func TestComputeCancel(t *testing.T) {
	backend := &fakeBackend{}
	op := NewComputeOperator("local.default", backend, nil)

	require.NoError(t, op.Cancel(context.Background(), testRunHandle(t), &AttemptHandle{AttemptID: "a"}))
	assert.Empty(t, backend.cancelled)

	require.NoError(t, op.Cancel(context.Background(), testRunHandle(t),
		&AttemptHandle{AttemptID: "a", ExternalID: "job-9"}))
	assert.Equal(t, []string{"job-9"}, backend.cancelled)
}

func TestSplitPatterns(t *testing.T) {
	inc, exc := splitPatterns([]string{"out/**", "!out/*.tmp", "results.json"})
	assert.Equal(t, []string{"out/**", "results.json"}, inc)
	assert.Equal(t, []string{"out/*.tmp"}, exc)

	inc, exc = splitPatterns(nil)
	assert.Equal(t, []string{"**"}, inc)
	assert.Empty(t, exc)
}
