package operator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/matterstack/workflow"
)

func TestStageFiles(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(srcPath, []byte("cutoff: 520\n"), 0o644))

	refs, err := StageFiles(dir, map[string]workflow.FileSource{
		"run.sh":             {Content: "#!/bin/sh\necho ok\n"},
		"inputs/params.yaml": {Path: srcPath},
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	staged, err := os.ReadFile(filepath.Join(dir, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho ok\n", string(staged))

	assert.Equal(t, "inline", refs["run.sh"].Source)
	assert.Equal(t, int64(len("#!/bin/sh\necho ok\n")), refs["run.sh"].Bytes)
	assert.Len(t, refs["run.sh"].SHA256, 64)

	assert.Equal(t, srcPath, refs["inputs/params.yaml"].Source)
	copied, err := os.ReadFile(filepath.Join(dir, "inputs/params.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "cutoff: 520\n", string(copied))
}

func TestStageFilesRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	_, err := StageFiles(dir, map[string]workflow.FileSource{
		"../evil.sh": {Content: "rm -rf /"},
	})
	assert.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		TaskID:      "relax",
		AttemptID:   "att_1",
		OperatorKey: "hpc.default",
		Command:     "mpirun vasp",
		Files:       map[string]FileRef{"run.sh": {SHA256: "aa", Bytes: 10, Source: "inline"}},
	}
	require.NoError(t, WriteManifest(dir, m))

	got, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, ManifestSchemaVersion, got.SchemaVersion)
	assert.Equal(t, "relax", got.TaskID)
	assert.NotEmpty(t, got.CreatedAtUTC)
	assert.Equal(t, m.Files, got.Files)
}

func TestSnapshotConfigDeterministicHash(t *testing.T) {
	src := t.TempDir()
	cfgPath := filepath.Join(src, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"campaign_slug":"x"}`), 0o644))

	sources := map[string]string{
		"config.json":         cfgPath,
		"campaign_state.json": filepath.Join(src, "campaign_state.json"),
	}

	dirA := t.TempDir()
	hashA, err := SnapshotConfig(dirA, sources)
	require.NoError(t, err)

	dirB := t.TempDir()
	hashB, err := SnapshotConfig(dirB, sources)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)

	// Present files are copied; missing ones are hashed but not created.
	_, err = os.Stat(filepath.Join(dirA, ConfigSnapshotDir, "config.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dirA, ConfigSnapshotDir, "campaign_state.json"))
	assert.True(t, os.IsNotExist(err))

	// A file appearing later changes the hash.
	require.NoError(t, os.WriteFile(filepath.Join(src, "campaign_state.json"), []byte(`{}`), 0o644))
	dirC := t.TempDir()
	hashC, err := SnapshotConfig(dirC, sources)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashC)
}
