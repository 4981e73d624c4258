package config

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/matterstack/workflow"
)

func testRun(t *testing.T) *workflow.RunHandle {
	t.Helper()
	return workflow.NewRunHandle("run_test", t.TempDir())
}

func resolveCLI(t *testing.T, content string) *Resolution {
	t.Helper()
	path := writeWiring(t, t.TempDir(), "cli.yaml", content)
	res, err := ResolveWiring(ResolveOptions{CLIPath: path})
	require.NoError(t, err)
	return res
}

func readHistory(t *testing.T, run *workflow.RunHandle) []HistoryRecord {
	t.Helper()
	f, err := os.Open(filepath.Join(run.SnapshotDirPath(), HistoryFile))
	require.NoError(t, err)
	defer f.Close()
	var out []HistoryRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec HistoryRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func TestPersistWiringFirstWrite(t *testing.T) {
	run := testRun(t)
	res := resolveCLI(t, localWiring)

	got, err := PersistWiring(run, res, false, nil)
	require.NoError(t, err)
	assert.Equal(t, res.SHA256, got.SHA256)

	snap, err := os.ReadFile(run.OperatorsPath())
	require.NoError(t, err)
	assert.Equal(t, localWiring, string(snap))

	meta, err := LoadWiringMetadata(run)
	require.NoError(t, err)
	assert.Equal(t, SourceCLI, meta.Effective.Source)
	assert.Equal(t, res.SHA256, meta.Effective.SHA256)

	hist := readHistory(t, run)
	require.Len(t, hist, 1)
	assert.Equal(t, EventPersisted, hist[0].Event)
	assert.Equal(t, "run_test", hist[0].RunID)
}

func TestPersistWiringIdenticalBytesQuietReuse(t *testing.T) {
	run := testRun(t)
	res := resolveCLI(t, localWiring)

	_, err := PersistWiring(run, res, false, nil)
	require.NoError(t, err)
	_, err = PersistWiring(run, res, false, nil)
	require.NoError(t, err)

	// No override events, just the original persist.
	hist := readHistory(t, run)
	require.Len(t, hist, 1)
	assert.Equal(t, EventPersisted, hist[0].Event)
}

func TestPersistWiringRefusesCLIOverride(t *testing.T) {
	run := testRun(t)
	_, err := PersistWiring(run, resolveCLI(t, localWiring), false, nil)
	require.NoError(t, err)

	_, err = PersistWiring(run, resolveCLI(t, altWiring), false, nil)
	assert.ErrorIs(t, err, ErrWiringOverride)

	// The snapshot is untouched and the refusal is on record.
	snap, err := os.ReadFile(run.OperatorsPath())
	require.NoError(t, err)
	assert.Equal(t, localWiring, string(snap))

	hist := readHistory(t, run)
	require.Len(t, hist, 2)
	assert.Equal(t, EventOverrideRefused, hist[1].Event)
	assert.Equal(t, sha(altWiring), hist[1].Details["attempted_sha256"])
}

func TestPersistWiringForcedOverride(t *testing.T) {
	run := testRun(t)
	_, err := PersistWiring(run, resolveCLI(t, localWiring), false, nil)
	require.NoError(t, err)

	got, err := PersistWiring(run, resolveCLI(t, altWiring), true, nil)
	require.NoError(t, err)
	assert.Equal(t, sha(altWiring), got.SHA256)

	snap, err := os.ReadFile(run.OperatorsPath())
	require.NoError(t, err)
	assert.Equal(t, altWiring, string(snap))

	hist := readHistory(t, run)
	require.Len(t, hist, 2)
	assert.Equal(t, EventOverrideForced, hist[1].Event)
	assert.Equal(t, sha(localWiring), hist[1].Details["prior_sha256"])
}

func TestPersistWiringSnapshotBeatsDriftedWorkspace(t *testing.T) {
	run := testRun(t)
	ws := t.TempDir()
	writeWiring(t, ws, WorkspaceOperatorsFile, localWiring)

	res, err := ResolveWiring(ResolveOptions{WorkspaceDir: ws})
	require.NoError(t, err)
	_, err = PersistWiring(run, res, false, nil)
	require.NoError(t, err)

	// Workspace file drifts after init.
	writeWiring(t, ws, WorkspaceOperatorsFile, altWiring)
	res, err = ResolveWiring(ResolveOptions{
		WorkspaceDir:    ws,
		RunSnapshotPath: run.OperatorsPath(),
	})
	require.NoError(t, err)
	// Snapshot precedence already shields resume from the drift.
	assert.Equal(t, SourceRunSnapshot, res.Source)

	got, err := PersistWiring(run, res, false, nil)
	require.NoError(t, err)
	assert.Equal(t, sha(localWiring), got.SHA256)
}

func TestPersistWiringReconstructsMetadata(t *testing.T) {
	run := testRun(t)
	res := resolveCLI(t, localWiring)
	_, err := PersistWiring(run, res, false, nil)
	require.NoError(t, err)

	// Simulate a run migrated from an engine that never wrote metadata.
	require.NoError(t, os.Remove(filepath.Join(run.SnapshotDirPath(), MetadataFile)))

	_, err = PersistWiring(run, res, false, nil)
	require.NoError(t, err)

	meta, err := LoadWiringMetadata(run)
	require.NoError(t, err)
	assert.Equal(t, SourceRunSnapshot, meta.Effective.Source)
	assert.Equal(t, res.SHA256, meta.Effective.SHA256)

	hist := readHistory(t, run)
	last := hist[len(hist)-1]
	assert.Equal(t, EventMetadataReconstructed, last.Event)
}

func TestExplainWiring(t *testing.T) {
	run := testRun(t)
	assert.Equal(t, "Operator wiring: (no metadata)", ExplainWiring(run))

	res := resolveCLI(t, localWiring)
	_, err := PersistWiring(run, res, false, nil)
	require.NoError(t, err)

	out := ExplainWiring(run)
	assert.Contains(t, out, "source=cli")
	assert.Contains(t, out, res.SHA256)
	assert.Contains(t, out, "operators_snapshot/operators.yaml")
}
