package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/matterstack/config"
	"github.com/c360studio/matterstack/workflow"
)

const scratchWiring = `operators:
  local.default:
    kind: local
    backend:
      type: local
`

var initFixture = &fakeCampaign{slug: "init-fixture", rounds: [][]*workflow.Task{{
	{ID: "seed", Command: "true"},
	{ID: "grow", Command: "true", Dependencies: []string{"seed"}},
}}}

func init() {
	_ = workflow.RegisterCampaign(initFixture)
}

func initOptions(t *testing.T) InitOptions {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "operators.yaml"), []byte(scratchWiring), 0o644))
	return InitOptions{
		WorkspaceDir:  ws,
		WorkspaceSlug: "scratch",
		Config: &config.RunConfig{
			CampaignSlug:  "init-fixture",
			ExecutionMode: "simulation",
		},
	}
}

func TestInitializeRun(t *testing.T) {
	ctx := context.Background()
	eng, err := InitializeRun(ctx, initOptions(t), testLogger())
	require.NoError(t, err)
	defer eng.Close()

	// Run directory layout.
	assert.FileExists(t, eng.Run.ConfigPath())
	assert.FileExists(t, eng.Run.OperatorsPath())
	meta, err := config.LoadWiringMetadata(eng.Run)
	require.NoError(t, err)
	assert.Equal(t, config.SourceWorkspace, meta.Effective.Source)
	assert.Equal(t, "scratch", meta.Provenance.WorkspaceSlug)

	status, err := eng.Store.GetRunStatus(ctx, eng.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunRunning, status)

	tasks, err := eng.Store.GetTasks(ctx, eng.Run.RunID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	// The generated id carries the run prefix.
	assert.Regexp(t, `^run_\d{8}_\d{6}_[0-9a-f]{8}$`, eng.Run.RunID)
}

func TestInitializeRunToCompletion(t *testing.T) {
	ctx := context.Background()
	eng, err := InitializeRun(ctx, initOptions(t), testLogger())
	require.NoError(t, err)
	defer eng.Close()

	var status workflow.RunStatus
	for range 5 {
		status, err = eng.Step(ctx)
		require.NoError(t, err)
		if status.Terminal() {
			break
		}
	}
	assert.Equal(t, workflow.RunCompleted, status)
	assert.FileExists(t, eng.Run.CampaignStatePath())
}

func TestInitializeOrResume(t *testing.T) {
	ctx := context.Background()
	opts := initOptions(t)
	eng, err := InitializeRun(ctx, opts, testLogger())
	require.NoError(t, err)
	runID := eng.Run.RunID
	require.NoError(t, eng.Close())

	// Resuming with the same id reopens rather than re-initializing.
	opts.RunID = runID
	resumed, err := InitializeOrResume(ctx, opts, testLogger())
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, runID, resumed.Run.RunID)

	tasks, err := resumed.Store.GetTasks(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestInitializeRunRequiresCampaign(t *testing.T) {
	opts := initOptions(t)
	opts.Config.CampaignSlug = "no-such-campaign"
	_, err := InitializeRun(context.Background(), opts, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestSelfTestPasses(t *testing.T) {
	for _, res := range SelfTest(context.Background(), testLogger()) {
		assert.True(t, res.OK(), "check %q failed: %v", res.Check, res.Err)
	}
}
