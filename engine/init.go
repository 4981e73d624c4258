package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/c360studio/matterstack/config"
	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

// InitOptions configure run initialization.
type InitOptions struct {
	// RunID overrides the generated id. Used by resume paths and tests.
	RunID string

	// WorkspaceDir is the workspace the run lives under.
	WorkspaceDir string

	// WorkspaceSlug names the workspace for wiring provenance.
	WorkspaceSlug string

	// Config is the run configuration; CampaignSlug selects the campaign.
	Config *config.RunConfig

	// OperatorsPath is the --operators override, highest wiring precedence.
	OperatorsPath string

	// ForceOperators replaces an existing wiring snapshot on conflict.
	ForceOperators bool

	// LegacyProfile is the --profile fallback for legacy wiring synthesis.
	LegacyProfile string
}

// InitializeRun creates a run directory, pins its operator wiring, stores
// the run configuration, and seeds the initial workflow from the
// campaign's plan phase. The run is left RUNNING and ready to step.
func InitializeRun(ctx context.Context, opts InitOptions, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Config == nil || opts.Config.CampaignSlug == "" {
		return nil, fmt.Errorf("run config with campaign_slug is required")
	}
	campaign, ok := workflow.LookupCampaign(opts.Config.CampaignSlug)
	if !ok {
		return nil, fmt.Errorf("campaign %q is not registered in this build", opts.Config.CampaignSlug)
	}

	runID := opts.RunID
	if runID == "" {
		runID = workflow.NewID("run")
	}
	run := workflow.NewRunHandle(runID, filepath.Join(RunsDir(opts.WorkspaceDir), runID))
	if err := os.MkdirAll(run.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create run root: %w", err)
	}

	res, err := config.ResolveWiring(config.ResolveOptions{
		CLIPath:         opts.OperatorsPath,
		RunSnapshotPath: run.OperatorsPath(),
		WorkspaceDir:    opts.WorkspaceDir,
		WorkspaceSlug:   opts.WorkspaceSlug,
		LegacyProfile:   opts.LegacyProfile,
	})
	if err != nil {
		return nil, err
	}
	if _, err := config.PersistWiring(run, res, opts.ForceOperators, logger); err != nil {
		return nil, err
	}

	if err := config.SaveRunConfig(run.ConfigPath(), opts.Config); err != nil {
		return nil, err
	}

	eng, err := Open(run, logger)
	if err != nil {
		return nil, err
	}

	cfgJSON, err := os.ReadFile(run.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := eng.Store.CreateRun(ctx, runID, opts.Config.CampaignSlug, workflow.RunPending, string(cfgJSON)); err != nil {
		_ = eng.Close()
		return nil, err
	}

	initial, err := campaign.Plan(nil)
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("campaign %s initial plan: %w", campaign.Slug(), err)
	}
	if initial != nil && initial.Len() > 0 {
		if err := eng.Store.AddWorkflow(ctx, runID, initial); err != nil {
			_ = eng.Close()
			return nil, err
		}
	}
	if err := eng.Store.SetRunStatus(ctx, runID, workflow.RunRunning, ""); err != nil {
		_ = eng.Close()
		return nil, err
	}

	logger.Info("Initialized run",
		slog.String("run_id", runID),
		slog.String("campaign", opts.Config.CampaignSlug),
		slog.Int("initial_tasks", initialLen(initial)))
	return eng, nil
}

// InitializeOrResume opens an existing run when its root already holds a
// state database, otherwise initializes a fresh one.
func InitializeOrResume(ctx context.Context, opts InitOptions, logger *slog.Logger) (*Engine, error) {
	if opts.RunID != "" {
		run := workflow.NewRunHandle(opts.RunID, filepath.Join(RunsDir(opts.WorkspaceDir), opts.RunID))
		if _, err := os.Stat(run.DBPath()); err == nil {
			return resume(ctx, run, opts, logger)
		}
	}
	return InitializeRun(ctx, opts, logger)
}

func resume(ctx context.Context, run *workflow.RunHandle, opts InitOptions, logger *slog.Logger) (*Engine, error) {
	// A resume still walks the wiring chain so a CLI-supplied file is
	// checked against the snapshot instead of silently ignored.
	res, err := config.ResolveWiring(config.ResolveOptions{
		CLIPath:         opts.OperatorsPath,
		RunSnapshotPath: run.OperatorsPath(),
		WorkspaceDir:    opts.WorkspaceDir,
		WorkspaceSlug:   opts.WorkspaceSlug,
		LegacyProfile:   opts.LegacyProfile,
	})
	if err != nil {
		return nil, err
	}
	if _, err := config.PersistWiring(run, res, opts.ForceOperators, logger); err != nil {
		return nil, err
	}

	eng, err := Open(run, logger)
	if err != nil {
		return nil, err
	}
	if _, err := eng.Store.GetRun(ctx, run.RunID); err != nil {
		_ = eng.Close()
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("run root %s has a database but no run row", run.Root)
		}
		return nil, err
	}
	return eng, nil
}

func initialLen(w *workflow.Workflow) int {
	if w == nil {
		return 0
	}
	return w.Len()
}
