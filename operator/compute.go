package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/matterstack/workflow"
)

// ComputeOperator runs shell-command tasks on a compute backend. The same
// operator serves hpc.* and local.* keys; only the backend differs.
type ComputeOperator struct {
	key     string
	backend Backend
	logger  *slog.Logger
}

// NewComputeOperator creates a compute operator for the given canonical key.
func NewComputeOperator(key string, backend Backend, logger *slog.Logger) *ComputeOperator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComputeOperator{key: key, backend: backend, logger: logger}
}

// Prepare stages the attempt dir: input files, the attempt manifest, and
// the config snapshot whose hash pins exactly what this attempt saw.
func (o *ComputeOperator) Prepare(_ context.Context, run *workflow.RunHandle, task *workflow.Task, h *AttemptHandle) (*AttemptHandle, error) {
	dir, err := EnsureUnder(run.Root, run.AttemptDir(task.ID, h.AttemptID))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attempt dir: %w", err)
	}

	refs, err := StageFiles(dir, task.Files)
	if err != nil {
		return nil, err
	}
	if err := WriteManifest(dir, &Manifest{
		TaskID:      task.ID,
		AttemptID:   h.AttemptID,
		OperatorKey: o.key,
		Command:     task.Command,
		Files:       refs,
	}); err != nil {
		return nil, err
	}

	hash, err := SnapshotConfig(dir, map[string]string{
		workflow.ConfigFile:        run.ConfigPath(),
		workflow.CampaignStateFile: run.CampaignStatePath(),
		ManifestFile:               filepath.Join(dir, ManifestFile),
	})
	if err != nil {
		return nil, err
	}

	h.Dir = dir
	h.RelativePath = RelativeTo(run.Root, dir)
	h.Command = task.Command
	h.Env = task.Env
	h.Resources = task.Resources
	h.DownloadPatterns = task.DownloadPatterns
	h.Data.ConfigHash = hash
	h.Data.AttemptDir = dir
	h.Data.RemoteWorkdir = dir
	h.Status = ExternalPending
	return h, nil
}

// Submit hands the prepared attempt to the backend. Handles that already
// carry an external id return unchanged, so a tick that died between
// submit and record does not double-submit.
func (o *ComputeOperator) Submit(ctx context.Context, _ *workflow.RunHandle, h *AttemptHandle) (*AttemptHandle, error) {
	if h.ExternalID != "" {
		return h, nil
	}
	if h.Dir == "" {
		return nil, fmt.Errorf("attempt %s: %w", h.AttemptID, ErrNotPrepared)
	}
	jobID, err := o.backend.Submit(ctx, h.Dir, h.Command, h.Env, h.Resources)
	if err != nil {
		return nil, fmt.Errorf("submit attempt %s: %w", h.AttemptID, err)
	}
	h.ExternalID = jobID
	h.Status = ExternalPending
	o.logger.Info("Submitted compute attempt",
		slog.String("attempt_id", h.AttemptID),
		slog.String("operator", o.key),
		slog.String("external_id", jobID))
	return h, nil
}

// Poll refreshes the handle's status from the backend.
func (o *ComputeOperator) Poll(ctx context.Context, _ *workflow.RunHandle, h *AttemptHandle) (*AttemptHandle, error) {
	if h.ExternalID == "" {
		h.Status = ExternalUnknown
		return h, nil
	}
	state, err := o.backend.Status(ctx, h.ExternalID, h.Dir)
	if err != nil {
		return nil, fmt.Errorf("poll attempt %s: %w", h.AttemptID, err)
	}
	h.Status = ExternalStatusForJob(state)
	return h, nil
}

// Collect gathers the attempt's outputs. Download patterns are doublestar
// globs relative to the attempt dir; a "!" prefix excludes. No patterns
// means everything. A results.json among the outputs is parsed into the
// structured result data.
func (o *ComputeOperator) Collect(_ context.Context, run *workflow.RunHandle, h *AttemptHandle) (*Result, error) {
	includes, excludes := splitPatterns(h.DownloadPatterns)
	res := &Result{Files: map[string]string{}, Data: map[string]any{}}

	err := filepath.WalkDir(h.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ConfigSnapshotDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(h.Dir, path)
		if err != nil {
			return err
		}
		if rel == ManifestFile {
			return nil
		}
		if !matchAny(includes, rel) || matchAny(excludes, rel) {
			return nil
		}
		res.Files[rel] = RelativeTo(run.Root, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect attempt %s: %w", h.AttemptID, err)
	}

	if _, ok := res.Files["results.json"]; ok {
		raw, err := os.ReadFile(filepath.Join(h.Dir, "results.json"))
		if err == nil {
			var data map[string]any
			if jsonErr := json.Unmarshal(raw, &data); jsonErr == nil {
				res.Data = data
			} else {
				o.logger.Warn("Ignoring unparseable results.json",
					slog.String("attempt_id", h.AttemptID),
					slog.String("error", jsonErr.Error()))
			}
		}
	}
	return res, nil
}

// Cancel stops the backend job if one was submitted.
func (o *ComputeOperator) Cancel(ctx context.Context, _ *workflow.RunHandle, h *AttemptHandle) error {
	if h.ExternalID == "" {
		return nil
	}
	return o.backend.Cancel(ctx, h.ExternalID, h.Dir)
}

func splitPatterns(patterns []string) (includes, excludes []string) {
	for _, p := range patterns {
		if rest, ok := strings.CutPrefix(p, "!"); ok {
			excludes = append(excludes, rest)
		} else {
			includes = append(includes, p)
		}
	}
	if len(includes) == 0 {
		includes = []string{"**"}
	}
	return includes, excludes
}

func matchAny(patterns []string, rel string) bool {
	// Evidence paths are slash-normalized for matching.
	rel = filepath.ToSlash(rel)
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}
