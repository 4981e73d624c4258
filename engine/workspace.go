package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

// WorkspacesRootEnvVar overrides workspaces root discovery.
const WorkspacesRootEnvVar = "MATTERSTACK_WORKSPACES_ROOT"

// ErrRunNotFound is returned when no workspace contains the run.
var ErrRunNotFound = errors.New("run not found in any workspace")

// WorkspacesRoot locates the directory holding workspaces. Precedence:
// the env override, then the nearest ancestor with a project marker and a
// workspaces/ child, then ./workspaces.
func WorkspacesRoot() (string, error) {
	if root := os.Getenv(WorkspacesRootEnvVar); root != "" {
		return root, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	for {
		marker := filepath.Join(dir, "go.mod")
		candidate := filepath.Join(dir, "workspaces")
		if _, err := os.Stat(marker); err == nil {
			if info, err := os.Stat(candidate); err == nil && info.IsDir() {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, "workspaces"), nil
}

// WorkspaceDir returns the directory of one workspace under root.
func WorkspaceDir(root, slug string) string { return filepath.Join(root, slug) }

// RunsDir returns a workspace's runs directory.
func RunsDir(workspaceDir string) string { return filepath.Join(workspaceDir, "runs") }

// FindRun scans every workspace under root for the run id and returns its
// handle plus the owning workspace slug.
func FindRun(root, runID string) (*workflow.RunHandle, string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, "", fmt.Errorf("read workspaces root %s: %w", root, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runRoot := filepath.Join(root, entry.Name(), "runs", runID)
		if info, err := os.Stat(runRoot); err == nil && info.IsDir() {
			return workflow.NewRunHandle(runID, runRoot), entry.Name(), nil
		}
	}
	return nil, "", fmt.Errorf("%s: %w", runID, ErrRunNotFound)
}

// ActiveRun is one discovered non-terminal run.
type ActiveRun struct {
	Handle        *workflow.RunHandle
	WorkspaceSlug string
	Status        workflow.RunStatus
}

// ListActiveRuns scans every run under every workspace and returns those
// in PENDING, RUNNING, or PAUSED. Runs whose database cannot be opened are
// skipped with a warning rather than failing the scan.
func ListActiveRuns(ctx context.Context, root string, logger *slog.Logger) ([]*ActiveRun, error) {
	if logger == nil {
		logger = slog.Default()
	}
	workspaces, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspaces root %s: %w", root, err)
	}

	var active []*ActiveRun
	for _, ws := range workspaces {
		if !ws.IsDir() {
			continue
		}
		runsDir := filepath.Join(root, ws.Name(), "runs")
		runs, err := os.ReadDir(runsDir)
		if err != nil {
			continue
		}
		for _, run := range runs {
			if !run.IsDir() {
				continue
			}
			handle := workflow.NewRunHandle(run.Name(), filepath.Join(runsDir, run.Name()))
			if _, err := os.Stat(handle.DBPath()); err != nil {
				continue
			}
			status, err := readRunStatus(ctx, handle)
			if err != nil {
				logger.Warn("Skipping unreadable run",
					slog.String("run_id", run.Name()),
					slog.String("error", err.Error()))
				continue
			}
			if status.Terminal() {
				continue
			}
			active = append(active, &ActiveRun{Handle: handle, WorkspaceSlug: ws.Name(), Status: status})
		}
	}
	return active, nil
}

func readRunStatus(ctx context.Context, handle *workflow.RunHandle) (workflow.RunStatus, error) {
	store, err := storage.Open(handle.DBPath(), nil)
	if err != nil {
		return "", err
	}
	defer store.Close()
	return store.GetRunStatus(ctx, handle.RunID)
}
