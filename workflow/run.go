package workflow

import "path/filepath"

// Run root layout.
const (
	StateDBFile       = "state.sqlite"
	LockFile          = "state.sqlite.lock"
	ConfigFile        = "config.json"
	CampaignStateFile = "campaign_state.json"
	EvidenceDir       = "tasks"
	SnapshotDir       = "operators_snapshot"
	SnapshotFile      = "operators.yaml"
)

// RunHandle locates a run on disk. All engine paths derive from Root so a
// run directory can be moved or archived wholesale.
type RunHandle struct {
	// RunID is the unique run identifier.
	RunID string

	// Root is the absolute run root directory.
	Root string
}

// NewRunHandle creates a handle for the given id rooted at root.
func NewRunHandle(runID, root string) *RunHandle {
	return &RunHandle{RunID: runID, Root: root}
}

// DBPath is the SQLite state database path.
func (r *RunHandle) DBPath() string { return filepath.Join(r.Root, StateDBFile) }

// LockPath is the cross-process run lock path.
func (r *RunHandle) LockPath() string { return filepath.Join(r.Root, LockFile) }

// ConfigPath is the run configuration path.
func (r *RunHandle) ConfigPath() string { return filepath.Join(r.Root, ConfigFile) }

// CampaignStatePath is where analyze output persists between ticks.
func (r *RunHandle) CampaignStatePath() string { return filepath.Join(r.Root, CampaignStateFile) }

// EvidenceRoot is the directory holding per-task attempt evidence.
func (r *RunHandle) EvidenceRoot() string { return filepath.Join(r.Root, EvidenceDir) }

// TaskDir is the evidence directory of one task.
func (r *RunHandle) TaskDir(taskID string) string {
	return filepath.Join(r.EvidenceRoot(), taskID)
}

// AttemptDir is the evidence directory of one attempt.
func (r *RunHandle) AttemptDir(taskID, attemptID string) string {
	return filepath.Join(r.TaskDir(taskID), "attempts", attemptID)
}

// SnapshotDirPath is the operator wiring snapshot directory.
func (r *RunHandle) SnapshotDirPath() string { return filepath.Join(r.Root, SnapshotDir) }

// OperatorsPath is the persisted effective operators.yaml for this run.
func (r *RunHandle) OperatorsPath() string {
	return filepath.Join(r.SnapshotDirPath(), SnapshotFile)
}
