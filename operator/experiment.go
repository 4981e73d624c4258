package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/matterstack/workflow"
)

// Experiment operator artifact names.
const (
	ExperimentRequestFile = "experiment_request.json"
	ExperimentResultFile  = "experiment_result.json"
)

// ExperimentRequest is what the lab-side bridge picks up.
type ExperimentRequest struct {
	TaskID       string            `json:"task_id"`
	AttemptID    string            `json:"attempt_id"`
	Instructions string            `json:"instructions,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	CreatedAtUTC string            `json:"created_at_utc"`
}

// ExperimentResult is what the bridge writes back when the experiment ends.
type ExperimentResult struct {
	// Status is "completed" or "failed".
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// ExperimentOperator hands attempts to laboratory equipment through a
// file-exchange protocol: a request file out, a result file back.
type ExperimentOperator struct {
	key    string
	logger *slog.Logger
}

// NewExperimentOperator creates an experiment operator for the given key.
func NewExperimentOperator(key string, logger *slog.Logger) *ExperimentOperator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExperimentOperator{key: key, logger: logger}
}

// Prepare writes the experiment request into the attempt dir.
func (o *ExperimentOperator) Prepare(_ context.Context, run *workflow.RunHandle, task *workflow.Task, h *AttemptHandle) (*AttemptHandle, error) {
	dir, err := EnsureUnder(run.Root, run.AttemptDir(task.ID, h.AttemptID))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attempt dir: %w", err)
	}

	req := ExperimentRequest{
		TaskID:       task.ID,
		AttemptID:    h.AttemptID,
		Instructions: task.Command,
		Parameters:   task.Env,
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal experiment request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ExperimentRequestFile), append(b, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write experiment request: %w", err)
	}

	refs, err := StageFiles(dir, task.Files)
	if err != nil {
		return nil, err
	}
	if err := WriteManifest(dir, &Manifest{
		TaskID:      task.ID,
		AttemptID:   h.AttemptID,
		OperatorKey: o.key,
		Files:       refs,
	}); err != nil {
		return nil, err
	}

	h.Dir = dir
	h.RelativePath = RelativeTo(run.Root, dir)
	h.Status = ExternalPending
	return h, nil
}

// Submit issues a synthetic external id for the waiting experiment.
func (o *ExperimentOperator) Submit(_ context.Context, _ *workflow.RunHandle, h *AttemptHandle) (*AttemptHandle, error) {
	if h.ExternalID != "" {
		return h, nil
	}
	if h.Dir == "" {
		return nil, fmt.Errorf("attempt %s: %w", h.AttemptID, ErrNotPrepared)
	}
	h.ExternalID = "exp_" + h.AttemptID
	h.Status = ExternalPending
	return h, nil
}

// Poll checks for the experiment result.
func (o *ExperimentOperator) Poll(_ context.Context, _ *workflow.RunHandle, h *AttemptHandle) (*AttemptHandle, error) {
	result, err := o.readResult(h)
	if err != nil {
		if os.IsNotExist(err) {
			h.Status = ExternalPending
			return h, nil
		}
		return nil, err
	}
	switch result.Status {
	case "completed":
		h.Status = ExternalCompleted
	case "failed":
		h.Status = ExternalFailed
		h.Data.Error = result.Error
	default:
		o.logger.Warn("Ignoring experiment result with unknown status",
			slog.String("attempt_id", h.AttemptID),
			slog.String("status", result.Status))
		h.Status = ExternalPending
	}
	return h, nil
}

// Collect returns the experiment result file and data.
func (o *ExperimentOperator) Collect(_ context.Context, run *workflow.RunHandle, h *AttemptHandle) (*Result, error) {
	result, err := o.readResult(h)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("attempt %s: %w", h.AttemptID, ErrResponsePending)
		}
		return nil, err
	}
	return &Result{
		Files: map[string]string{ExperimentResultFile: RelativeTo(run.Root, filepath.Join(h.Dir, ExperimentResultFile))},
		Data:  result.Data,
	}, nil
}

// Cancel marks the request withdrawn so the bridge skips it.
func (o *ExperimentOperator) Cancel(_ context.Context, _ *workflow.RunHandle, h *AttemptHandle) error {
	if h.Dir == "" {
		return nil
	}
	cancelled := []byte(`{"cancelled": true}` + "\n")
	return os.WriteFile(filepath.Join(h.Dir, "experiment_cancelled.json"), cancelled, 0o644)
}

func (o *ExperimentOperator) readResult(h *AttemptHandle) (*ExperimentResult, error) {
	raw, err := os.ReadFile(filepath.Join(h.Dir, ExperimentResultFile))
	if err != nil {
		return nil, err
	}
	var result ExperimentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse %s for attempt %s: %w", ExperimentResultFile, h.AttemptID, err)
	}
	return &result, nil
}
