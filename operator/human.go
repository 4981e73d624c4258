package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/matterstack/workflow"
)

// Human operator artifact names.
const (
	InstructionsFile = "instructions.md"
	ResponseSchema   = "schema.json"
	ResponseFile     = "response.json"
)

// HumanResponse is the shape a reviewer drops into response.json.
type HumanResponse struct {
	// Status is "approved" or "rejected".
	Status string `json:"status"`

	// Notes is free-form reviewer commentary.
	Notes string `json:"notes,omitempty"`

	// Data is structured reviewer output.
	Data map[string]any `json:"data,omitempty"`
}

// HumanOperator routes attempts to a person: prepare writes instructions
// into the attempt dir, poll waits for a response.json to appear.
type HumanOperator struct {
	key    string
	logger *slog.Logger
}

// NewHumanOperator creates a human operator for the given canonical key.
func NewHumanOperator(key string, logger *slog.Logger) *HumanOperator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HumanOperator{key: key, logger: logger}
}

// Prepare writes the instruction sheet and the response schema the
// reviewer fills against.
func (o *HumanOperator) Prepare(_ context.Context, run *workflow.RunHandle, task *workflow.Task, h *AttemptHandle) (*AttemptHandle, error) {
	dir, err := EnsureUnder(run.Root, run.AttemptDir(task.ID, h.AttemptID))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attempt dir: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("# Review requested: " + task.ID + "\n\n")
	if task.Command != "" {
		sb.WriteString(task.Command + "\n\n")
	}
	if task.Gate != nil && task.Gate.Instructions != "" {
		sb.WriteString(task.Gate.Instructions + "\n\n")
	}
	sb.WriteString("Write your decision to `" + ResponseFile + "` in this directory,\n")
	sb.WriteString("following `" + ResponseSchema + "`.\n")
	if err := os.WriteFile(filepath.Join(dir, InstructionsFile), []byte(sb.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write instructions: %w", err)
	}

	schema := map[string]any{
		"type":     "object",
		"required": []string{"status"},
		"properties": map[string]any{
			"status": map[string]any{"enum": []string{"approved", "rejected"}},
			"notes":  map[string]any{"type": "string"},
			"data":   map[string]any{"type": "object"},
		},
	}
	b, _ := json.MarshalIndent(schema, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, ResponseSchema), append(b, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write response schema: %w", err)
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

// Submit issues a synthetic external id; the "submission" is the
// instruction sheet already on disk.
func (o *HumanOperator) Submit(_ context.Context, _ *workflow.RunHandle, h *AttemptHandle) (*AttemptHandle, error) {
	if h.ExternalID != "" {
		return h, nil
	}
	if h.Dir == "" {
		return nil, fmt.Errorf("attempt %s: %w", h.AttemptID, ErrNotPrepared)
	}
	h.ExternalID = "human_" + h.AttemptID
	h.Status = ExternalPending
	return h, nil
}

// Poll checks for the reviewer's response.
func (o *HumanOperator) Poll(_ context.Context, _ *workflow.RunHandle, h *AttemptHandle) (*AttemptHandle, error) {
	resp, err := o.readResponse(h)
	if err != nil {
		if os.IsNotExist(err) {
			h.Status = ExternalPending
			return h, nil
		}
		return nil, err
	}
	switch resp.Status {
	case "approved":
		h.Status = ExternalCompleted
	case "rejected":
		h.Status = ExternalFailed
		h.Data.Error = "rejected by reviewer"
		if resp.Notes != "" {
			h.Data.Error = "rejected by reviewer: " + resp.Notes
		}
	default:
		// An unreadable decision stays pending rather than guessing.
		o.logger.Warn("Ignoring response with unknown status",
			slog.String("attempt_id", h.AttemptID),
			slog.String("status", resp.Status))
		h.Status = ExternalPending
	}
	return h, nil
}

// Collect returns the reviewer's response file and data.
func (o *HumanOperator) Collect(_ context.Context, run *workflow.RunHandle, h *AttemptHandle) (*Result, error) {
	resp, err := o.readResponse(h)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("attempt %s: %w", h.AttemptID, ErrResponsePending)
		}
		return nil, err
	}
	res := &Result{
		Files: map[string]string{ResponseFile: RelativeTo(run.Root, filepath.Join(h.Dir, ResponseFile))},
		Data:  resp.Data,
	}
	if resp.Notes != "" {
		if res.Data == nil {
			res.Data = map[string]any{}
		}
		res.Data["notes"] = resp.Notes
	}
	return res, nil
}

// Cancel withdraws the request by marking the instruction sheet.
func (o *HumanOperator) Cancel(_ context.Context, _ *workflow.RunHandle, h *AttemptHandle) error {
	if h.Dir == "" {
		return nil
	}
	note := []byte("\n---\nCANCELLED: no response needed.\n")
	f, err := os.OpenFile(filepath.Join(h.Dir, InstructionsFile), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(note)
	return err
}

func (o *HumanOperator) readResponse(h *AttemptHandle) (*HumanResponse, error) {
	raw, err := os.ReadFile(filepath.Join(h.Dir, ResponseFile))
	if err != nil {
		return nil, err
	}
	var resp HumanResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse %s for attempt %s: %w", ResponseFile, h.AttemptID, err)
	}
	return &resp, nil
}
