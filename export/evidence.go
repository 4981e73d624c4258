// Package export renders a run's evidence into a portable bundle: a JSON
// dump of run, tasks, and attempts plus a human-readable report. Export
// reads; it never mutates run state.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/matterstack/operator"
	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

// Bundle file names.
const (
	BundleFile = "bundle.json"
	ReportFile = "report.md"
)

// AttemptSummary is one attempt in the bundle.
type AttemptSummary struct {
	AttemptID    string                 `json:"attempt_id"`
	AttemptIndex int                    `json:"attempt_index"`
	Status       workflow.AttemptStatus `json:"status"`
	OperatorKey  string                 `json:"operator_key"`
	ExternalID   string                 `json:"external_id,omitempty"`
	ArtifactPath string                 `json:"artifact_path,omitempty"`
	ConfigHash   string                 `json:"config_hash,omitempty"`
	Error        string                 `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	EndedAt      *time.Time             `json:"ended_at,omitempty"`
}

// TaskSummary is one task and its attempt history in the bundle.
type TaskSummary struct {
	TaskID   string              `json:"task_id"`
	Kind     string              `json:"kind"`
	Status   workflow.TaskStatus `json:"status"`
	Error    string              `json:"error,omitempty"`
	Attempts []AttemptSummary    `json:"attempts"`
}

// Bundle is the exported view of a run.
type Bundle struct {
	RunID         string             `json:"run_id"`
	CampaignSlug  string             `json:"campaign_slug"`
	Status        workflow.RunStatus `json:"status"`
	ExportedAtUTC string             `json:"exported_at_utc"`
	Tasks         []TaskSummary      `json:"tasks"`
}

// Write exports the run's evidence into destDir.
func Write(ctx context.Context, store *storage.Store, run *workflow.RunHandle, destDir string) (*Bundle, error) {
	runRec, err := store.GetRun(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	tasks, err := store.GetTasks(ctx, run.RunID)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		RunID:         run.RunID,
		CampaignSlug:  runRec.CampaignSlug,
		Status:        runRec.Status,
		ExportedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}
	for _, rec := range tasks {
		ts := TaskSummary{TaskID: rec.TaskID, Kind: rec.Kind, Status: rec.Status}
		if rec.Error != nil {
			ts.Error = *rec.Error
		}
		attempts, err := store.ListAttempts(ctx, rec.TaskID)
		if err != nil {
			return nil, err
		}
		for _, att := range attempts {
			ts.Attempts = append(ts.Attempts, summarize(att))
		}
		bundle.Tasks = append(bundle.Tasks, ts)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	b, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, BundleFile), append(b, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write bundle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, ReportFile), []byte(renderReport(bundle)), 0o644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	return bundle, nil
}

func summarize(att *storage.AttemptRecord) AttemptSummary {
	s := AttemptSummary{
		AttemptID:    att.AttemptID,
		AttemptIndex: att.AttemptIndex,
		Status:       att.Status,
		OperatorKey:  att.OperatorType,
		CreatedAt:    att.CreatedAt,
		EndedAt:      att.EndedAt,
	}
	if att.ExternalID != nil {
		s.ExternalID = *att.ExternalID
	}
	if att.ArtifactPath != nil {
		s.ArtifactPath = *att.ArtifactPath
	}
	if att.Error != nil {
		s.Error = *att.Error
	}
	if data, err := operator.DecodeData(att.OperatorDataJSON); err == nil {
		s.ConfigHash = data.ConfigHash
	}
	return s
}

func renderReport(b *Bundle) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Run %s\n\n", b.RunID))
	sb.WriteString(fmt.Sprintf("**Campaign**: %s\n", b.CampaignSlug))
	sb.WriteString(fmt.Sprintf("**Status**: %s\n", b.Status))
	sb.WriteString(fmt.Sprintf("**Exported**: %s\n\n", b.ExportedAtUTC))

	sb.WriteString("| Task | Kind | Status | Attempts |\n")
	sb.WriteString("|------|------|--------|----------|\n")
	for _, t := range b.Tasks {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d |\n", t.TaskID, t.Kind, t.Status, len(t.Attempts)))
	}
	sb.WriteString("\n")

	for _, t := range b.Tasks {
		if len(t.Attempts) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("## %s\n\n", t.TaskID))
		if t.Error != "" {
			sb.WriteString(fmt.Sprintf("Error: %s\n\n", t.Error))
		}
		for _, a := range t.Attempts {
			sb.WriteString(fmt.Sprintf("- attempt %d (`%s`): %s", a.AttemptIndex, a.AttemptID, a.Status))
			if a.ExternalID != "" {
				sb.WriteString(fmt.Sprintf(", external `%s`", a.ExternalID))
			}
			if a.Error != "" {
				sb.WriteString(fmt.Sprintf(", error: %s", a.Error))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
