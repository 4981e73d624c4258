package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/matterstack/workflow"
)

// RunRecord is the persisted form of a campaign run.
type RunRecord struct {
	// RunID uniquely identifies the run.
	RunID string `db:"run_id"`

	// CampaignSlug names the campaign that owns this run.
	CampaignSlug string `db:"campaign_slug"`

	// Status is the run lifecycle state.
	Status workflow.RunStatus `db:"status"`

	// StatusReason is a free-text note for the last status transition,
	// set when a run fails or is cancelled.
	StatusReason *string `db:"status_reason"`

	// ConfigJSON is the serialized run configuration.
	ConfigJSON string `db:"config_json"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// TaskRecord is the persisted form of a task. JSON columns hold the
// variable-shape parts of the definition so schema churn stays low.
type TaskRecord struct {
	TaskID     string `db:"task_id"`
	RunID      string `db:"run_id"`
	WorkflowID string `db:"workflow_id"`

	// Kind is task, gate, or external.
	Kind string `db:"kind"`

	Status workflow.TaskStatus `db:"status"`

	// OperatorKey is the resolved canonical key, nil until first dispatch
	// unless the definition pinned one.
	OperatorKey *string `db:"operator_key"`

	// Variant is the legacy operator family name, if the definition used one.
	Variant *string `db:"variant"`

	Image   string `db:"image"`
	Command string `db:"command"`

	FilesJSON            string `db:"files_json"`
	EnvJSON              string `db:"env_json"`
	DependenciesJSON     string `db:"dependencies_json"`
	DownloadPatternsJSON string `db:"download_patterns_json"`
	ResourcesJSON        string `db:"resources_json"`
	GateJSON             *string `db:"gate_json"`
	ExternalJSON         *string `db:"external_json"`

	// AllowFailure lets the run complete despite this task failing.
	AllowFailure bool `db:"allow_failure"`

	// AllowDependencyFailure dispatches despite failed dependencies.
	AllowDependencyFailure bool `db:"allow_dependency_failure"`

	Error *string `db:"error"`

	// CurrentAttemptID mirrors the highest-index attempt. Derivation by
	// index is authoritative; this column is a convenience pointer.
	CurrentAttemptID *string `db:"current_attempt_id"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// AttemptRecord is the persisted form of a task attempt. Attempts are
// append-only: terminal records never change.
type AttemptRecord struct {
	AttemptID string `db:"attempt_id"`
	TaskID    string `db:"task_id"`

	// AttemptIndex is 1-based and strictly increasing per task.
	AttemptIndex int `db:"attempt_index"`

	Status workflow.AttemptStatus `db:"status"`

	// OperatorType is the canonical operator key the attempt dispatched to.
	OperatorType string `db:"operator_type"`

	// ExternalID is the backend job or ticket id, once known.
	ExternalID *string `db:"external_id"`

	// ArtifactPath is the attempt evidence dir relative to the run root.
	ArtifactPath *string `db:"artifact_path"`

	// OperatorDataJSON is operator-owned structured state.
	OperatorDataJSON string `db:"operator_data_json"`

	Error *string `db:"error"`

	CreatedAt   time.Time  `db:"created_at"`
	SubmittedAt *time.Time `db:"submitted_at"`
	EndedAt     *time.Time `db:"ended_at"`
}

// ExternalRunRecord is a legacy tracking row. This implementation only
// reads these for runs created by older engines; it never writes them.
type ExternalRunRecord struct {
	ExternalRunID string     `db:"external_run_id"`
	RunID         string     `db:"run_id"`
	TaskID        string     `db:"task_id"`
	Status        string     `db:"status"`
	ExternalID    *string    `db:"external_id"`
	MetadataJSON  string     `db:"metadata_json"`
	CreatedAt     *time.Time `db:"created_at"`
	UpdatedAt     *time.Time `db:"updated_at"`
}

// Task reconstructs the domain task from its record.
func (r *TaskRecord) Task() (*workflow.Task, error) {
	t := &workflow.Task{
		ID:                     r.TaskID,
		Kind:                   workflow.TaskKind(r.Kind),
		Image:                  r.Image,
		Command:                r.Command,
		AllowFailure:           r.AllowFailure,
		AllowDependencyFailure: r.AllowDependencyFailure,
	}
	if r.OperatorKey != nil {
		t.OperatorKey = *r.OperatorKey
	}
	if r.Variant != nil {
		t.Variant = *r.Variant
	}
	if err := json.Unmarshal([]byte(orDefault(r.FilesJSON, "{}")), &t.Files); err != nil {
		return nil, fmt.Errorf("task %s files: %w", r.TaskID, err)
	}
	if err := json.Unmarshal([]byte(orDefault(r.EnvJSON, "{}")), &t.Env); err != nil {
		return nil, fmt.Errorf("task %s env: %w", r.TaskID, err)
	}
	if err := json.Unmarshal([]byte(orDefault(r.DependenciesJSON, "[]")), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("task %s dependencies: %w", r.TaskID, err)
	}
	if err := json.Unmarshal([]byte(orDefault(r.DownloadPatternsJSON, "[]")), &t.DownloadPatterns); err != nil {
		return nil, fmt.Errorf("task %s download_patterns: %w", r.TaskID, err)
	}
	if err := json.Unmarshal([]byte(orDefault(r.ResourcesJSON, "{}")), &t.Resources); err != nil {
		return nil, fmt.Errorf("task %s resources: %w", r.TaskID, err)
	}
	if r.GateJSON != nil {
		t.Gate = &workflow.GateConfig{}
		if err := json.Unmarshal([]byte(*r.GateJSON), t.Gate); err != nil {
			return nil, fmt.Errorf("task %s gate: %w", r.TaskID, err)
		}
	}
	if r.ExternalJSON != nil {
		t.External = &workflow.ExternalConfig{}
		if err := json.Unmarshal([]byte(*r.ExternalJSON), t.External); err != nil {
			return nil, fmt.Errorf("task %s external: %w", r.TaskID, err)
		}
	}
	return t, nil
}

// newTaskRecord serializes a domain task for insertion.
func newTaskRecord(runID, workflowID string, t *workflow.Task, now time.Time) (*TaskRecord, error) {
	r := &TaskRecord{
		TaskID:                 t.ID,
		RunID:                  runID,
		WorkflowID:             workflowID,
		Kind:                   string(t.Kind),
		Status:                 workflow.TaskPending,
		Image:                  t.Image,
		Command:                t.Command,
		AllowFailure:           t.AllowFailure,
		AllowDependencyFailure: t.AllowDependencyFailure,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if t.Kind == "" {
		r.Kind = string(workflow.KindTask)
	}
	if t.OperatorKey != "" {
		r.OperatorKey = &t.OperatorKey
	}
	if t.Variant != "" {
		r.Variant = &t.Variant
	}
	var err error
	if r.FilesJSON, err = marshalOr(t.Files, "{}"); err != nil {
		return nil, err
	}
	if r.EnvJSON, err = marshalOr(t.Env, "{}"); err != nil {
		return nil, err
	}
	if r.DependenciesJSON, err = marshalOr(t.Dependencies, "[]"); err != nil {
		return nil, err
	}
	if r.DownloadPatternsJSON, err = marshalOr(t.DownloadPatterns, "[]"); err != nil {
		return nil, err
	}
	resources, err := json.Marshal(t.Resources)
	if err != nil {
		return nil, err
	}
	r.ResourcesJSON = string(resources)
	if t.Gate != nil {
		b, err := json.Marshal(t.Gate)
		if err != nil {
			return nil, err
		}
		s := string(b)
		r.GateJSON = &s
	}
	if t.External != nil {
		b, err := json.Marshal(t.External)
		if err != nil {
			return nil, err
		}
		s := string(b)
		r.ExternalJSON = &s
	}
	return r, nil
}

func marshalOr(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
