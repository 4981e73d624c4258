package workflow

// TaskKind distinguishes ordinary compute tasks from gate and external
// placeholder tasks.
type TaskKind string

// Task kinds.
const (
	KindTask     TaskKind = "task"
	KindGate     TaskKind = "gate"
	KindExternal TaskKind = "external"
)

// FileSource describes one staged input file. Exactly one of Content or
// Path is set: Content carries the bytes inline, Path references a file on
// the submitting host to copy at prepare time.
type FileSource struct {
	// Content is the inline file content.
	Content string `json:"content,omitempty"`

	// Path is a source path on the submitting host.
	Path string `json:"path,omitempty"`
}

// ResourceHints carries optional scheduling hints for compute backends.
// Nil fields mean "unspecified" and round-trip as such.
type ResourceHints struct {
	// Cores is the requested CPU core count.
	Cores *int `json:"cores,omitempty"`

	// MemoryGB is the requested memory in gigabytes.
	MemoryGB *int `json:"memory_gb,omitempty"`

	// GPUs is the requested GPU count.
	GPUs *int `json:"gpus,omitempty"`

	// Walltime is the requested wall clock limit, e.g. "04:00:00".
	Walltime *string `json:"walltime,omitempty"`
}

// GateConfig carries the review configuration of a gate task.
type GateConfig struct {
	// Instructions shown to the reviewer.
	Instructions string `json:"instructions,omitempty"`

	// Approvers lists who may resolve the gate.
	Approvers []string `json:"approvers,omitempty"`
}

// ExternalConfig carries the description of work tracked outside the engine.
type ExternalConfig struct {
	// System names the external system, e.g. a lab queue.
	System string `json:"system,omitempty"`

	// Reference is an opaque external reference.
	Reference string `json:"reference,omitempty"`
}

// Task is one unit of campaign work. Tasks represent current intent; the
// evidence of execution lives in their attempts.
type Task struct {
	// ID uniquely identifies the task within its run.
	ID string `json:"task_id"`

	// Kind is task, gate, or external.
	Kind TaskKind `json:"kind"`

	// Image names the container or environment image the command runs in.
	// Backends without image support ignore it.
	Image string `json:"image,omitempty"`

	// Command is the shell command executed by compute operators.
	Command string `json:"command,omitempty"`

	// Files maps destination-relative paths to their sources.
	Files map[string]FileSource `json:"files,omitempty"`

	// Env is extra environment for the command. The reserved key
	// MATTERSTACK_OPERATOR routes the task to a specific operator.
	Env map[string]string `json:"env,omitempty"`

	// Dependencies lists task ids that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`

	// DownloadPatterns selects outputs to collect, doublestar globs with
	// "!" prefix for excludes.
	DownloadPatterns []string `json:"download_patterns,omitempty"`

	// OperatorKey pins the task to a canonical operator key. Empty means
	// route by env, variant, then run default.
	OperatorKey string `json:"operator_key,omitempty"`

	// Variant is the legacy operator family name (HPC, LOCAL, HUMAN,
	// EXPERIMENT), kept for routing older campaign definitions.
	Variant string `json:"variant,omitempty"`

	// Resources carries optional scheduling hints.
	Resources ResourceHints `json:"resources,omitempty"`

	// AllowFailure lets the run complete even if this task ends FAILED
	// or CANCELLED.
	AllowFailure bool `json:"allow_failure,omitempty"`

	// AllowDependencyFailure dispatches this task even when a dependency
	// ended FAILED, CANCELLED, or SKIPPED. Without it such a task is
	// SKIPPED.
	AllowDependencyFailure bool `json:"allow_dependency_failure,omitempty"`

	// Gate is set for gate tasks.
	Gate *GateConfig `json:"gate,omitempty"`

	// External is set for external tasks.
	External *ExternalConfig `json:"external,omitempty"`
}

// Validate checks the structural requirements of a task definition.
func (t *Task) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	switch t.Kind {
	case KindTask, KindGate, KindExternal, "":
	default:
		return &ValidationError{Field: "kind", Message: "unknown task kind " + string(t.Kind)}
	}
	if t.Kind == KindTask || t.Kind == "" {
		if t.Command == "" {
			return &ValidationError{Field: "command", Message: "command is required"}
		}
	}
	if t.OperatorKey != "" {
		if _, err := NormalizeOperatorKey(t.OperatorKey); err != nil {
			return &ValidationError{Field: "operator_key", Message: err.Error()}
		}
	}
	for dest, src := range t.Files {
		if dest == "" {
			return &ValidationError{Field: "files", Message: "empty destination path"}
		}
		if src.Content != "" && src.Path != "" {
			return &ValidationError{Field: "files", Message: dest + ": content and path are mutually exclusive"}
		}
	}
	return nil
}

// NewGateTask builds a gate task that blocks its dependents until a human
// resolves it out of band.
func NewGateTask(id string, cfg GateConfig, deps ...string) *Task {
	return &Task{ID: id, Kind: KindGate, Gate: &cfg, Dependencies: deps}
}

// NewExternalTask builds a placeholder for work tracked outside the engine.
func NewExternalTask(id string, cfg ExternalConfig, deps ...string) *Task {
	return &Task{ID: id, Kind: KindExternal, External: &cfg, Dependencies: deps}
}
