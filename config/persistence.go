package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/matterstack/workflow"
)

// Wiring snapshot layout inside the run root.
const (
	MetadataFile       = "metadata.json"
	HistoryFile        = "history.jsonl"
	WiringSchemaV      = 1
	snapshotRelpath    = workflow.SnapshotDir + "/" + workflow.SnapshotFile
	historyRelpathName = workflow.SnapshotDir + "/" + HistoryFile
)

// Wiring history events.
const (
	EventPersisted             = "WIRING_PERSISTED"
	EventOverrideRefused       = "WIRING_OVERRIDE_REFUSED"
	EventOverrideForced        = "WIRING_OVERRIDE_FORCED"
	EventMetadataReconstructed = "WIRING_METADATA_RECONSTRUCTED"
)

// EffectiveWiring is the snapshot-backed effective wiring recorded in
// metadata.json.
type EffectiveWiring struct {
	Source          WiringSource `json:"source"`
	ResolvedPath    string       `json:"resolved_path"`
	SHA256          string       `json:"sha256"`
	SnapshotRelpath string       `json:"snapshot_relpath"`
}

// WiringMetadata is the persisted metadata.json beside the snapshot.
type WiringMetadata struct {
	SchemaVersion  int             `json:"schema_version"`
	CreatedAtUTC   string          `json:"created_at_utc"`
	UpdatedAtUTC   string          `json:"updated_at_utc"`
	Effective      EffectiveWiring `json:"effective"`
	Provenance     Provenance      `json:"provenance"`
	HistoryRelpath string          `json:"history_relpath"`
}

// HistoryRecord is one JSONL line in the wiring history.
type HistoryRecord struct {
	TSUTC   string         `json:"ts_utc"`
	Event   string         `json:"event"`
	RunID   string         `json:"run_id"`
	Details map[string]any `json:"details,omitempty"`
}

// PersistWiring pins the resolved wiring to the run. The first call
// snapshots the bytes; later calls compare digests. Identical bytes reuse
// the snapshot quietly, a different CLI-supplied file is refused unless
// force is set, and force replaces the snapshot while recording the prior
// digest in the history.
func PersistWiring(run *workflow.RunHandle, res *Resolution, force bool, logger *slog.Logger) (*Resolution, error) {
	if logger == nil {
		logger = slog.Default()
	}
	snapDir := run.SnapshotDirPath()
	snapPath := run.OperatorsPath()

	existing, err := os.ReadFile(snapPath)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(snapDir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
		if err := os.WriteFile(snapPath, res.Bytes, 0o644); err != nil {
			return nil, fmt.Errorf("write wiring snapshot: %w", err)
		}
		if err := writeMetadata(run, res, time.Now().UTC()); err != nil {
			return nil, err
		}
		if err := appendHistory(run, EventPersisted, map[string]any{
			"source": string(res.Source), "sha256": res.SHA256, "resolved_path": res.Path,
		}); err != nil {
			return nil, err
		}
		logger.Info("Persisted operator wiring",
			slog.String("run_id", run.RunID),
			slog.String("source", string(res.Source)),
			slog.String("sha256", res.SHA256))
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read wiring snapshot: %w", err)
	}

	sum := sha256.Sum256(existing)
	priorSHA := hex.EncodeToString(sum[:])

	switch {
	case res.SHA256 == priorSHA:
		// Same bytes, nothing to do beyond making sure metadata exists.
		if err := ensureMetadata(run, priorSHA, logger); err != nil {
			return nil, err
		}
		return res, nil

	case res.Source == SourceCLI && !force:
		if err := appendHistory(run, EventOverrideRefused, map[string]any{
			"attempted_sha256": res.SHA256, "attempted_path": res.Path,
		}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w (snapshot %s, attempted %s)", ErrWiringOverride, priorSHA[:12], res.SHA256[:12])

	case res.Source == SourceCLI && force:
		if err := os.WriteFile(snapPath, res.Bytes, 0o644); err != nil {
			return nil, fmt.Errorf("replace wiring snapshot: %w", err)
		}
		if err := writeMetadata(run, res, time.Now().UTC()); err != nil {
			return nil, err
		}
		if err := appendHistory(run, EventOverrideForced, map[string]any{
			"prior_sha256": priorSHA, "sha256": res.SHA256, "resolved_path": res.Path,
		}); err != nil {
			return nil, err
		}
		logger.Warn("Forced operator wiring override",
			slog.String("run_id", run.RunID),
			slog.String("prior_sha256", priorSHA),
			slog.String("sha256", res.SHA256))
		return res, nil

	default:
		// A lower-precedence source drifted (workspace or env file edited
		// after init). The run snapshot stays authoritative.
		snap, err := resolutionFromFile(SourceRunSnapshot, snapPath)
		if err != nil {
			return nil, err
		}
		snap.Provenance = res.Provenance
		if err := ensureMetadata(run, priorSHA, logger); err != nil {
			return nil, err
		}
		return snap, nil
	}
}

// LoadWiringMetadata reads metadata.json from the run's snapshot dir.
func LoadWiringMetadata(run *workflow.RunHandle) (*WiringMetadata, error) {
	raw, err := os.ReadFile(filepath.Join(run.SnapshotDirPath(), MetadataFile))
	if err != nil {
		return nil, err
	}
	var m WiringMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse wiring metadata: %w", err)
	}
	return &m, nil
}

// ExplainWiring renders the one-line wiring summary used by inspection
// commands.
func ExplainWiring(run *workflow.RunHandle) string {
	m, err := LoadWiringMetadata(run)
	if err != nil {
		return "Operator wiring: (no metadata)"
	}
	return fmt.Sprintf("Operator wiring: source=%s, sha256=%s, snapshot=%s",
		m.Effective.Source, m.Effective.SHA256, m.Effective.SnapshotRelpath)
}

// ensureMetadata reconstructs a missing metadata.json from the snapshot
// itself. Runs migrated from older engines carry a snapshot but no
// metadata.
func ensureMetadata(run *workflow.RunHandle, sha string, logger *slog.Logger) error {
	metaPath := filepath.Join(run.SnapshotDirPath(), MetadataFile)
	if _, err := os.Stat(metaPath); err == nil {
		return nil
	}
	res := &Resolution{
		Source: SourceRunSnapshot,
		Path:   run.OperatorsPath(),
		SHA256: sha,
	}
	if err := writeMetadata(run, res, time.Now().UTC()); err != nil {
		return err
	}
	if err := appendHistory(run, EventMetadataReconstructed, map[string]any{"sha256": sha}); err != nil {
		return err
	}
	logger.Info("Reconstructed wiring metadata", slog.String("run_id", run.RunID))
	return nil
}

func writeMetadata(run *workflow.RunHandle, res *Resolution, now time.Time) error {
	metaPath := filepath.Join(run.SnapshotDirPath(), MetadataFile)
	ts := now.Format(time.RFC3339)

	created := ts
	if prior, err := LoadWiringMetadata(run); err == nil && prior.CreatedAtUTC != "" {
		created = prior.CreatedAtUTC
	}

	m := WiringMetadata{
		SchemaVersion: WiringSchemaV,
		CreatedAtUTC:  created,
		UpdatedAtUTC:  ts,
		Effective: EffectiveWiring{
			Source:          res.Source,
			ResolvedPath:    res.Path,
			SHA256:          res.SHA256,
			SnapshotRelpath: snapshotRelpath,
		},
		Provenance:     res.Provenance,
		HistoryRelpath: historyRelpathName,
	}
	b, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wiring metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write wiring metadata: %w", err)
	}
	return nil
}

func appendHistory(run *workflow.RunHandle, event string, details map[string]any) error {
	rec := HistoryRecord{
		TSUTC:   time.Now().UTC().Format(time.RFC3339),
		Event:   event,
		RunID:   run.RunID,
		Details: details,
	}
	b, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	if err := os.MkdirAll(run.SnapshotDirPath(), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(run.SnapshotDirPath(), HistoryFile),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wiring history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append wiring history: %w", err)
	}
	return nil
}
