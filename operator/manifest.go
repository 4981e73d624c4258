package operator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/matterstack/workflow"
)

// ManifestSchemaVersion is the attempt manifest schema generation.
const ManifestSchemaVersion = 2

// ManifestFile is the manifest file name inside an attempt dir.
const ManifestFile = "manifest.json"

// FileRef is a lean reference to one staged input: enough to verify the
// bytes later without copying them into the manifest.
type FileRef struct {
	// SHA256 is the hex digest of the staged bytes.
	SHA256 string `json:"sha256"`

	// Bytes is the staged size.
	Bytes int64 `json:"bytes"`

	// Source records where the bytes came from: "inline" or the origin
	// path on the submitting host.
	Source string `json:"source"`
}

// Manifest describes what an attempt was given to run.
type Manifest struct {
	SchemaVersion int    `json:"schema_version"`
	TaskID        string `json:"task_id"`
	AttemptID     string `json:"attempt_id"`
	OperatorKey   string `json:"operator_key"`
	Command       string `json:"command,omitempty"`
	CreatedAtUTC  string `json:"created_at_utc"`

	// Files maps staged destination paths to their references.
	Files map[string]FileRef `json:"files"`
}

// StageFiles writes the task's input files into dir and returns their
// manifest references. Destinations are confined to dir.
func StageFiles(dir string, files map[string]workflow.FileSource) (map[string]FileRef, error) {
	refs := make(map[string]FileRef, len(files))
	for dest, src := range files {
		abs, err := EnsureUnder(dir, dest)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("stage %s: %w", dest, err)
		}

		var (
			data   []byte
			source string
		)
		if src.Path != "" {
			data, err = os.ReadFile(src.Path)
			if err != nil {
				return nil, fmt.Errorf("stage %s from %s: %w", dest, src.Path, err)
			}
			source = src.Path
		} else {
			data = []byte(src.Content)
			source = "inline"
		}
		if err := os.WriteFile(abs, data, 0o644); err != nil {
			return nil, fmt.Errorf("stage %s: %w", dest, err)
		}

		sum := sha256.Sum256(data)
		refs[dest] = FileRef{
			SHA256: hex.EncodeToString(sum[:]),
			Bytes:  int64(len(data)),
			Source: source,
		}
	}
	return refs, nil
}

// WriteManifest writes the attempt manifest into dir.
func WriteManifest(dir string, m *Manifest) error {
	m.SchemaVersion = ManifestSchemaVersion
	if m.CreatedAtUTC == "" {
		m.CreatedAtUTC = time.Now().UTC().Format(time.RFC3339)
	}
	if m.Files == nil {
		m.Files = map[string]FileRef{}
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest from an attempt dir.
func ReadManifest(dir string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m Manifest
	if err := json.NewDecoder(io.LimitReader(f, 16<<20)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}
