package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OperatorsEnvVar names the environment variable carrying a wiring file
// path for runs that configure nothing more specific.
const OperatorsEnvVar = "MATTERSTACK_OPERATORS_CONFIG"

// WorkspaceOperatorsFile is the workspace-level default wiring file name.
const WorkspaceOperatorsFile = "operators.yaml"

// LegacyHPCConfigFile is the pre-wiring single-operator config file name.
const LegacyHPCConfigFile = "hpc-config.yaml"

// WiringSource identifies which precedence level produced the effective
// wiring.
type WiringSource string

// Wiring sources, highest precedence first.
const (
	SourceCLI         WiringSource = "cli"
	SourceRunSnapshot WiringSource = "run_snapshot"
	SourceWorkspace   WiringSource = "workspace"
	SourceEnv         WiringSource = "env"
	SourceLegacy      WiringSource = "legacy"
)

// Provenance records everything consulted during resolution, for the
// wiring audit trail.
type Provenance struct {
	// WorkspaceSlug is the workspace the run belongs to.
	WorkspaceSlug string `json:"workspace_slug,omitempty"`

	// EnvVarName is set when the env level was the source.
	EnvVarName string `json:"env_var_name,omitempty"`

	// CLI is the --operators path as given, when the CLI was the source.
	CLI string `json:"cli,omitempty"`

	// Legacy describes the legacy input (profile name or file path) when
	// legacy synthesis was the source.
	Legacy string `json:"legacy,omitempty"`
}

// Resolution is an effective wiring choice: the bytes, where they came
// from, and their digest.
type Resolution struct {
	Source     WiringSource
	Path       string
	SHA256     string
	Bytes      []byte
	Config     *OperatorsConfig
	Provenance Provenance
}

// ResolveOptions are the inputs to wiring resolution.
type ResolveOptions struct {
	// CLIPath is the --operators flag value, highest precedence.
	CLIPath string

	// RunSnapshotPath is the run's persisted snapshot location. An
	// existing snapshot wins over everything below the CLI.
	RunSnapshotPath string

	// WorkspaceDir is the workspace root holding the default wiring.
	WorkspaceDir string

	// WorkspaceSlug names the workspace for provenance.
	WorkspaceSlug string

	// LegacyProfile is the --profile flag value for legacy synthesis.
	LegacyProfile string
}

// ResolveWiring walks the precedence chain and returns the effective
// wiring. Byte-exactness matters: the returned Bytes are exactly what was
// read (or synthesized), and SHA256 is their digest, because snapshot
// comparison is byte-level, not semantic.
func ResolveWiring(opts ResolveOptions) (*Resolution, error) {
	if opts.CLIPath != "" {
		res, err := resolutionFromFile(SourceCLI, opts.CLIPath)
		if err != nil {
			return nil, err
		}
		res.Provenance = Provenance{WorkspaceSlug: opts.WorkspaceSlug, CLI: opts.CLIPath}
		return res, nil
	}

	if opts.RunSnapshotPath != "" {
		if _, err := os.Stat(opts.RunSnapshotPath); err == nil {
			res, err := resolutionFromFile(SourceRunSnapshot, opts.RunSnapshotPath)
			if err != nil {
				return nil, err
			}
			res.Provenance = Provenance{WorkspaceSlug: opts.WorkspaceSlug}
			return res, nil
		}
	}

	if opts.WorkspaceDir != "" {
		path := filepath.Join(opts.WorkspaceDir, WorkspaceOperatorsFile)
		if _, err := os.Stat(path); err == nil {
			res, err := resolutionFromFile(SourceWorkspace, path)
			if err != nil {
				return nil, err
			}
			res.Provenance = Provenance{WorkspaceSlug: opts.WorkspaceSlug}
			return res, nil
		}
	}

	if envPath := os.Getenv(OperatorsEnvVar); envPath != "" {
		res, err := resolutionFromFile(SourceEnv, envPath)
		if err != nil {
			return nil, err
		}
		res.Provenance = Provenance{WorkspaceSlug: opts.WorkspaceSlug, EnvVarName: OperatorsEnvVar}
		return res, nil
	}

	if res, ok, err := resolveLegacy(opts); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	return nil, ErrNoWiring
}

// resolveLegacy synthesizes a single-operator wiring from the pre-wiring
// configuration style: an explicit --profile, or an hpc-config.yaml in the
// workspace.
func resolveLegacy(opts ResolveOptions) (*Resolution, bool, error) {
	var (
		spec   OperatorSpec
		legacy string
	)
	switch {
	case opts.LegacyProfile != "":
		spec = OperatorSpec{Kind: KindHPC, Backend: BackendSpec{Type: BackendProfile, Profile: opts.LegacyProfile}}
		legacy = "profile:" + opts.LegacyProfile
	case opts.WorkspaceDir != "":
		path := filepath.Join(opts.WorkspaceDir, LegacyHPCConfigFile)
		if _, err := os.Stat(path); err != nil {
			return nil, false, nil
		}
		spec = OperatorSpec{Kind: KindHPC, Backend: BackendSpec{Type: BackendHPCYAML, Path: path}}
		legacy = path
	default:
		return nil, false, nil
	}

	cfg := &OperatorsConfig{Operators: map[string]OperatorSpec{"hpc.default": spec}}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, false, fmt.Errorf("synthesize legacy wiring: %w", err)
	}
	sum := sha256.Sum256(raw)
	return &Resolution{
		Source:     SourceLegacy,
		Path:       legacy,
		SHA256:     hex.EncodeToString(sum[:]),
		Bytes:      raw,
		Config:     cfg,
		Provenance: Provenance{WorkspaceSlug: opts.WorkspaceSlug, Legacy: legacy},
	}, true, nil
}

func resolutionFromFile(source WiringSource, path string) (*Resolution, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wiring (%s): %w", source, err)
	}
	cfg, err := ParseOperatorsConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("wiring %s: %w", path, err)
	}
	sum := sha256.Sum256(raw)
	return &Resolution{
		Source: source,
		Path:   path,
		SHA256: hex.EncodeToString(sum[:]),
		Bytes:  raw,
		Config: cfg,
	}, nil
}
