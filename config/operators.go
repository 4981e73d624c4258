package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/matterstack/workflow"
)

// Operator kinds understood by the wiring schema.
const (
	KindHPC        = "hpc"
	KindLocal      = "local"
	KindHuman      = "human"
	KindExperiment = "experiment"
)

// Backend types understood by the wiring schema.
const (
	BackendLocal   = "local"
	BackendSlurm   = "slurm"
	BackendProfile = "profile"
	BackendHPCYAML = "hpc_yaml"
)

// WiringDefaults are wiring-wide settings.
type WiringDefaults struct {
	// MaxConcurrentGlobal caps active attempts across all operators.
	// Zero means unlimited at the wiring level.
	MaxConcurrentGlobal int `yaml:"max_concurrent_global,omitempty"`
}

// BackendSpec configures how a compute operator reaches its substrate.
type BackendSpec struct {
	// Type selects the backend: local, slurm, profile, or hpc_yaml.
	Type string `yaml:"type"`

	// Profile names a site profile for type profile.
	Profile string `yaml:"profile,omitempty"`

	// Path points at an hpc_yaml file for type hpc_yaml.
	Path string `yaml:"path,omitempty"`

	// Host, Partition, and Account parametrize slurm backends.
	Host      string `yaml:"host,omitempty"`
	Partition string `yaml:"partition,omitempty"`
	Account   string `yaml:"account,omitempty"`
}

// OperatorSpec is one operator entry in operators.yaml.
type OperatorSpec struct {
	// Kind is the operator family and must match the key's first segment.
	Kind string `yaml:"kind"`

	// Backend configures compute operators. Ignored for human and
	// experiment kinds.
	Backend BackendSpec `yaml:"backend,omitempty"`

	// MaxConcurrent caps active attempts routed to this operator.
	// Zero means unlimited.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
}

// OperatorsConfig is the parsed operators.yaml.
type OperatorsConfig struct {
	Defaults  WiringDefaults          `yaml:"defaults,omitempty"`
	Operators map[string]OperatorSpec `yaml:"operators"`
}

// Keys lists the configured operator keys, sorted.
func (c *OperatorsConfig) Keys() []string {
	keys := make([]string, 0, len(c.Operators))
	for k := range c.Operators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks the wiring invariants: canonical keys, known kinds that
// match their key prefix, known backend types on compute operators, and
// non-negative caps.
func (c *OperatorsConfig) Validate() error {
	if len(c.Operators) == 0 {
		return &workflow.ValidationError{Field: "operators", Message: "at least one operator is required"}
	}
	if c.Defaults.MaxConcurrentGlobal < 0 {
		return &workflow.ValidationError{Field: "defaults.max_concurrent_global", Message: "must not be negative"}
	}
	for key, spec := range c.Operators {
		canonical, err := workflow.NormalizeOperatorKey(key)
		if err != nil || canonical != key {
			return &workflow.ValidationError{Field: "operators." + key, Message: "key is not canonical"}
		}
		switch spec.Kind {
		case KindHPC, KindLocal, KindHuman, KindExperiment:
		default:
			return &workflow.ValidationError{Field: "operators." + key + ".kind", Message: "unknown kind " + spec.Kind}
		}
		if kind := workflow.OperatorKind(key); spec.Kind != kind {
			return &workflow.ValidationError{
				Field:   "operators." + key + ".kind",
				Message: fmt.Sprintf("kind %s does not match key prefix %s", spec.Kind, kind),
			}
		}
		if spec.MaxConcurrent < 0 {
			return &workflow.ValidationError{Field: "operators." + key + ".max_concurrent", Message: "must not be negative"}
		}
		if spec.Kind == KindHPC || spec.Kind == KindLocal {
			switch spec.Backend.Type {
			case BackendLocal, BackendSlurm, BackendProfile, BackendHPCYAML:
			case "":
				return &workflow.ValidationError{Field: "operators." + key + ".backend.type", Message: "backend type is required"}
			default:
				return &workflow.ValidationError{Field: "operators." + key + ".backend.type", Message: "unknown backend type " + spec.Backend.Type}
			}
		}
	}
	return nil
}

// ParseOperatorsConfig strictly decodes operators.yaml bytes. Unknown
// fields are errors so typos fail loudly instead of silently unwiring an
// operator.
func ParseOperatorsConfig(raw []byte) (*OperatorsConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var c OperatorsConfig
	if err := dec.Decode(&c); err != nil {
		if err == io.EOF {
			return nil, &workflow.ValidationError{Field: "operators", Message: "empty wiring file"}
		}
		return nil, fmt.Errorf("parse operators config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadOperatorsConfig reads and parses operators.yaml from path.
func LoadOperatorsConfig(path string) (*OperatorsConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operators config: %w", err)
	}
	return ParseOperatorsConfig(raw)
}

// DefaultOperatorsConfig is the zero-configuration wiring: a single local
// operator for development runs.
func DefaultOperatorsConfig() *OperatorsConfig {
	return &OperatorsConfig{
		Operators: map[string]OperatorSpec{
			"local.default": {Kind: KindLocal, Backend: BackendSpec{Type: BackendLocal}},
		},
	}
}
