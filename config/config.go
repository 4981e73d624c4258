// Package config holds run configuration and operator wiring: the
// operators.yaml schema, the resolution precedence that picks the
// effective wiring file, and the per-run snapshot that pins it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Run configuration defaults.
const (
	DefaultMaxJobsPerRun       = 10
	DefaultStuckCreatedTimeout = time.Hour
)

// RunConfig is the per-run engine configuration persisted as config.json
// in the run root.
type RunConfig struct {
	// CampaignSlug names the campaign driving this run.
	CampaignSlug string `json:"campaign_slug"`

	// ExecutionMode is empty for real execution or "simulation" to mark
	// tasks complete without dispatching.
	ExecutionMode string `json:"execution_mode,omitempty"`

	// MaxJobsPerRun caps concurrently active attempts for the whole run.
	MaxJobsPerRun int `json:"max_hpc_jobs_per_run,omitempty"`

	// DefaultOperator routes tasks that specify nothing themselves.
	DefaultOperator string `json:"default_operator,omitempty"`

	// StuckCreatedTimeout is how long an attempt may sit in CREATED with
	// no external id before it is declared dead. Accepts "1h", "30m",
	// "3600s", or a bare number of seconds.
	StuckCreatedTimeout string `json:"stuck_created_timeout,omitempty"`
}

// Simulation reports whether the run executes in simulation mode.
func (c *RunConfig) Simulation() bool { return c.ExecutionMode == "simulation" }

// EffectiveMaxJobs returns the run-wide concurrency cap.
func (c *RunConfig) EffectiveMaxJobs() int {
	if c.MaxJobsPerRun > 0 {
		return c.MaxJobsPerRun
	}
	return DefaultMaxJobsPerRun
}

// EffectiveStuckTimeout parses the stuck-CREATED timeout, falling back to
// the default on empty input.
func (c *RunConfig) EffectiveStuckTimeout() (time.Duration, error) {
	if c.StuckCreatedTimeout == "" {
		return DefaultStuckCreatedTimeout, nil
	}
	return ParseTimeout(c.StuckCreatedTimeout)
}

// ParseTimeout parses duration strings of the forms "1h", "30m", "3600s",
// or a bare number of seconds.
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrBadTimeout)
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: %q is negative", ErrBadTimeout, s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeout, s)
	}
	return d, nil
}

// LoadRunConfig reads config.json from path.
func LoadRunConfig(path string) (*RunConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run config: %w", err)
	}
	var c RunConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse run config %s: %w", path, err)
	}
	return &c, nil
}

// SaveRunConfig writes config.json to path.
func SaveRunConfig(path string, c *RunConfig) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write run config: %w", err)
	}
	return nil
}
