package config

import "errors"

// Common configuration errors.
var (
	// ErrNoWiring is returned when no operator wiring source resolves.
	ErrNoWiring = errors.New("no operator wiring configuration found")
	// ErrWiringOverride is returned when a CLI-supplied wiring file would
	// silently replace the wiring a run was started with.
	ErrWiringOverride = errors.New("refusing to override persisted operator wiring for this run")
	// ErrBadTimeout is returned for unparseable timeout strings.
	ErrBadTimeout = errors.New("invalid timeout")
)
