package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")
	// ErrTaskExists is returned when a workflow reuses an existing task id.
	ErrTaskExists = errors.New("task id already exists")
	// ErrActiveAttemptExists is returned when creating an attempt for a
	// task that still has a non-terminal attempt.
	ErrActiveAttemptExists = errors.New("task already has an active attempt")
	// ErrAttemptFinal is returned when updating an attempt that already
	// reached a terminal status. Attempts are append-only evidence.
	ErrAttemptFinal = errors.New("attempt is terminal and immutable")
	// ErrRunBusy is returned when another process holds the run lock.
	ErrRunBusy = errors.New("run is locked by another process")
	// ErrSchemaVersion is returned when the database schema is newer than
	// this build understands.
	ErrSchemaVersion = errors.New("unsupported schema version")
)
