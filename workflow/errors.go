package workflow

import "errors"

// Common workflow construction errors.
var (
	// ErrDuplicateTask is returned when a task id is added twice.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrDependencyCycle is returned when the dependency graph has a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrInvalidOperatorKey is returned for keys that fail canonical validation.
	ErrInvalidOperatorKey = errors.New("invalid operator key")
)

// ValidationError represents a validation error on a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
