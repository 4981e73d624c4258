package operator

import "errors"

// Common operator errors.
var (
	// ErrNotPrepared is returned when submit runs before prepare.
	ErrNotPrepared = errors.New("attempt is not prepared")
	// ErrPathEscapesRoot is returned when a staged path would land
	// outside the run root.
	ErrPathEscapesRoot = errors.New("path escapes run root")
	// ErrUnknownOperator is returned by the registry for keys with no
	// wired operator.
	ErrUnknownOperator = errors.New("no operator wired for key")
	// ErrResponsePending is returned while an external party has not
	// answered yet.
	ErrResponsePending = errors.New("response not available yet")
)
