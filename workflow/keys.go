package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// OperatorEnvVar is the reserved task env key that routes a task to a
// specific operator, overriding everything except an explicit operator key
// on the task itself.
const OperatorEnvVar = "MATTERSTACK_OPERATOR"

// canonicalKeyPattern matches canonical operator keys: a kind segment, a
// dot, then an instance name. Lowercase throughout.
var canonicalKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z0-9][a-z0-9_.-]*$`)

// legacyOperatorKeys maps legacy operator family names to their canonical
// default keys. Lookup is case-insensitive.
var legacyOperatorKeys = map[string]string{
	"HPC":        "hpc.default",
	"LOCAL":      "local.default",
	"HUMAN":      "human.default",
	"EXPERIMENT": "experiment.default",
}

// NormalizeOperatorKey trims and lowercases the input, then validates it
// against the canonical key grammar. Keys containing whitespace or a ".."
// segment are rejected.
func NormalizeOperatorKey(key string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidOperatorKey)
	}
	if strings.ContainsAny(k, " \t\n") {
		return "", fmt.Errorf("%w: %q contains whitespace", ErrInvalidOperatorKey, key)
	}
	if strings.Contains(k, "..") {
		return "", fmt.Errorf("%w: %q contains empty segment", ErrInvalidOperatorKey, key)
	}
	if !canonicalKeyPattern.MatchString(k) {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperatorKey, key)
	}
	return k, nil
}

// LegacyOperatorKey resolves a legacy family name (HPC, LOCAL, HUMAN,
// EXPERIMENT) to its canonical key. ok is false for unknown names.
func LegacyOperatorKey(name string) (key string, ok bool) {
	key, ok = legacyOperatorKeys[strings.ToUpper(strings.TrimSpace(name))]
	return key, ok
}

// OperatorKind returns the kind segment of a canonical key, e.g. "hpc"
// for "hpc.cluster-a".
func OperatorKind(key string) string {
	if i := strings.IndexByte(key, '.'); i > 0 {
		return key[:i]
	}
	return key
}
