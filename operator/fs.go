package operator

import (
	"fmt"
	"path/filepath"
	"strings"
)

// EnsureUnder resolves path and verifies it stays inside root. It defends
// evidence writes against task definitions carrying "../" or absolute
// destinations.
func EnsureUnder(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(absRoot, path)
	}
	abs = filepath.Clean(abs)
	if abs != absRoot && !strings.HasPrefix(abs, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, path)
	}
	return abs, nil
}

// RelativeTo returns path relative to root, or the input unchanged when it
// is not under root.
func RelativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
