package operator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ConfigSnapshotDir is the snapshot directory name inside an attempt dir.
const ConfigSnapshotDir = "config_snapshot"

// SnapshotConfig copies the named run-level files into the attempt's
// config_snapshot dir and returns the combined hash. Missing sources are
// recorded, not errors: the hash still changes if a file appears later.
//
// The combined hash is the sha256 of sorted lines, one per candidate:
//
//	FILE\t<name>\t<sha256>\t<size>\n
//	MISSING\t<name>\n
//
// which makes it deterministic regardless of filesystem iteration order.
func SnapshotConfig(attemptDir string, sources map[string]string) (string, error) {
	snapDir := filepath.Join(attemptDir, ConfigSnapshotDir)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return "", fmt.Errorf("create config snapshot dir: %w", err)
	}

	lines := make([]string, 0, len(sources))
	for name, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				lines = append(lines, "MISSING\t"+name+"\n")
				continue
			}
			return "", fmt.Errorf("snapshot %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(snapDir, name), data, 0o644); err != nil {
			return "", fmt.Errorf("snapshot %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		lines = append(lines, fmt.Sprintf("FILE\t%s\t%s\t%d\n", name, hex.EncodeToString(sum[:]), len(data)))
	}
	sort.Strings(lines)

	h := sha256.New()
	_, _ = io.WriteString(h, strings.Join(lines, ""))
	return hex.EncodeToString(h.Sum(nil)), nil
}
