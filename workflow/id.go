package workflow

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a chronologically sortable identifier of the form
// YYYYMMDD_HHMMSS_xxxxxxxx (UTC timestamp plus 8 random hex chars),
// optionally prefixed, e.g. NewID("attempt") -> "attempt_20260826_..."
func NewID(prefix string) string {
	ts := time.Now().UTC().Format("20060102_150405")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if prefix == "" {
		return ts + "_" + suffix
	}
	return prefix + "_" + ts + "_" + suffix
}
