package workflow

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idPattern = regexp.MustCompile(`^\d{8}_\d{6}_[0-9a-f]{8}$`)

func TestNewID(t *testing.T) {
	id := NewID("")
	assert.Regexp(t, idPattern, id)

	prefixed := NewID("attempt")
	require.True(t, len(prefixed) > len("attempt_"))
	assert.Regexp(t, `^attempt_\d{8}_\d{6}_[0-9a-f]{8}$`, prefixed)
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewID("run")
		assert.False(t, seen[id])
		seen[id] = true
	}
}
