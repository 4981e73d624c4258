package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunLockReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite.lock")

	l := NewRunLock(path)
	require.NoError(t, l.TryLock())
	require.NoError(t, l.Unlock())

	// Released locks can be taken again.
	l2 := NewRunLock(path)
	require.NoError(t, l2.TryLock())
	require.NoError(t, l2.Unlock())
}
