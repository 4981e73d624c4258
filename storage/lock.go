package storage

import (
	"fmt"

	"github.com/gofrs/flock"
)

// RunLock is the cross-process exclusion for a run. It is an OS advisory
// file lock, so it also excludes engines in other processes and survives
// this process crashing (the kernel releases it). It deliberately is not
// an in-process mutex.
type RunLock struct {
	fl *flock.Flock
}

// NewRunLock creates a lock handle on the given lock file path. Nothing is
// acquired until TryLock.
func NewRunLock(path string) *RunLock {
	return &RunLock{fl: flock.New(path)}
}

// TryLock attempts to acquire the lock without blocking. ErrRunBusy means
// another process holds it.
func (l *RunLock) TryLock() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock %s: %w", l.fl.Path(), err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.fl.Path(), ErrRunBusy)
	}
	return nil
}

// Unlock releases the lock.
func (l *RunLock) Unlock() error { return l.fl.Unlock() }

// Path returns the lock file path.
func (l *RunLock) Path() string { return l.fl.Path() }
