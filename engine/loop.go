package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

// Loop pacing.
const (
	pausedSleep   = 5 * time.Second
	lockBusySleep = 1 * time.Second
	idleSleep     = 5 * time.Second
	passSleep     = 1 * time.Second
)

// RunUntilCompletion steps the run until it reaches a terminal status.
// The run lock is held across each tick, not across the whole loop, so
// other tools can interleave. PAUSED runs are waited out.
func (e *Engine) RunUntilCompletion(ctx context.Context) (workflow.RunStatus, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		lock := e.Lock()
		if err := lock.TryLock(); err != nil {
			if errors.Is(err, storage.ErrRunBusy) {
				sleepCtx(ctx, lockBusySleep)
				continue
			}
			return "", err
		}
		status, err := e.Step(ctx)
		_ = lock.Unlock()
		if err != nil {
			return "", err
		}

		switch {
		case status.Terminal():
			return status, nil
		case status == workflow.RunPaused:
			sleepCtx(ctx, pausedSleep)
		default:
			sleepCtx(ctx, passSleep)
		}
	}
}

// Scheduler steps every active run across every workspace, one pass at a
// time.
type Scheduler struct {
	Root   string
	Logger *slog.Logger

	// Watch keeps the scheduler alive when no runs are active instead of
	// exiting.
	Watch bool
}

// Run executes scheduler passes until no active runs remain (or forever
// with Watch). Each pass visits active runs in random order so no run
// starves behind a slow sibling, and runs locked by another process are
// skipped without noise.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		active, err := ListActiveRuns(ctx, s.Root, logger)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			if !s.Watch {
				logger.Info("No active runs; scheduler exiting")
				return nil
			}
			sleepCtx(ctx, idleSleep)
			continue
		}

		rand.Shuffle(len(active), func(i, j int) {
			active[i], active[j] = active[j], active[i]
		})

		stepped := 0
		for _, run := range active {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.stepOne(ctx, run, logger) {
				stepped++
			}
		}
		if stepped == 0 {
			// Every active run was lock-busy; back off rather than spin.
			sleepCtx(ctx, idleSleep)
		} else {
			sleepCtx(ctx, passSleep)
		}
	}
}

// stepOne ticks a single run, reporting false when it was skipped.
func (s *Scheduler) stepOne(ctx context.Context, run *ActiveRun, logger *slog.Logger) bool {
	lock := storage.NewRunLock(run.Handle.LockPath())
	if err := lock.TryLock(); err != nil {
		// Lock-busy is routine with a second engine around.
		if !errors.Is(err, storage.ErrRunBusy) {
			logger.Warn("Run lock error",
				slog.String("run_id", run.Handle.RunID),
				slog.String("error", err.Error()))
		}
		return false
	}
	defer lock.Unlock()

	eng, err := Open(run.Handle, logger)
	if err != nil {
		logger.Warn("Cannot open run",
			slog.String("run_id", run.Handle.RunID),
			slog.String("error", err.Error()))
		return false
	}
	defer eng.Close()

	if _, err := eng.Step(ctx); err != nil {
		logger.Error("Step failed",
			slog.String("run_id", run.Handle.RunID),
			slog.String("error", err.Error()))
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
