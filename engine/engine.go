// Package engine drives campaign runs: initialization, the step loop that
// advances a run one tick at a time, run control, and the multi-run
// scheduler.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/matterstack/config"
	"github.com/c360studio/matterstack/lifecycle"
	"github.com/c360studio/matterstack/operator"
	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

// OperatorSource provides operators and concurrency caps for dispatch.
// *operator.Registry is the production implementation.
type OperatorSource interface {
	Get(key string) (operator.Operator, error)
	Has(key string) bool
	MaxConcurrent(key string) int
	MaxConcurrentGlobal() int
}

// Engine advances one run. It owns no long-lived goroutines: every piece
// of state it needs is reloaded from the store each tick, so a crashed
// engine resumes exactly where the database says it stopped.
type Engine struct {
	Run       *workflow.RunHandle
	Store     *storage.Store
	Config    *config.RunConfig
	Campaign  workflow.Campaign
	Operators OperatorSource
	Hooks     lifecycle.Hook
	Logger    *slog.Logger

	// now is a test seam for the stuck-attempt timeout.
	now func() time.Time
}

// Open loads a run from its root directory and assembles an engine for it.
func Open(run *workflow.RunHandle, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadRunConfig(run.ConfigPath())
	if err != nil {
		return nil, err
	}
	campaign, ok := workflow.LookupCampaign(cfg.CampaignSlug)
	if !ok {
		return nil, fmt.Errorf("campaign %q is not registered in this build", cfg.CampaignSlug)
	}
	registry, err := operator.CachedRegistry(run.RunID+"|"+run.OperatorsPath(), run.OperatorsPath(), logger)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(run.DBPath(), logger)
	if err != nil {
		return nil, err
	}

	hooks := lifecycle.NewComposite(logger,
		lifecycle.NewLoggingHook(logger),
		lifecycle.NewMetricsHook(nil),
	)
	if eventHook, err := lifecycle.EventHookFromEnv(); err != nil {
		logger.Warn("Event hook unavailable", slog.String("error", err.Error()))
	} else if eventHook != nil {
		hooks.Add(eventHook)
	}

	return &Engine{
		Run:       run,
		Store:     store,
		Config:    cfg,
		Campaign:  campaign,
		Operators: registry,
		Hooks:     hooks,
		Logger:    logger,
		now:       time.Now,
	}, nil
}

// Close releases the engine's store.
func (e *Engine) Close() error { return e.Store.Close() }

// Lock returns the run's cross-process lock.
func (e *Engine) Lock() *storage.RunLock {
	return storage.NewRunLock(e.Run.LockPath())
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// attemptContext assembles the hook context for an attempt.
func (e *Engine) attemptContext(att *storage.AttemptRecord) lifecycle.AttemptContext {
	return lifecycle.AttemptContext{
		RunID:        e.Run.RunID,
		TaskID:       att.TaskID,
		AttemptID:    att.AttemptID,
		OperatorKey:  att.OperatorType,
		AttemptIndex: att.AttemptIndex,
	}
}

// healTask aligns a task's status with its attempt's implied status.
func (e *Engine) healTask(ctx context.Context, taskID string, att workflow.AttemptStatus, errMsg *string) error {
	want := workflow.TaskStatusForAttempt(att)
	rec, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Status == want && errMsg == nil {
		return nil
	}
	return e.Store.UpdateTaskStatus(ctx, taskID, want, errMsg)
}
