// Package lifecycle defines attempt lifecycle hooks: observers notified as
// attempts are created, submitted, and finished. Hooks observe; they can
// never fail a tick.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
)

// Event names the attempt lifecycle transitions hooks observe.
type Event string

// Hook events.
const (
	EventCreate   Event = "on_create"
	EventSubmit   Event = "on_submit"
	EventComplete Event = "on_complete"
	EventFail     Event = "on_fail"
)

// AttemptContext identifies the attempt a hook fires for.
type AttemptContext struct {
	RunID        string `json:"run_id"`
	TaskID       string `json:"task_id"`
	AttemptID    string `json:"attempt_id"`
	OperatorKey  string `json:"operator_key"`
	AttemptIndex int    `json:"attempt_index"`
}

// Hook observes attempt lifecycle transitions. OnComplete and OnFail fire
// once, on the transition into the terminal status, never on re-poll.
// OnSubmit carries the backend's external id, OnComplete whether the
// attempt succeeded, and OnFail the failure message.
type Hook interface {
	OnCreate(ctx context.Context, ac AttemptContext) error
	OnSubmit(ctx context.Context, ac AttemptContext, externalID string) error
	OnComplete(ctx context.Context, ac AttemptContext, success bool) error
	OnFail(ctx context.Context, ac AttemptContext, errMsg string) error
}

// Composite fans one event out to several hooks. Errors and panics are
// logged and swallowed so one misbehaving hook cannot stall the engine.
type Composite struct {
	hooks  []Hook
	logger *slog.Logger
}

// NewComposite builds a composite over the given hooks.
func NewComposite(logger *slog.Logger, hooks ...Hook) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composite{hooks: hooks, logger: logger}
}

// Add appends another hook.
func (c *Composite) Add(h Hook) { c.hooks = append(c.hooks, h) }

// OnCreate implements Hook.
func (c *Composite) OnCreate(ctx context.Context, ac AttemptContext) error {
	c.fire(EventCreate, ac, func(h Hook) error { return h.OnCreate(ctx, ac) })
	return nil
}

// OnSubmit implements Hook.
func (c *Composite) OnSubmit(ctx context.Context, ac AttemptContext, externalID string) error {
	c.fire(EventSubmit, ac, func(h Hook) error { return h.OnSubmit(ctx, ac, externalID) })
	return nil
}

// OnComplete implements Hook.
func (c *Composite) OnComplete(ctx context.Context, ac AttemptContext, success bool) error {
	c.fire(EventComplete, ac, func(h Hook) error { return h.OnComplete(ctx, ac, success) })
	return nil
}

// OnFail implements Hook.
func (c *Composite) OnFail(ctx context.Context, ac AttemptContext, errMsg string) error {
	c.fire(EventFail, ac, func(h Hook) error { return h.OnFail(ctx, ac, errMsg) })
	return nil
}

func (c *Composite) fire(ev Event, ac AttemptContext, call func(Hook) error) {
	for _, h := range c.hooks {
		if err := fireSafely(h, call); err != nil {
			c.logger.Warn("Lifecycle hook failed",
				slog.String("event", string(ev)),
				slog.String("attempt_id", ac.AttemptID),
				slog.String("error", err.Error()))
		}
	}
}

func fireSafely(h Hook, call func(Hook) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return call(h)
}
