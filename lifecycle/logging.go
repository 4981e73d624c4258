package lifecycle

import (
	"context"
	"log/slog"
)

// LoggingHook writes one structured log line per lifecycle transition.
type LoggingHook struct {
	logger *slog.Logger
}

// NewLoggingHook creates a logging hook.
func NewLoggingHook(logger *slog.Logger) *LoggingHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHook{logger: logger}
}

// OnCreate implements Hook.
func (h *LoggingHook) OnCreate(_ context.Context, ac AttemptContext) error {
	h.log("Attempt created", ac)
	return nil
}

// OnSubmit implements Hook.
func (h *LoggingHook) OnSubmit(_ context.Context, ac AttemptContext, externalID string) error {
	h.log("Attempt submitted", ac, slog.String("external_id", externalID))
	return nil
}

// OnComplete implements Hook.
func (h *LoggingHook) OnComplete(_ context.Context, ac AttemptContext, success bool) error {
	h.log("Attempt completed", ac, slog.Bool("success", success))
	return nil
}

// OnFail implements Hook.
func (h *LoggingHook) OnFail(_ context.Context, ac AttemptContext, errMsg string) error {
	h.log("Attempt failed", ac, slog.String("error", errMsg))
	return nil
}

func (h *LoggingHook) log(msg string, ac AttemptContext, extra ...any) {
	attrs := []any{
		slog.String("run_id", ac.RunID),
		slog.String("task_id", ac.TaskID),
		slog.String("attempt_id", ac.AttemptID),
		slog.String("operator", ac.OperatorKey),
		slog.Int("attempt_index", ac.AttemptIndex),
	}
	h.logger.Info(msg, append(attrs, extra...)...)
}
