// Package commands implements the matterstack CLI.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/matterstack/engine"
	"github.com/c360studio/matterstack/workflow"
)

// Version metadata, overridable at link time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "matterstack"

// NewRootCmd assembles the CLI.
func NewRootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Durable campaign orchestrator",
		Long: `Matterstack drives long-running computational campaigns: it plans
workflows of tasks, dispatches them to compute, human, and experiment
operators, and records every attempt as durable evidence.

All run state lives in per-run SQLite databases under workspace
directories; the engine can stop and resume at any tick.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newInitCmd(),
		newStepCmd(),
		newLoopCmd(),
		newStatusCmd(),
		newMonitorCmd(),
		newExplainCmd(),
		newAttemptsCmd(),
		newCancelCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newReviveCmd(),
		newRerunCmd(),
		newCancelAttemptCmd(),
		newResolveCmd(),
		newCleanupOrphansCmd(),
		newExportCmd(),
		newSelfTestCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func configureLogging(level string) {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
}

// findRun locates a run across workspaces.
func findRun(runID string) (*workflow.RunHandle, string, error) {
	root, err := engine.WorkspacesRoot()
	if err != nil {
		return nil, "", err
	}
	return engine.FindRun(root, runID)
}

// openEngine locates and opens a run's engine.
func openEngine(runID string) (*engine.Engine, error) {
	handle, _, err := findRun(runID)
	if err != nil {
		return nil, err
	}
	return engine.Open(handle, slog.Default())
}

// findTaskRun locates the run owning a task by scanning active and
// terminal runs alike.
func findTaskRun(taskID string) (*engine.Engine, error) {
	eng, err := scanRuns(func(eng *engine.Engine) bool {
		_, err := eng.Store.GetTask(cmdContext(), taskID)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, fmt.Errorf("task %s not found in any run", taskID)
	}
	return eng, nil
}

// findAttemptRun locates the run owning an attempt.
func findAttemptRun(attemptID string) (*engine.Engine, error) {
	eng, err := scanRuns(func(eng *engine.Engine) bool {
		_, err := eng.Store.GetAttempt(cmdContext(), attemptID)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, fmt.Errorf("attempt %s not found in any run", attemptID)
	}
	return eng, nil
}

// scanRuns opens every run under the workspaces root and returns the
// first engine the predicate accepts. Runs that fail to open are
// skipped; callers own closing the returned engine.
func scanRuns(match func(*engine.Engine) bool) (*engine.Engine, error) {
	root, err := engine.WorkspacesRoot()
	if err != nil {
		return nil, err
	}
	workspaces, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read workspaces root %s: %w", root, err)
	}
	for _, ws := range workspaces {
		if !ws.IsDir() {
			continue
		}
		runsDir := engine.RunsDir(engine.WorkspaceDir(root, ws.Name()))
		runs, err := os.ReadDir(runsDir)
		if err != nil {
			continue
		}
		for _, run := range runs {
			handle := workflow.NewRunHandle(run.Name(), filepath.Join(runsDir, run.Name()))
			if _, err := os.Stat(handle.DBPath()); err != nil {
				continue
			}
			eng, err := engine.Open(handle, slog.Default())
			if err != nil {
				continue
			}
			if match(eng) {
				return eng, nil
			}
			_ = eng.Close()
		}
	}
	return nil, nil
}

func cmdContext() context.Context { return context.Background() }
