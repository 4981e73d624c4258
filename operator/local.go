package operator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/c360studio/matterstack/workflow"
)

// Names of the execution artifacts a local job leaves in its dir.
const (
	StdoutLog    = "stdout.log"
	StderrLog    = "stderr.log"
	ExitCodeFile = "exit_code"
)

// LocalBackend runs jobs as detached subprocesses on this host. The job id
// is the PID; completion is recorded in an exit_code file inside the job
// dir, so a later engine process can recover the outcome after a restart
// even though it never held the *exec.Cmd.
type LocalBackend struct {
	logger *slog.Logger

	mu      sync.Mutex
	waiting map[string]struct{}
}

// NewLocalBackend creates a local subprocess backend.
func NewLocalBackend(logger *slog.Logger) *LocalBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBackend{logger: logger, waiting: make(map[string]struct{})}
}

// Submit starts the command via the shell with stdout/stderr captured to
// log files in dir. The call returns as soon as the process starts; the
// engine polls for completion.
func (b *LocalBackend) Submit(ctx context.Context, dir, command string, env map[string]string, _ workflow.ResourceHints) (string, error) {
	stdout, err := os.Create(filepath.Join(dir, StdoutLog))
	if err != nil {
		return "", fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, StderrLog))
	if err != nil {
		_ = stdout.Close()
		return "", fmt.Errorf("create stderr log: %w", err)
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group, so the job outlives engine ticks and cancel can
	// signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return "", fmt.Errorf("start job: %w", err)
	}

	jobID := strconv.Itoa(cmd.Process.Pid)
	b.mu.Lock()
	b.waiting[jobID] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer stdout.Close()
		defer stderr.Close()
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = 1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}
		if werr := os.WriteFile(filepath.Join(dir, ExitCodeFile), []byte(strconv.Itoa(code)+"\n"), 0o644); werr != nil {
			b.logger.Warn("Failed to record exit code",
				slog.String("job_id", jobID), slog.String("error", werr.Error()))
		}
		b.mu.Lock()
		delete(b.waiting, jobID)
		b.mu.Unlock()
	}()

	b.logger.Debug("Started local job",
		slog.String("job_id", jobID), slog.String("dir", dir))
	return jobID, nil
}

// Status reads the job state. The exit_code file is authoritative once
// present; otherwise a live process (or our pending waiter) means RUNNING,
// and a job with neither is LOST.
func (b *LocalBackend) Status(_ context.Context, jobID, dir string) (JobState, error) {
	if raw, err := os.ReadFile(filepath.Join(dir, ExitCodeFile)); err == nil {
		code, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr != nil {
			return JobUnknown, fmt.Errorf("parse exit code for job %s: %w", jobID, convErr)
		}
		if code == 0 {
			return JobCompletedOK, nil
		}
		return JobCompletedError, nil
	}

	b.mu.Lock()
	_, waiting := b.waiting[jobID]
	b.mu.Unlock()
	if waiting {
		return JobRunning, nil
	}

	if pid, err := strconv.Atoi(jobID); err == nil && processAlive(pid) {
		return JobRunning, nil
	}
	return JobLost, nil
}

// Cancel signals the job's process group.
func (b *LocalBackend) Cancel(_ context.Context, jobID, _ string) error {
	pid, err := strconv.Atoi(jobID)
	if err != nil {
		return fmt.Errorf("bad local job id %q: %w", jobID, err)
	}
	// Negative pid targets the process group created at submit.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

func processAlive(pid int) bool {
	// Signal 0 probes for existence without touching the process.
	return syscall.Kill(pid, 0) == nil
}
