// Package supervisor spawns crawler child processes and hands the caller
// a handle plus a future that resolves with the exit code. It knows
// nothing about jobs, schedules or projects (see spec §4.F) — the
// orchestrator owns that mapping.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

// Spec describes one process to spawn.
type Spec struct {
	Command string
	Args    []string
	JobID   string
	LogDir  string
	Env     []string
	Dir     string
}

// Result is what the completion future resolves with.
type Result struct {
	ExitCode int
	Err      error // non-nil only for IOError-class spawn/wait failures
}

// Handle is a live (or completed) child process.
type Handle struct {
	cmd    *exec.Cmd
	ready  chan struct{} // closed once result is set
	mu     sync.Mutex
	result Result
	logger *slog.Logger
}

// Signal sends SIGTERM to the child. It is a no-op if the process has
// already exited. The supervisor never escalates to SIGKILL — per spec
// §5, cancellation waits indefinitely for the child's own exit.
func (h *Handle) Signal() error {
	if h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Signal(syscall.SIGTERM)
	if err != nil && !isProcessFinished(err) {
		return fmt.Errorf("signal child: %w", err)
	}
	return nil
}

// Wait blocks until the child exits (or ctx is done) and returns its
// result. It may be called more than once and from more than one
// goroutine; every caller observes the same Result.
func (h *Handle) Wait(ctx context.Context) Result {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func isProcessFinished(err error) bool {
	return err == os.ErrProcessDone
}

// Supervisor spawns crawler processes with redirected stdout/stderr.
type Supervisor struct {
	logger *slog.Logger
}

// New returns a Supervisor.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger.With("component", "supervisor")}
}

// Spawn starts the child described by spec. stdout/stderr are redirected
// to "<log-dir>/<job-id>.out" and ".err", truncating any prior content.
// The returned Handle's completion is delivered asynchronously: once the
// child exits, both log files are closed and any that ended up
// zero-bytes are deleted, then the result is stored on the handle and
// its ready channel is closed, releasing every Wait caller.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	outPath := filepath.Join(spec.LogDir, spec.JobID+".out")
	errPath := filepath.Join(spec.LogDir, spec.JobID+".err")

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open stdout log: %w", err)
	}
	errFile, err := os.OpenFile(errPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		outFile.Close()
		return nil, fmt.Errorf("open stderr log: %w", err)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = outFile
	cmd.Stderr = errFile
	// Keep the child's output flowing to completion even if the caller's
	// ctx is canceled for a reason other than the child exiting (CommandContext
	// kills on ctx cancel, which cancel-via-SIGTERM already supersedes).
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	if err := cmd.Start(); err != nil {
		outFile.Close()
		errFile.Close()
		removeIfEmpty(outPath)
		removeIfEmpty(errPath)
		return nil, fmt.Errorf("start crawler process: %w", err)
	}

	h := &Handle{cmd: cmd, ready: make(chan struct{}), logger: s.logger}

	go func() {
		waitErr := cmd.Wait()
		outFile.Close()
		errFile.Close()
		removeIfEmpty(outPath)
		removeIfEmpty(errPath)

		var result Result
		if waitErr == nil {
			result = Result{ExitCode: 0}
		} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result = Result{ExitCode: exitErr.ExitCode()}
		} else {
			result = Result{ExitCode: -1, Err: fmt.Errorf("wait crawler process: %w", waitErr)}
		}
		h.logger.Info("crawler process finished", "job_id", spec.JobID, "exit_code", result.ExitCode)
		h.mu.Lock()
		h.result = result
		h.mu.Unlock()
		close(h.ready)
	}()

	return h, nil
}

func removeIfEmpty(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() == 0 {
		os.Remove(path)
	}
}

// LogPaths returns the stdout/stderr paths a completed or running job's
// logs would live at, without checking existence. Callers (the control
// API's get_job_logs) stat them and report nil for whichever is absent.
func LogPaths(logDir, jobID string) (out, err string) {
	return filepath.Join(logDir, jobID+".out"), filepath.Join(logDir, jobID+".err")
}
