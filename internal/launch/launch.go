// Package launch provides the default internal/job.Launcher: running
// a server Job's command line as a child process with os/exec, the
// way oriys-nova's internal/executor.LocalExecutor runs a function's
// code directly on the host.
package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"bootstrapd/internal/job"
)

// ExitObserver is notified when a launched process terminates, so the
// owning Job can be marked no-longer-running and become eligible for
// another on-demand launch (spec.md §4.3's "on-demand trigger"
// invariant that a server isn't launched twice concurrently).
type ExitObserver interface {
	MarkExited()
}

// OSLauncher execs a server Job's command line with os/exec, attaching
// its stdout/stderr to the daemon's own (matching the teacher's
// pattern of inheriting the parent's file descriptors for host-local
// process execution rather than capturing output).
type OSLauncher struct {
	log *slog.Logger

	// ShutdownGrace is a grace period for stopping a launched server.
	// OSLauncher has no stop method, and nothing reads this value.
	ShutdownGrace time.Duration
}

// NewOSLauncher creates the default launcher.
func NewOSLauncher() *OSLauncher {
	return &OSLauncher{
		log:           slog.Default().With("component", "launch"),
		ShutdownGrace: 5 * time.Second,
	}
}

// Launch implements internal/job.Launcher. It starts the process
// asynchronously and returns immediately once exec succeeds — spec.md
// §4.3's on-demand trigger does not wait for the server to finish
// starting, only for the fork/exec step to succeed.
func (l *OSLauncher) Launch(j *job.Job) error {
	spec := j.Server()
	if spec == nil || len(spec.Cmd) == 0 {
		return fmt.Errorf("launch: job %s has no server command", j.Name())
	}

	ctx := context.Background()
	cmd := exec.CommandContext(ctx, spec.Cmd[0], spec.Cmd[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.UID != 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: spec.UID}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", j.Name(), err)
	}
	l.log.Info("launched server", "job", j.Name(), "pid", cmd.Process.Pid, "cmd", spec.Cmd)

	go l.waitAndObserve(j, cmd)
	return nil
}

func (l *OSLauncher) waitAndObserve(j *job.Job, cmd *exec.Cmd) {
	err := cmd.Wait()
	if err != nil {
		l.log.Warn("server exited", "job", j.Name(), "error", err)
	} else {
		l.log.Info("server exited", "job", j.Name())
	}
	// bootstrapd does not reap or restart on a signal-driven schedule
	// (spec.md §1 excludes child-reap plumbing); marking the Job
	// not-running only makes it eligible for the next on-demand message
	// to relaunch it.
	j.MarkExited()
}
