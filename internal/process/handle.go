package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

// ExitStatus describes how a long-running child ended.
type ExitStatus struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
	Err    error     `json:"-"`
}

// String renders the status the way diagnostics print it.
func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("code=%d signal=%s at=%s", s.Code, s.Signal, s.At.Format(time.RFC3339))
	}
	return fmt.Sprintf("code=%d at=%s", s.Code, s.At.Format(time.RFC3339))
}

// Handle is a started child that outlives a single Run call. It owns the
// child's process group. Done is closed exactly once, after Exit is valid.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	done   chan struct{}
	exit   ExitStatus
	exited atomic.Bool
}

// Spawn starts cmd in its own process group without waiting for it. Output is
// streamed to stdout and stderr, which may be the same writer. cmd.Timeout is
// ignored; a handle lives until it exits or is signalled.
func Spawn(cmd Command, stdout, stderr io.Writer) (*Handle, error) {
	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	if cmd.Env != nil {
		c.Env = cmd.Env
	} else {
		c.Env = os.Environ()
	}
	setProcAttr(c)
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = DefaultKillGrace

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStart, cmd.Name, err)
	}
	// Not fatal: without a job object the PID itself is still signalled.
	_ = afterStart(c)

	h := &Handle{
		cmd:       c,
		pid:       c.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	afterExit(h.pid)

	status := ExitStatus{At: time.Now(), Err: err}
	status.Code = exitCode(h.cmd, err)
	if ps := h.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = signalName(ws.Signal())
		}
	}
	h.exit = status
	h.exited.Store(true)
	close(h.done)
}

// Pid returns the child's process id (also its process group id).
func (h *Handle) Pid() int { return h.pid }

// StartedAt returns when the child was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed when the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the child has exited.
func (h *Handle) Exited() bool { return h.exited.Load() }

// Exit returns the exit status. It is only meaningful once Done is closed.
func (h *Handle) Exit() ExitStatus {
	if !h.exited.Load() {
		return ExitStatus{}
	}
	return h.exit
}

// Signal sends sig to the child's process group. Signalling an exited child
// is not an error.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.exited.Load() {
		return nil
	}
	if err := signalProcessGroup(h.pid, sig); err != nil && !isNoSuchProcess(err) {
		return fmt.Errorf("signal %s to %d: %w", signalName(sig), h.pid, err)
	}
	return nil
}

// Wait blocks until the child exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.exit, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Stop sends SIGTERM to the process group and waits up to grace for the child
// to exit before sending SIGKILL. It reports whether SIGKILL was needed. A
// cancelled ctx skips the grace period.
func (h *Handle) Stop(ctx context.Context, grace time.Duration) (killed bool, err error) {
	if h.exited.Load() {
		return false, nil
	}
	if err := h.Signal(syscall.SIGTERM); err != nil {
		return false, err
	}
	return h.Escalate(ctx, grace)
}

// Escalate waits up to grace for a child that has already been asked to stop,
// then sends SIGKILL to the group. It reports whether SIGKILL was sent.
func (h *Handle) Escalate(ctx context.Context, grace time.Duration) (killed bool, err error) {
	if h.exited.Load() {
		return false, nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return false, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if h.exited.Load() {
		return false, nil
	}
	return true, h.forceKill()
}

// forceKill sends SIGKILL to the whole group and waits briefly for the reap.
func (h *Handle) forceKill() error {
	if err := h.Signal(syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(500 * time.Millisecond):
		return errors.New("process did not exit after SIGKILL")
	}
}
