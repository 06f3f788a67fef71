package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// ExitCodeTimeout is reported whenever a command was abandoned because it
	// ran past its deadline, matching timeout(1).
	ExitCodeTimeout = 124
	// ExitCodeReserved replaces a natural exit status of 124 so that
	// ExitCodeTimeout is only ever synthesized by the Runner.
	ExitCodeReserved = 125
	// ExitCodeNotFound is reported when the command could not be started.
	ExitCodeNotFound = 127

	// DefaultTimeout bounds every command that does not set its own.
	DefaultTimeout = 120 * time.Second
	// DefaultKillGrace is how long a timed-out command gets between SIGTERM and SIGKILL.
	DefaultKillGrace = 2 * time.Second
)

// ErrStart is returned when a command could not be started at all.
var ErrStart = errors.New("failed to start command")

// Command describes one external invocation.
type Command struct {
	Name  string
	Args  []string
	Env   []string // nil inherits the supervisor environment
	Dir   string
	Stdin io.Reader
	// Timeout overrides the runner default when non-zero.
	Timeout time.Duration
}

// String renders the command for log lines.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandResult is the outcome of a finished (or abandoned) command.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
}

// Output returns stdout and stderr joined, the way an operator would read them.
func (r CommandResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Stderr
}

// OK reports a zero exit status.
func (r CommandResult) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Runner executes external commands with a bounded lifetime.
type Runner struct {
	// DefaultTimeout applies to commands without their own timeout.
	DefaultTimeout time.Duration
	// KillGrace is the wait between SIGTERM and SIGKILL after a timeout.
	KillGrace time.Duration
	// Log receives [timeout] escalation messages.
	Log logrus.FieldLogger
}

// NewRunner returns a Runner with the default timeout and kill grace.
func NewRunner(logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		DefaultTimeout: DefaultTimeout,
		KillGrace:      DefaultKillGrace,
		Log:            logger,
	}
}

// Run executes cmd and waits for it. A non-zero exit status is not an error;
// it is reported in the result. When the deadline passes the process group
// gets SIGTERM, then SIGKILL after KillGrace if it is still alive, and the
// result carries TimedOut with ExitCode 124. Cancelling ctx escalates the same
// way and returns ctx.Err().
func (r *Runner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	if cmd.Env != nil {
		c.Env = cmd.Env
	} else {
		c.Env = os.Environ()
	}
	setProcAttr(c)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	// Orphaned grandchildren may keep the pipes open; don't wait on them forever.
	c.WaitDelay = r.killGrace()

	if err := c.Start(); err != nil {
		return CommandResult{
			Stderr:   err.Error(),
			ExitCode: ExitCodeNotFound,
		}, fmt.Errorf("%w: %s: %v", ErrStart, cmd.Name, err)
	}

	_ = afterStart(c)

	done := make(chan error, 1)
	go func() {
		err := c.Wait()
		afterExit(c.Process.Pid)
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		waitErr  error
		timedOut bool
		ctxErr   error
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		r.logger().Warnf("[timeout] %s exceeded %dms, sending SIGTERM", cmd, timeout.Milliseconds())
		waitErr = r.escalate(c.Process.Pid, done)
	case <-ctx.Done():
		ctxErr = ctx.Err()
		r.logger().Warnf("[timeout] %s cancelled (%v), sending SIGTERM", cmd, ctxErr)
		waitErr = r.escalate(c.Process.Pid, done)
	}

	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(c, waitErr),
		TimedOut: timedOut,
	}
	switch {
	case timedOut:
		result.ExitCode = ExitCodeTimeout
	case result.ExitCode == ExitCodeTimeout:
		result.ExitCode = ExitCodeReserved
	}
	if ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

// escalate sends SIGTERM to the process group, waits KillGrace, then SIGKILLs
// whatever is left. It returns the Wait error of the process.
func (r *Runner) escalate(pid int, done <-chan error) error {
	if err := signalProcessGroup(pid, syscall.SIGTERM); err != nil && !isNoSuchProcess(err) {
		r.logger().Debugf("[timeout] SIGTERM to %d failed: %v", pid, err)
	}

	grace := time.NewTimer(r.killGrace())
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
	}

	r.logger().Warnf("[timeout] Process still alive after SIGTERM (pid %d), sending SIGKILL", pid)
	if err := signalProcessGroup(pid, syscall.SIGKILL); err != nil && !isNoSuchProcess(err) {
		r.logger().Errorf("[timeout] SIGKILL to %d failed: %v", pid, err)
	}
	return <-done
}

func (r *Runner) killGrace() time.Duration {
	if r.KillGrace > 0 {
		return r.KillGrace
	}
	return DefaultKillGrace
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

// PKill runs `pkill -f pattern`. Matching by name is inherently racy, so
// callers treat the outcome as advisory: exit 1 just means nothing matched.
func (r *Runner) PKill(ctx context.Context, pattern string) (CommandResult, error) {
	return r.Run(ctx, Command{
		Name:    "pkill",
		Args:    []string{"-f", pattern},
		Timeout: 10 * time.Second,
	})
}

func exitCode(c *exec.Cmd, err error) int {
	if c.ProcessState != nil {
		if code := c.ProcessState.ExitCode(); code >= 0 {
			return code
		}
		// Killed by a signal: report 128+n like a shell does.
		if status, ok := c.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
