//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr starts the child in its own process group so that signals reach
// everything it spawns.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// afterStart is a no-op on Unix; the kernel tracks the process group.
func afterStart(cmd *exec.Cmd) error {
	return nil
}

// afterExit is a no-op on Unix.
func afterExit(pid int) {}

// signalProcessGroup sends sig to the process group led by pid, falling back
// to the single process when the group cannot be resolved.
func signalProcessGroup(pid int, sig syscall.Signal) error {
	pgid, err := unix.Getpgid(pid)
	if err == nil && pgid > 0 {
		return unix.Kill(-pgid, sig)
	}
	return unix.Kill(pid, sig)
}

// signalPid sends sig to a single process.
func signalPid(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// isProcessAlive checks if a process is still running.
func isProcessAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// isNoSuchProcess returns true if the error indicates the process doesn't exist.
func isNoSuchProcess(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}
