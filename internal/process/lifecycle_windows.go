//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	jobRegistry sync.Map // pid -> windows.Handle

	kernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procGenerateConsoleCtrlEvent = kernel32.NewProc("GenerateConsoleCtrlEvent")
)

const ctrlBreakEvent = 1

// setProcAttr starts the child in a new process group so CTRL_BREAK can be
// delivered to it alone.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// createJobObject creates a Windows Job Object configured to kill all
// child processes when the job is closed or terminated.
func createJobObject() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}

	_, err = windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)
	if err != nil {
		windows.CloseHandle(job)
		return 0, err
	}

	return job, nil
}

// afterStart places the child in a Job Object so terminating the job takes
// its whole tree down. Failure is not fatal; the direct PID is still signalled.
func afterStart(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}

	job, err := createJobObject()
	if err != nil {
		return err
	}

	proc, err := windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, uint32(cmd.Process.Pid))
	if err != nil {
		windows.CloseHandle(job)
		return err
	}
	defer windows.CloseHandle(proc)

	if err := windows.AssignProcessToJobObject(job, proc); err != nil {
		windows.CloseHandle(job)
		return err
	}

	jobRegistry.Store(cmd.Process.Pid, job)
	return nil
}

// afterExit closes the Job Object of an exited process.
func afterExit(pid int) {
	if val, ok := jobRegistry.LoadAndDelete(pid); ok {
		windows.CloseHandle(val.(windows.Handle))
	}
}

// signalProcessGroup delivers sig to the child tree. SIGTERM becomes
// CTRL_BREAK_EVENT on the group; anything else terminates the job.
func signalProcessGroup(pid int, sig syscall.Signal) error {
	if sig == syscall.SIGTERM {
		if err := sendCtrlBreak(pid); err == nil {
			return nil
		}
	}
	if val, ok := jobRegistry.Load(pid); ok {
		if err := windows.TerminateJobObject(val.(windows.Handle), 1); err == nil {
			return nil
		}
	}
	return signalPid(pid, syscall.SIGKILL)
}

// signalPid terminates a single process. Windows has no SIGTERM for
// arbitrary processes, so every signal is a kill.
func signalPid(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func sendCtrlBreak(pid int) error {
	ret, _, err := procGenerateConsoleCtrlEvent.Call(
		uintptr(ctrlBreakEvent),
		uintptr(pid), // group id equals pid with CREATE_NEW_PROCESS_GROUP
	)
	if ret == 0 {
		return err
	}
	return nil
}

// isProcessAlive checks if a process is still running on Windows.
func isProcessAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	// STILL_ACTIVE
	return exitCode == 259
}

// isNoSuchProcess returns true if the error indicates the process doesn't exist.
func isNoSuchProcess(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, windows.ERROR_INVALID_PARAMETER) || errors.Is(err, syscall.EINVAL) {
		return true
	}
	return os.IsNotExist(err) || errors.Is(err, os.ErrProcessDone)
}

func signalName(sig syscall.Signal) string {
	return sig.String()
}
