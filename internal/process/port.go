package process

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"
)

// KillByPort finds processes listening on port and terminates them, SIGTERM
// first and SIGKILL for anything still alive after KillGrace. It is the last
// resort when a gateway we no longer own keeps the port bound. Returns the
// PIDs that were signalled.
func (r *Runner) KillByPort(ctx context.Context, port int) []int {
	pids := r.findByPortLsof(ctx, port)
	if len(pids) == 0 {
		pids = r.findByPortSs(ctx, port)
	}
	if len(pids) == 0 {
		return nil
	}
	return r.killPIDs(pids)
}

func (r *Runner) findByPortLsof(ctx context.Context, port int) []int {
	res, err := r.Run(ctx, Command{
		Name:    "lsof",
		Args:    []string{"-ti", fmt.Sprintf(":%d", port)},
		Timeout: 5 * time.Second,
	})
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	return parsePIDLines(res.Stdout)
}

// findByPortSs parses `ss -tlnp`, whose process column looks like
// users:(("node",pid=12345,fd=3)).
func (r *Runner) findByPortSs(ctx context.Context, port int) []int {
	res, err := r.Run(ctx, Command{
		Name:    "ss",
		Args:    []string{"-tlnp"},
		Timeout: 5 * time.Second,
	})
	if err != nil || res.ExitCode != 0 {
		return nil
	}

	var pids []int
	suffix := fmt.Sprintf(":%d", port)
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || !strings.HasSuffix(fields[3], suffix) {
			continue
		}
		start := strings.Index(line, "pid=")
		if start == -1 {
			continue
		}
		start += len("pid=")
		end := strings.IndexAny(line[start:], ",)")
		if end == -1 {
			continue
		}
		var pid int
		if _, err := fmt.Sscanf(line[start:start+end], "%d", &pid); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

func parsePIDLines(output string) []int {
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		var pid int
		if _, err := fmt.Sscanf(strings.TrimSpace(line), "%d", &pid); err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

func (r *Runner) killPIDs(pids []int) []int {
	var signalled []int
	for _, pid := range pids {
		if err := signalPid(pid, syscall.SIGTERM); err != nil && !isNoSuchProcess(err) {
			r.logger().Debugf("[port-cleanup] SIGTERM to %d failed: %v", pid, err)
			continue
		}
		signalled = append(signalled, pid)
	}

	time.Sleep(r.killGrace())

	for _, pid := range pids {
		if isProcessAlive(pid) {
			r.logger().Warnf("[port-cleanup] pid %d still alive after SIGTERM, sending SIGKILL", pid)
			_ = signalPid(pid, syscall.SIGKILL)
		}
	}
	return signalled
}
