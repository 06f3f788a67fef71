// Package gateway supervises the single OpenClaw gateway child process:
// starting it, waiting for it to answer health probes, stopping it with
// escalation and recording why it failed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openclaw/clawwrap/internal/config"
	"github.com/openclaw/clawwrap/internal/process"
)

var (
	// ErrNotConfigured is returned when no gateway config file exists yet.
	ErrNotConfigured = errors.New("gateway is not configured")
	// ErrNotReady is returned when a started gateway never answered its health probe.
	ErrNotReady = errors.New("gateway did not become ready in time")
	// ErrShuttingDown is returned once Terminate has been called.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// HealthPath is probed on the gateway's loopback port.
const HealthPath = "/healthz"

// State is the lifecycle state of the gateway.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopping State = "stopping"
)

// Options configures a Manager.
type Options struct {
	// Name and Args invoke the gateway CLI; `gateway run ...` is appended.
	Name string
	Args []string
	// Env is added to the supervisor environment for every gateway command.
	Env []string

	Port int
	// Addr is the gateway's loopback host:port. Defaults to 127.0.0.1:Port.
	Addr         string
	Token        string
	StateDir     string
	WorkspaceDir string

	Settings config.Settings
	// IsConfigured reports whether a gateway config file exists.
	IsConfigured func() bool
}

// OptionsFromConfig derives Options from the resolved supervisor config.
func OptionsFromConfig(cfg *config.Config) Options {
	name, args := cfg.GatewayCommand()
	return Options{
		Name:         name,
		Args:         args,
		Port:         cfg.InternalPort,
		Addr:         cfg.InternalAddr(),
		Token:        cfg.GatewayToken,
		StateDir:     cfg.StateDir,
		WorkspaceDir: cfg.WorkspaceDir,
		Settings:     cfg.Settings,
		IsConfigured: cfg.IsConfigured,
	}
}

// Status is a point-in-time snapshot of the gateway.
type Status struct {
	State           State               `json:"state"`
	Ready           bool                `json:"ready"`
	Configured      bool                `json:"configured"`
	PID             int                 `json:"pid,omitempty"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	Starts          int                 `json:"starts"`
	Target          string              `json:"target"`
	LastError       string              `json:"last_error,omitempty"`
	LastExit        *process.ExitStatus `json:"last_exit,omitempty"`
	LastDiagnostics string              `json:"last_diagnostics,omitempty"`
}

// Manager owns at most one gateway process. Lifecycle operations (start,
// stop, restart, reset) are serialized; Status and Probe may be called
// concurrently with them.
type Manager struct {
	opts   Options
	cli    *CLI
	runner *process.Runner
	output *OutputLog
	log    logrus.FieldLogger
	client *http.Client

	// killPort frees the gateway port when stopping leaves it answering.
	killPort func(ctx context.Context, port int) []int

	opMu sync.Mutex // serializes lifecycle operations

	mu              sync.RWMutex // guards the fields below
	state           State
	handle          *process.Handle
	ready           bool
	starts          int
	lastError       string
	lastExit        *process.ExitStatus
	lastDiagnostics string

	shuttingDown atomic.Bool
}

// NewManager creates a Manager. Nothing is started.
func NewManager(opts Options, runner *process.Runner, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.IsConfigured == nil {
		opts.IsConfigured = func() bool { return true }
	}
	if opts.Addr == "" {
		opts.Addr = fmt.Sprintf("127.0.0.1:%d", opts.Port)
	}
	if opts.Settings.ProbeAttempts < 1 {
		opts.Settings.ProbeAttempts = 1
	}
	if opts.Settings.ProbeInterval <= 0 {
		opts.Settings.ProbeInterval = 250 * time.Millisecond
	}
	if opts.Settings.ProbeTimeout <= 0 {
		opts.Settings.ProbeTimeout = time.Second
	}

	env := append(os.Environ(),
		"OPENCLAW_STATE_DIR="+opts.StateDir,
		"OPENCLAW_WORKSPACE_DIR="+opts.WorkspaceDir,
	)
	env = append(env, opts.Env...)

	return &Manager{
		opts:     opts,
		cli:      NewCLI(opts.Name, opts.Args, env, runner, opts.Settings.CommandTimeout),
		runner:   runner,
		output:   NewOutputLog(opts.Settings.OutputLines),
		log:      logger,
		client:   &http.Client{Timeout: opts.Settings.ProbeTimeout},
		killPort: runner.KillByPort,
		state:    StateStopped,
	}
}

// CLI returns the gateway CLI wrapper sharing this manager's environment.
func (m *Manager) CLI() *CLI { return m.cli }

// Output returns the ring of gateway output lines.
func (m *Manager) Output() *OutputLog { return m.output }

// Target is the gateway's loopback base URL.
func (m *Manager) Target() string {
	return "http://" + m.opts.Addr
}

// Token is the bearer token the gateway was started with.
func (m *Manager) Token() string { return m.opts.Token }

// IsConfigured reports whether a gateway config exists.
func (m *Manager) IsConfigured() bool { return m.opts.IsConfigured() }

// Status returns a snapshot of the gateway state.
func (m *Manager) Status() Status {
	configured := m.opts.IsConfigured()

	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		State:           m.state,
		Ready:           m.ready,
		Configured:      configured,
		Starts:          m.starts,
		Target:          m.Target(),
		LastError:       m.lastError,
		LastDiagnostics: m.lastDiagnostics,
	}
	if m.lastExit != nil {
		exit := *m.lastExit
		st.LastExit = &exit
	}
	if m.handle != nil {
		st.PID = m.handle.Pid()
		started := m.handle.StartedAt()
		st.StartedAt = &started
	}
	return st
}

// Start spawns the gateway and waits until it answers health probes. It is a
// no-op when a gateway is already owned and ready.
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.start(ctx)
}

// Stop terminates the gateway, including unowned gateway processes matched
// by the kill patterns, and waits for the port to stop answering.
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stop(ctx)
}

// Restart stops and then starts the gateway as one operation.
func (m *Manager) Restart(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}
	m.log.Info("[gateway] Restarting gateway")
	if err := m.stop(ctx); err != nil {
		return err
	}
	if err := sleepCtx(ctx, m.opts.Settings.RestartSettle); err != nil {
		return err
	}
	return m.start(ctx)
}

// EnsureRunning returns nil once a gateway is answering. Concurrent callers
// share a single start.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if !m.opts.IsConfigured() {
		return ErrNotConfigured
	}
	if m.isReady() {
		return nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.isReady() {
		return nil
	}
	m.mu.RLock()
	h := m.handle
	m.mu.RUnlock()
	if h != nil && !h.Exited() {
		// A previous start timed out but the process lives on; give it
		// another readiness window instead of spawning a second one.
		return m.waitReady(ctx, h)
	}
	return m.start(ctx)
}

// Probe checks whether the gateway port answers HTTP. Success marks the
// gateway ready, which also covers a gateway left running by a previous
// supervisor.
func (m *Manager) Probe(ctx context.Context) bool {
	ok := m.listening(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		// An adopted gateway has no exit observer; forget it once it stops answering.
		if m.handle == nil {
			m.ready = false
		}
		return false
	}
	if m.state == StateStopping {
		return true
	}
	m.ready = true
	if m.handle != nil && m.state == StateStarting {
		m.state = StateReady
	}
	return true
}

// RunDoctor runs the gateway's doctor command and records its output as the
// latest diagnostics.
func (m *Manager) RunDoctor(ctx context.Context) (process.CommandResult, error) {
	res, err := m.cli.Doctor(ctx)
	out := res.Output()
	if err != nil && out == "" {
		out = err.Error()
	}
	m.mu.Lock()
	m.lastDiagnostics = out
	m.mu.Unlock()
	return res, err
}

// Reset stops the gateway and then calls remove to delete its config. The
// sequence is ordered so that no gateway process still holds the config when
// it is removed: SIGTERM the owned process, pattern-kill unowned ones, wait
// ResetGrace, SIGKILL anything owned that is still alive, then remove.
func (m *Manager) Reset(ctx context.Context, remove func() error) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.log.Info("[reset] Stopping gateway before config deletion")

	m.mu.Lock()
	h := m.handle
	if h != nil {
		m.state = StateStopping
	}
	m.mu.Unlock()

	if h != nil {
		if err := h.Signal(syscall.SIGTERM); err != nil {
			m.log.WithError(err).Warn("[reset] SIGTERM failed")
		}
	}
	m.killPatterns(ctx)

	if err := sleepCtx(ctx, m.opts.Settings.ResetGrace); err != nil {
		return err
	}
	if h != nil {
		// ResetGrace has already passed; anything still alive is killed now.
		killed, err := h.Escalate(ctx, 0)
		if killed {
			m.log.Warnf("[reset] Gateway pid %d ignored SIGTERM, sent SIGKILL", h.Pid())
		}
		if err != nil {
			m.log.WithError(err).Warn("[reset] SIGKILL failed")
		}
	}

	m.mu.Lock()
	m.handle = nil
	m.ready = false
	m.state = StateStopped
	m.lastDiagnostics = ""
	m.mu.Unlock()

	m.log.Info("[reset] Deleting config file")
	if err := remove(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Terminate sends SIGTERM to the owned gateway and refuses further starts.
// A start already past its checks signals its own process once spawned. It
// does not wait; use Wait.
func (m *Manager) Terminate() error {
	m.mu.Lock()
	m.shuttingDown.Store(true)
	h := m.handle
	if h != nil && !h.Exited() {
		m.state = StateStopping
	}
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Signal(syscall.SIGTERM)
}

// Wait blocks until the owned gateway, if any, has exited.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.RLock()
	h := m.handle
	m.mu.RUnlock()
	if h == nil {
		return nil
	}
	_, err := h.Wait(ctx)
	return err
}

func (m *Manager) isReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

func (m *Manager) start(ctx context.Context) error {
	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if !m.opts.IsConfigured() {
		return ErrNotConfigured
	}

	m.mu.RLock()
	h := m.handle
	ready := m.ready
	m.mu.RUnlock()
	if h != nil && !h.Exited() {
		if ready {
			return nil
		}
		return m.waitReady(ctx, h)
	}

	for _, dir := range []string{m.opts.StateDir, m.opts.WorkspaceDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return m.fail(fmt.Errorf("create %s: %w", dir, err))
		}
	}

	m.mu.Lock()
	m.state = StateStarting
	m.ready = false
	m.mu.Unlock()

	cmd := m.cli.RunCommand(m.opts.Port, m.opts.Token)
	stdout := m.output.Writer("stdout", m.log)
	stderr := m.output.Writer("stderr", m.log)

	m.log.Infof("[gateway] Starting gateway on %s", m.Target())
	h, err := process.Spawn(cmd, stdout, stderr)
	if err != nil {
		return m.fail(err)
	}

	// Terminate sets shuttingDown under mu, so either it sees this handle or
	// this check sees the shutdown.
	m.mu.Lock()
	m.handle = h
	m.starts++
	stopping := m.shuttingDown.Load()
	if stopping {
		m.state = StateStopping
	}
	m.mu.Unlock()

	go m.observe(h, stdout, stderr)

	if stopping {
		m.log.Warnf("[gateway] Shutdown began during start, stopping gateway pid %d", h.Pid())
		if err := h.Signal(syscall.SIGTERM); err != nil {
			m.log.WithError(err).Warn("[gateway] SIGTERM failed")
		}
		return ErrShuttingDown
	}

	return m.waitReady(ctx, h)
}

// observe records how h ended and clears it if it is still the owned handle.
func (m *Manager) observe(h *process.Handle, outputs ...interface{ Close() error }) {
	<-h.Done()
	for _, w := range outputs {
		_ = w.Close()
	}
	exit := h.Exit()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastExit = &exit
	if m.handle != h {
		return
	}
	m.handle = nil
	m.ready = false
	if m.state == StateStopping {
		m.state = StateStopped
		m.log.Infof("[gateway] Gateway exited (%s)", exit)
		return
	}
	m.state = StateStopped
	m.lastError = fmt.Sprintf("gateway exited unexpectedly (%s)", exit)
	m.log.Errorf("[gateway] %s", m.lastError)
}

// waitReady polls the health endpoint until it answers, the process exits,
// ReadyTimeout elapses or ctx is done. On timeout it runs doctor so the proxy
// can show why.
func (m *Manager) waitReady(ctx context.Context, h *process.Handle) error {
	deadline := time.NewTimer(m.opts.Settings.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.opts.Settings.ProbeInterval)
	defer ticker.Stop()

	for {
		if m.Probe(ctx) {
			m.log.Infof("[gateway] Gateway ready on %s", m.Target())
			m.mu.Lock()
			m.lastError = ""
			m.mu.Unlock()
			return nil
		}
		select {
		case <-h.Done():
			return m.fail(fmt.Errorf("gateway exited during startup (%s)", h.Exit()))
		case <-deadline.C:
			m.mu.Lock()
			m.lastError = ErrNotReady.Error()
			m.mu.Unlock()
			m.log.Errorf("[gateway] Gateway did not become ready within %s, running doctor", m.opts.Settings.ReadyTimeout)
			if _, err := m.RunDoctor(context.WithoutCancel(ctx)); err != nil {
				m.log.WithError(err).Warn("[gateway] doctor failed")
			}
			return ErrNotReady
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) stop(ctx context.Context) error {
	m.mu.Lock()
	h := m.handle
	if h != nil {
		m.state = StateStopping
	}
	m.mu.Unlock()

	if h != nil {
		m.log.Infof("[gateway] Stopping gateway (pid %d)", h.Pid())
		if err := h.Signal(syscall.SIGTERM); err != nil {
			m.log.WithError(err).Warn("[gateway] SIGTERM failed")
		}
	}
	// The gateway may have been started by an earlier supervisor or may have
	// forked; the owned handle alone does not guarantee the port is free.
	m.killPatterns(ctx)

	if h != nil {
		killed, err := h.Escalate(ctx, m.opts.Settings.KillGrace)
		if killed {
			m.log.Warnf("[gateway] Gateway pid %d still alive after SIGTERM, sent SIGKILL", h.Pid())
		}
		if err != nil {
			m.log.WithError(err).Warn("[gateway] SIGKILL failed")
		}
	}

	m.mu.Lock()
	if m.handle == h {
		m.handle = nil
	}
	m.ready = false
	m.state = StateStopped
	m.mu.Unlock()

	if !m.waitPortFree(ctx) {
		msg := fmt.Sprintf("gateway port %d still answering after %d probes", m.opts.Port, m.opts.Settings.ProbeAttempts)
		m.log.Warnf("[gateway] %s, killing listeners", msg)
		if pids := m.killPort(context.WithoutCancel(ctx), m.opts.Port); len(pids) > 0 {
			m.log.Warnf("[gateway] Killed pids %v holding port %d", pids, m.opts.Port)
		}
		m.mu.Lock()
		m.lastError = msg
		m.mu.Unlock()
	}
	return nil
}

// waitPortFree re-probes until the gateway port stops answering or the
// attempts are exhausted.
func (m *Manager) waitPortFree(ctx context.Context) bool {
	for i := 0; i < m.opts.Settings.ProbeAttempts; i++ {
		if !m.listening(ctx) {
			return true
		}
		if err := sleepCtx(ctx, m.opts.Settings.ProbeInterval); err != nil {
			return false
		}
	}
	return !m.listening(ctx)
}

func (m *Manager) killPatterns(ctx context.Context) {
	for _, pattern := range m.opts.Settings.KillPatterns {
		res, err := m.runner.PKill(ctx, pattern)
		if err != nil {
			m.log.WithError(err).Debugf("[gateway] pkill -f %q failed", pattern)
			continue
		}
		if res.ExitCode == 0 {
			m.log.Infof("[gateway] pkill -f %q terminated matching processes", pattern)
		}
	}
}

func (m *Manager) listening(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.Target()+HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.lastError = err.Error()
	m.ready = false
	if m.state == StateStarting {
		m.state = StateStopped
	}
	m.mu.Unlock()
	m.log.Errorf("[gateway] %v", err)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
