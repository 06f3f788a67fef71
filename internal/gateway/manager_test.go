//go:build !windows

package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawwrap/internal/config"
	"github.com/openclaw/clawwrap/internal/process"
)

type testManager struct {
	*Manager
	hook       *test.Hook
	configured *atomic.Bool
}

func newTestManager(t *testing.T, mode string) *testManager {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	settings := config.DefaultSettings()
	settings.KillGrace = 500 * time.Millisecond
	settings.ReadyTimeout = 5 * time.Second
	settings.ProbeInterval = 50 * time.Millisecond
	settings.ProbeAttempts = 20
	settings.ProbeTimeout = 200 * time.Millisecond
	settings.RestartSettle = 10 * time.Millisecond
	settings.ResetGrace = 200 * time.Millisecond
	settings.CommandTimeout = 10 * time.Second
	// Patterns that match nothing: tests must never pkill unrelated processes.
	settings.KillPatterns = []string{fmt.Sprintf("clawwrap-test-no-match-%d", time.Now().UnixNano())}

	configured := &atomic.Bool{}
	configured.Store(true)

	state := t.TempDir()
	runner := process.NewRunner(logger)
	runner.KillGrace = 200 * time.Millisecond

	m := NewManager(Options{
		Name:         os.Args[0],
		Args:         []string{"-test.run=^TestHelperGateway$", "--"},
		Env:          []string{"CLAWWRAP_HELPER_GATEWAY=1", "CLAWWRAP_HELPER_MODE=" + mode},
		Port:         freePort(t),
		Token:        "test-token",
		StateDir:     state,
		WorkspaceDir: state + "/workspace",
		Settings:     settings,
		IsConfigured: configured.Load,
	}, runner, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return &testManager{Manager: m, hook: hook, configured: configured}
}

func (tm *testManager) logText() string {
	var b strings.Builder
	for _, e := range tm.hook.AllEntries() {
		b.WriteString(e.Message)
		b.WriteByte('\n')
	}
	return b.String()
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestManager_StartAndStop(t *testing.T) {
	m := newTestManager(t, "serve")
	ctx := ctxTimeout(t, 20*time.Second)

	require.NoError(t, m.Start(ctx))

	st := m.Status()
	assert.Equal(t, StateReady, st.State)
	assert.True(t, st.Ready)
	assert.Positive(t, st.PID)
	assert.Equal(t, 1, st.Starts)
	assert.Empty(t, st.LastError)
	assert.True(t, m.Probe(ctx))

	assert.Eventually(t, func() bool {
		return strings.Contains(m.Output().Text(0), "gateway listening on")
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, m.logText(), "[gateway] gateway listening on")

	// Starting again while ready is a no-op.
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, 1, m.Status().Starts)

	require.NoError(t, m.Stop(ctx))
	st = m.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.Ready)
	assert.Zero(t, st.PID)
	assert.False(t, m.listening(ctx), "port must be free after Stop")
	require.NotNil(t, st.LastExit)
	assert.Equal(t, "SIGTERM", st.LastExit.Signal)
	assert.Empty(t, st.LastError, "a requested stop is not an error")
}

func TestManager_StartPassesGatewayArgs(t *testing.T) {
	m := newTestManager(t, "serve")
	cmd := m.CLI().RunCommand(18789, "tok")
	assert.Equal(t, []string{
		"-test.run=^TestHelperGateway$", "--",
		"gateway", "run", "--bind", "loopback", "--port", "18789", "--auth", "token", "--token", "tok",
	}, cmd.Args)
	assert.Contains(t, cmd.Env, "OPENCLAW_STATE_DIR="+m.opts.StateDir)
	assert.Contains(t, cmd.Env, "OPENCLAW_WORKSPACE_DIR="+m.opts.WorkspaceDir)
}

func TestManager_EnsureRunning_NotConfigured(t *testing.T) {
	m := newTestManager(t, "serve")
	m.configured.Store(false)

	err := m.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Zero(t, m.Status().Starts)
}

func TestManager_EnsureRunning_SharesOneStart(t *testing.T) {
	m := newTestManager(t, "serve")
	ctx := ctxTimeout(t, 20*time.Second)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureRunning(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, m.Status().Starts, "at most one gateway may be spawned")
}

func TestManager_NotReadyRunsDoctor(t *testing.T) {
	m := newTestManager(t, "hang")
	m.opts.Settings.ReadyTimeout = 300 * time.Millisecond
	ctx := ctxTimeout(t, 20*time.Second)

	err := m.Start(ctx)
	require.ErrorIs(t, err, ErrNotReady)

	st := m.Status()
	assert.Equal(t, StateStarting, st.State)
	assert.False(t, st.Ready)
	assert.Contains(t, st.LastError, "did not become ready")
	assert.Contains(t, st.LastDiagnostics, "gateway.auth.token is missing")

	// The hanging process is still owned; a second start must not spawn another.
	err = m.EnsureRunning(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 1, m.Status().Starts)
}

func TestManager_CrashDuringStartup(t *testing.T) {
	m := newTestManager(t, "crash")
	ctx := ctxTimeout(t, 20*time.Second)

	err := m.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")

	assert.Eventually(t, func() bool {
		st := m.Status()
		return st.LastExit != nil && st.State == StateStopped
	}, 2*time.Second, 20*time.Millisecond)

	st := m.Status()
	assert.Equal(t, 3, st.LastExit.Code)
	assert.NotEmpty(t, st.LastError)
	assert.Contains(t, m.Output().Text(0), "fatal: cannot read config")
}

func TestManager_UnexpectedExitIsRecorded(t *testing.T) {
	m := newTestManager(t, "serve")
	ctx := ctxTimeout(t, 20*time.Second)
	require.NoError(t, m.Start(ctx))

	pid := m.Status().PID
	require.NoError(t, syscallKill(pid))

	assert.Eventually(t, func() bool {
		return m.Status().State == StateStopped
	}, 5*time.Second, 20*time.Millisecond)

	st := m.Status()
	assert.False(t, st.Ready)
	assert.Contains(t, st.LastError, "exited unexpectedly")
	require.NotNil(t, st.LastExit)
	assert.Equal(t, "SIGKILL", st.LastExit.Signal)

	// The next request brings it back.
	require.NoError(t, m.EnsureRunning(ctx))
	assert.Equal(t, 2, m.Status().Starts)
}

func TestManager_Restart(t *testing.T) {
	m := newTestManager(t, "serve")
	ctx := ctxTimeout(t, 30*time.Second)
	require.NoError(t, m.Start(ctx))
	first := m.Status().PID

	require.NoError(t, m.Restart(ctx))

	st := m.Status()
	assert.Equal(t, StateReady, st.State)
	assert.NotEqual(t, first, st.PID)
	assert.Equal(t, 2, st.Starts)
	assert.False(t, processAlive(first))

	logs := m.logText()
	stopIdx := strings.Index(logs, fmt.Sprintf("Stopping gateway (pid %d)", first))
	startIdx := strings.LastIndex(logs, "Starting gateway on")
	require.GreaterOrEqual(t, stopIdx, 0)
	assert.Greater(t, startIdx, stopIdx, "the old gateway is stopped before the new one starts")
	assert.NotContains(t, logs, "still answering")
}

func TestManager_ResetOrder(t *testing.T) {
	m := newTestManager(t, "serve")
	ctx := ctxTimeout(t, 20*time.Second)
	require.NoError(t, m.Start(ctx))

	start := time.Now()
	var (
		removedAfter time.Duration
		aliveAtRm    bool
		logsAtRm     string
	)
	err := m.Reset(ctx, func() error {
		removedAfter = time.Since(start)
		aliveAtRm = m.listening(context.Background())
		logsAtRm = m.logText()
		return nil
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, removedAfter, m.opts.Settings.ResetGrace)
	assert.False(t, aliveAtRm, "config must not be removed while the gateway still answers")

	stopIdx := strings.Index(logsAtRm, "[reset] Stopping gateway before config deletion")
	deleteIdx := strings.Index(logsAtRm, "[reset] Deleting config file")
	require.GreaterOrEqual(t, stopIdx, 0)
	require.Greater(t, deleteIdx, stopIdx)

	st := m.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Zero(t, st.PID)
}

func TestManager_ResetPropagatesRemoveError(t *testing.T) {
	m := newTestManager(t, "serve")
	boom := errors.New("read-only filesystem")

	err := m.Reset(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestManager_TerminateAndWait(t *testing.T) {
	m := newTestManager(t, "serve")
	ctx := ctxTimeout(t, 20*time.Second)
	require.NoError(t, m.Start(ctx))

	require.NoError(t, m.Terminate())
	require.NoError(t, m.Wait(ctx))

	assert.ErrorIs(t, m.EnsureRunning(ctx), ErrShuttingDown)
	assert.ErrorIs(t, m.Restart(ctx), ErrShuttingDown)
}

func TestManager_TerminateDuringStartStopsSpawnedGateway(t *testing.T) {
	m := newTestManager(t, "serve")
	ctx := ctxTimeout(t, 20*time.Second)

	// Hold the start after its shutdown check until Terminate has run.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m.opts.IsConfigured = func() bool {
		once.Do(func() {
			close(entered)
			<-release
		})
		return true
	}

	errc := make(chan error, 1)
	go func() { errc <- m.Start(ctx) }()
	<-entered

	require.NoError(t, m.Terminate())
	require.NoError(t, m.Wait(ctx))
	close(release)

	require.ErrorIs(t, <-errc, ErrShuttingDown)
	require.NoError(t, m.Wait(ctx))

	assert.Eventually(t, func() bool {
		st := m.Status()
		return st.PID == 0 && st.State == StateStopped
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, m.listening(ctx), "no gateway may outlive shutdown")
	assert.Equal(t, 1, m.Status().Starts)
	assert.Contains(t, m.logText(), "Shutdown began during start")
}

func TestManager_ConcurrentRestartsKeepOneGateway(t *testing.T) {
	m := newTestManager(t, "serve")
	ctx := ctxTimeout(t, 60*time.Second)
	require.NoError(t, m.Start(ctx))

	var mu sync.Mutex
	pids := []int{m.Status().PID}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Restart(ctx))
			mu.Lock()
			pids = append(pids, m.Status().PID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	st := m.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, 4, st.Starts)

	for _, pid := range pids {
		if pid == 0 || pid == st.PID {
			continue
		}
		assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 20*time.Millisecond,
			"replaced gateway pid %d still alive", pid)
	}
	assert.True(t, processAlive(st.PID))
}

func TestManager_StopKillsGatewayIgnoringSIGTERM(t *testing.T) {
	m := newTestManager(t, "term-ignore")
	ctx := ctxTimeout(t, 20*time.Second)
	require.NoError(t, m.Start(ctx))
	pid := m.Status().PID

	start := time.Now()
	require.NoError(t, m.Stop(ctx))
	assert.GreaterOrEqual(t, time.Since(start), m.opts.Settings.KillGrace)

	assert.Eventually(t, func() bool {
		st := m.Status()
		return st.LastExit != nil && st.LastExit.Signal == "SIGKILL"
	}, 2*time.Second, 20*time.Millisecond)
	assert.False(t, processAlive(pid))
	assert.False(t, m.listening(ctx))
	assert.Contains(t, m.logText(), fmt.Sprintf("Gateway pid %d still alive after SIGTERM, sent SIGKILL", pid))
}

func TestManager_StopFreesPortHeldByUnownedListener(t *testing.T) {
	m := newTestManager(t, "serve")
	m.opts.Settings.ProbeAttempts = 3
	m.opts.Settings.ProbeInterval = 20 * time.Millisecond
	ctx := ctxTimeout(t, 20*time.Second)

	// Started outside the manager and not matched by its kill patterns.
	h, err := process.Spawn(m.CLI().RunCommand(m.opts.Port, "tok"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = h.Stop(context.Background(), time.Second) })
	require.Eventually(t, func() bool { return m.listening(ctx) }, 5*time.Second, 50*time.Millisecond)

	var freedPort int
	m.killPort = func(ctx context.Context, port int) []int {
		freedPort = port
		_, _ = h.Stop(ctx, time.Second)
		return []int{h.Pid()}
	}

	require.NoError(t, m.Stop(ctx))

	assert.Equal(t, m.opts.Port, freedPort)
	assert.Contains(t, m.Status().LastError, fmt.Sprintf("gateway port %d still answering after 3 ", m.opts.Port))
	assert.Contains(t, m.logText(), fmt.Sprintf("Killed pids [%d] holding port %d", h.Pid(), m.opts.Port))
	assert.False(t, m.listening(ctx))
}

func TestManager_TargetUsesConfiguredAddr(t *testing.T) {
	m := newTestManager(t, "serve")
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", m.opts.Port), m.Target())

	cfg := &config.Config{InternalPort: 18790, Settings: config.DefaultSettings()}
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "127.0.0.1:18790", opts.Addr)
	assert.Equal(t, "http://127.0.0.1:18790", NewManager(opts, process.NewRunner(nil), nil).Target())
}

func TestManager_ProbeAdoptsAndForgetsUnownedGateway(t *testing.T) {
	m := newTestManager(t, "serve")
	ctx := ctxTimeout(t, 20*time.Second)

	assert.False(t, m.Probe(ctx))
	assert.False(t, m.Status().Ready)

	// A gateway started outside this manager on the same port.
	h, err := process.Spawn(m.CLI().RunCommand(m.opts.Port, "tok"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = h.Stop(context.Background(), time.Second) })

	assert.Eventually(t, func() bool { return m.Probe(ctx) }, 5*time.Second, 50*time.Millisecond)
	assert.True(t, m.Status().Ready)
	require.NoError(t, m.EnsureRunning(ctx))
	assert.Zero(t, m.Status().Starts)

	_, err = h.Stop(ctx, time.Second)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !m.Probe(ctx) }, 5*time.Second, 50*time.Millisecond)
	assert.False(t, m.Status().Ready)
}

func TestCLI_ConfigSetJSON(t *testing.T) {
	m := newTestManager(t, "serve")
	res, err := m.CLI().ConfigSetJSON(context.Background(), "gateway.trustedProxies", []string{"127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, `config set --json gateway.trustedProxies ["127.0.0.1"]`+"\n", res.Stdout)
}

func TestCLI_Version(t *testing.T) {
	m := newTestManager(t, "serve")
	res, err := m.CLI().Version(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "openclaw")
}
