// Package config resolves the supervisor's runtime settings from the
// environment, optional .env files and the clawwrap.kdl settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/clawwrap/internal/migrate"
)

// Defaults.
const (
	DefaultPublicPort   = 8080
	DefaultInternalPort = 18789
	DefaultGatewayBin   = "openclaw"
	DefaultStateDirName = ".openclaw"
)

// Config holds everything the supervisor needs at runtime.
type Config struct {
	// PublicPort is where the supervisor listens.
	PublicPort int
	// InternalPort is the loopback port the gateway binds.
	InternalPort int

	StateDir     string
	WorkspaceDir string
	// ConfigPathOverride is OPENCLAW_CONFIG_PATH; when set it is the only
	// config candidate.
	ConfigPathOverride string

	GatewayToken  string
	SetupPassword string

	// Entry and Node run the gateway as `node <entry>`; otherwise Bin is used.
	Entry string
	Node  string
	Bin   string

	LogLevel string
	LogFile  string

	Settings Settings
}

// Settings are the tunable timings and kill patterns from clawwrap.kdl.
type Settings struct {
	// CommandTimeout bounds every gateway CLI invocation.
	CommandTimeout time.Duration
	// KillGrace is the SIGTERM to SIGKILL interval.
	KillGrace time.Duration
	// ReadyTimeout bounds the wait for a freshly started gateway.
	ReadyTimeout time.Duration
	// ProbeInterval and ProbeAttempts bound the port-free check after stop.
	ProbeInterval time.Duration
	ProbeAttempts int
	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration
	// RestartSettle is the pause after pattern kills before restarting.
	RestartSettle time.Duration
	// ResetGrace is the pause between stopping the gateway and deleting config.
	ResetGrace time.Duration
	// ShutdownTimeout bounds graceful shutdown of the whole supervisor.
	ShutdownTimeout time.Duration
	// KillPatterns are passed to `pkill -f` to catch unowned gateway processes.
	KillPatterns []string
	// OutputLines is the size of the in-memory gateway output ring.
	OutputLines int
}

// DefaultSettings returns the built-in timings.
func DefaultSettings() Settings {
	return Settings{
		CommandTimeout:  120 * time.Second,
		KillGrace:       2 * time.Second,
		ReadyTimeout:    20 * time.Second,
		ProbeInterval:   500 * time.Millisecond,
		ProbeAttempts:   10,
		ProbeTimeout:    time.Second,
		RestartSettle:   2 * time.Second,
		ResetGrace:      time.Second,
		ShutdownTimeout: 10 * time.Second,
		KillPatterns:    []string{"gateway run", "openclaw-gateway"},
		OutputLines:     1000,
	}
}

// Getenv reads an environment variable.
type Getenv func(key string) string

// Load resolves a Config from the environment. Migration must already have
// run so that legacy names have been copied to their OPENCLAW_* form. The
// settings file is read from <state>/clawwrap.kdl when present.
func Load(getenv Getenv) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := &Config{
		SetupPassword:      env("SETUP_PASSWORD"),
		ConfigPathOverride: env("OPENCLAW_CONFIG_PATH"),
		Entry:              env("OPENCLAW_ENTRY"),
		Node:               env("OPENCLAW_NODE"),
		Bin:                env("OPENCLAW_BIN"),
		LogLevel:           env("CLAWWRAP_LOG_LEVEL"),
		LogFile:            env("CLAWWRAP_LOG_FILE"),
		GatewayToken:       env("OPENCLAW_GATEWAY_TOKEN"),
		Settings:           DefaultSettings(),
	}

	var err error
	if cfg.PublicPort, err = resolvePublicPort(env); err != nil {
		return nil, err
	}
	if cfg.InternalPort, err = parsePort("INTERNAL_GATEWAY_PORT", env("INTERNAL_GATEWAY_PORT"), DefaultInternalPort); err != nil {
		return nil, err
	}

	cfg.StateDir = env("OPENCLAW_STATE_DIR")
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve state dir: %w", err)
		}
		cfg.StateDir = filepath.Join(home, DefaultStateDirName)
	}
	cfg.WorkspaceDir = env("OPENCLAW_WORKSPACE_DIR")
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(cfg.StateDir, "workspace")
	}

	if cfg.Bin == "" {
		cfg.Bin = DefaultGatewayBin
	}
	if cfg.Node == "" {
		cfg.Node = "node"
	}

	settings, err := LoadSettingsFile(filepath.Join(cfg.StateDir, SettingsFileName))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", SettingsFileName, err)
	}
	cfg.Settings = settings

	return cfg, nil
}

// resolvePublicPort prefers OPENCLAW_PUBLIC_PORT, then the platform PORT,
// then 8080.
func resolvePublicPort(env func(string) string) (int, error) {
	if v := env("OPENCLAW_PUBLIC_PORT"); v != "" {
		return parsePort("OPENCLAW_PUBLIC_PORT", v, DefaultPublicPort)
	}
	return parsePort("PORT", env("PORT"), DefaultPublicPort)
}

func parsePort(name, value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid %s %q", name, value)
	}
	return port, nil
}

// ConfigCandidates returns the gateway config locations in precedence order.
func (c *Config) ConfigCandidates() []string {
	if c.ConfigPathOverride != "" {
		return []string{c.ConfigPathOverride}
	}
	return migrate.Candidates(c.StateDir)
}

// ConfigPath returns the active config file, or the canonical path when none
// exists yet.
func (c *Config) ConfigPath() string {
	candidates := c.ConfigCandidates()
	if path, ok := migrate.ResolveConfig(candidates); ok {
		return path
	}
	return candidates[0]
}

// IsConfigured reports whether any config candidate exists.
func (c *Config) IsConfigured() bool {
	_, ok := migrate.ResolveConfig(c.ConfigCandidates())
	return ok
}

// RemoveConfig deletes every existing config candidate and returns the paths
// removed.
func (c *Config) RemoveConfig() ([]string, error) {
	var removed []string
	var errs []error
	for _, path := range c.ConfigCandidates() {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed = append(removed, path)
		case errors.Is(err, os.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// GatewayCommand returns the executable and leading arguments used to invoke
// the gateway CLI.
func (c *Config) GatewayCommand() (string, []string) {
	if c.Entry != "" {
		return c.Node, []string{c.Entry}
	}
	return c.Bin, nil
}

// InternalAddr is the gateway's loopback host:port.
func (c *Config) InternalAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.InternalPort)
}

// ListenAddr is the supervisor's listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.PublicPort)
}

// Validate checks the resolved settings.
func (c *Config) Validate() error {
	if c.PublicPort == c.InternalPort {
		return fmt.Errorf("public port %d collides with internal gateway port", c.PublicPort)
	}
	if c.Settings.ProbeAttempts < 1 {
		return errors.New("probe-attempts must be at least 1")
	}
	if c.Settings.ShutdownTimeout <= 0 {
		return errors.New("shutdown-timeout must be positive")
	}
	return nil
}
