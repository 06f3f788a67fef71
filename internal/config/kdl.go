package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// SettingsFileName is the supervisor settings file inside the state dir.
const SettingsFileName = "clawwrap.kdl"

// KDLSettingsFile is the on-disk shape of clawwrap.kdl. Durations are
// milliseconds; zero keeps the default.
type KDLSettingsFile struct {
	Version  string      `kdl:"version"`
	Settings KDLSettings `kdl:"settings"`
	Gateway  KDLGateway  `kdl:"gateway"`
}

// KDLSettings holds the timing knobs.
type KDLSettings struct {
	CommandTimeout  int `kdl:"command-timeout"`
	KillGrace       int `kdl:"kill-grace"`
	ReadyTimeout    int `kdl:"ready-timeout"`
	ProbeInterval   int `kdl:"probe-interval"`
	ProbeAttempts   int `kdl:"probe-attempts"`
	ProbeTimeout    int `kdl:"probe-timeout"`
	RestartSettle   int `kdl:"restart-settle"`
	ResetGrace      int `kdl:"reset-grace"`
	ShutdownTimeout int `kdl:"shutdown-timeout"`
}

// KDLGateway holds gateway process settings.
type KDLGateway struct {
	KillPatterns []string `kdl:"kill-patterns"`
	OutputLines  int      `kdl:"output-lines"`
}

// LoadSettingsFile reads path. A missing file yields the defaults.
func LoadSettingsFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	return ParseSettings(string(data))
}

// ParseSettings parses clawwrap.kdl content over the defaults.
func ParseSettings(data string) (Settings, error) {
	var file KDLSettingsFile
	if err := kdl.Unmarshal([]byte(data), &file); err != nil {
		return Settings{}, err
	}
	return kdlSettingsToSettings(&file), nil
}

func kdlSettingsToSettings(file *KDLSettingsFile) Settings {
	s := DefaultSettings()
	ms := func(dst *time.Duration, v int) {
		if v > 0 {
			*dst = time.Duration(v) * time.Millisecond
		}
	}

	ms(&s.CommandTimeout, file.Settings.CommandTimeout)
	ms(&s.KillGrace, file.Settings.KillGrace)
	ms(&s.ReadyTimeout, file.Settings.ReadyTimeout)
	ms(&s.ProbeInterval, file.Settings.ProbeInterval)
	ms(&s.ProbeTimeout, file.Settings.ProbeTimeout)
	ms(&s.RestartSettle, file.Settings.RestartSettle)
	ms(&s.ResetGrace, file.Settings.ResetGrace)
	ms(&s.ShutdownTimeout, file.Settings.ShutdownTimeout)
	if file.Settings.ProbeAttempts > 0 {
		s.ProbeAttempts = file.Settings.ProbeAttempts
	}

	if len(file.Gateway.KillPatterns) > 0 {
		s.KillPatterns = file.Gateway.KillPatterns
	}
	if file.Gateway.OutputLines > 0 {
		s.OutputLines = file.Gateway.OutputLines
	}
	return s
}

// WriteDefaultConfig writes a documented clawwrap.kdl to path.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// clawwrap supervisor settings
// Durations are in milliseconds. Remove a line to keep the default.

version "1.0"

settings {
    // Timeout for gateway CLI commands (onboard, config set, doctor)
    command-timeout 120000
    // Wait between SIGTERM and SIGKILL
    kill-grace 2000
    // How long a starting gateway has to answer /healthz
    ready-timeout 20000
    // Port-free verification after stop
    probe-interval 500
    probe-attempts 10
    probe-timeout 1000
    // Pause after pattern kills before a restart
    restart-settle 2000
    // Pause between stopping the gateway and deleting config on reset
    reset-grace 1000
    // Upper bound for graceful supervisor shutdown
    shutdown-timeout 10000
}

gateway {
    // pkill -f patterns for gateway processes this supervisor does not own
    kill-patterns "gateway run" "openclaw-gateway"
    // Lines of gateway output kept for /setup/api/logs
    output-lines 1000
}
`
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0o644)
}
