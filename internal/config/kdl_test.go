package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	input := `
version "1.0"

settings {
    command-timeout 30000
    kill-grace 500
    probe-attempts 3
}

gateway {
    kill-patterns "openclaw gateway" "clawdbot gateway"
    output-lines 50
}
`
	s, err := ParseSettings(input)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, s.CommandTimeout)
	assert.Equal(t, 500*time.Millisecond, s.KillGrace)
	assert.Equal(t, 3, s.ProbeAttempts)
	assert.Equal(t, []string{"openclaw gateway", "clawdbot gateway"}, s.KillPatterns)
	assert.Equal(t, 50, s.OutputLines)

	// Unset knobs keep their defaults.
	assert.Equal(t, 20*time.Second, s.ReadyTimeout)
	assert.Equal(t, time.Second, s.ResetGrace)
	assert.Equal(t, 10*time.Second, s.ShutdownTimeout)
}

func TestParseSettings_Invalid(t *testing.T) {
	_, err := ParseSettings(`settings {`)
	assert.Error(t, err)
}

func TestLoadSettingsFile_Missing(t *testing.T) {
	s, err := LoadSettingsFile(filepath.Join(t.TempDir(), SettingsFileName))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestWriteDefaultConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", SettingsFileName)
	require.NoError(t, WriteDefaultConfig(path))

	s, err := LoadSettingsFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s, "the documented file must describe the defaults")
}
