package migrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestCandidates_Order(t *testing.T) {
	c := Candidates("/data/.openclaw")
	assert.Equal(t, []string{
		"/data/.openclaw/openclaw.json",
		"/data/.openclaw/moltbot.json",
		"/data/.openclaw/clawdbot.json",
	}, c)
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	c := Candidates(dir)

	_, ok := ResolveConfig(c)
	assert.False(t, ok)

	writeFile(t, c[2], `{"legacy":"clawdbot"}`)
	path, ok := ResolveConfig(c)
	assert.True(t, ok)
	assert.Equal(t, c[2], path)

	writeFile(t, c[1], `{"legacy":"moltbot"}`)
	path, _ = ResolveConfig(c)
	assert.Equal(t, c[1], path)

	writeFile(t, c[0], `{}`)
	path, _ = ResolveConfig(c)
	assert.Equal(t, c[0], path, "canonical file wins regardless of legacy files")
}

func TestResolveConfig_IgnoresDirectories(t *testing.T) {
	dir := t.TempDir()
	c := Candidates(dir)
	require.NoError(t, os.Mkdir(c[0], 0o700))
	writeFile(t, c[1], `{}`)

	path, ok := ResolveConfig(c)
	assert.True(t, ok)
	assert.Equal(t, c[1], path)
}

func TestMigrateConfigFiles_RenamesLegacy(t *testing.T) {
	dir := t.TempDir()
	c := Candidates(dir)
	writeFile(t, c[2], `{"from":"clawdbot"}`)

	logger, hook := test.NewNullLogger()
	moved, err := MigrateConfigFiles(c, logger)
	require.NoError(t, err)
	assert.Equal(t, c[2], moved)

	assert.NoFileExists(t, c[2])
	data, err := os.ReadFile(c[0])
	require.NoError(t, err)
	assert.Equal(t, `{"from":"clawdbot"}`, string(data))

	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "[config-migration] Found legacy config file "+c[2])

	path, _ := ResolveConfig(c)
	assert.Equal(t, c[0], path)
}

func TestMigrateConfigFiles_PrefersNewestLegacy(t *testing.T) {
	dir := t.TempDir()
	c := Candidates(dir)
	writeFile(t, c[1], `moltbot`)
	writeFile(t, c[2], `clawdbot`)

	logger, _ := test.NewNullLogger()
	moved, err := MigrateConfigFiles(c, logger)
	require.NoError(t, err)
	assert.Equal(t, c[1], moved)
	assert.NoFileExists(t, c[1])
	assert.FileExists(t, c[2])
}

func TestMigrateConfigFiles_CanonicalExists(t *testing.T) {
	dir := t.TempDir()
	c := Candidates(dir)
	writeFile(t, c[0], `canonical`)
	writeFile(t, c[1], `legacy`)

	logger, hook := test.NewNullLogger()
	moved, err := MigrateConfigFiles(c, logger)
	require.NoError(t, err)
	assert.Empty(t, moved)
	assert.FileExists(t, c[1])
	assert.Empty(t, hook.AllEntries())

	data, _ := os.ReadFile(c[0])
	assert.Equal(t, "canonical", string(data))
}

func TestMigrateConfigFiles_CreatesStateDir(t *testing.T) {
	root := t.TempDir()
	legacy := filepath.Join(root, "clawdbot.json")
	writeFile(t, legacy, `{}`)
	target := filepath.Join(root, "nested", "openclaw.json")

	logger, _ := test.NewNullLogger()
	moved, err := MigrateConfigFiles([]string{target, legacy}, logger)
	require.NoError(t, err)
	assert.Equal(t, legacy, moved)
	assert.FileExists(t, target)
}
