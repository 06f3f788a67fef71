package migrate

import (
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapEnv map[string]string

func (m mapEnv) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m mapEnv) Setenv(key, value string) error {
	m[key] = value
	return nil
}

func warnings(hook *test.Hook) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestEnvRules_Shape(t *testing.T) {
	seen := make(map[string]bool)
	for _, rule := range EnvRules {
		assert.True(t, strings.HasPrefix(rule.Canonical, "OPENCLAW_"), rule.Canonical)
		assert.True(t, strings.HasPrefix(rule.Legacy, "CLAWDBOT_") || strings.HasPrefix(rule.Legacy, "MOLTBOT_"), rule.Legacy)
		assert.False(t, seen[rule.Legacy], "duplicate rule for %s", rule.Legacy)
		seen[rule.Legacy] = true
	}
	assert.True(t, seen["CLAWDBOT_PUBLIC_PORT"])
	assert.True(t, seen["MOLTBOT_STATE_DIR"])
	assert.True(t, seen["MOLTBOT_GATEWAY_TOKEN"])
	assert.True(t, seen["CLAWDBOT_WORKSPACE_DIR"])
}

func TestApplyEnv_LegacyOnly(t *testing.T) {
	for _, rule := range EnvRules {
		t.Run(rule.Legacy, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			env := mapEnv{rule.Legacy: "legacy-value"}

			applied := ApplyEnv(env, logger)

			require.Len(t, applied, 1)
			assert.Equal(t, rule, applied[0])
			assert.Equal(t, "legacy-value", env[rule.Canonical])

			msgs := warnings(hook)
			require.Len(t, msgs, 1)
			assert.Contains(t, msgs[0], "[env-migration] Detected legacy "+rule.Legacy)
		})
	}
}

func TestApplyEnv_CanonicalWins(t *testing.T) {
	for _, rule := range EnvRules {
		t.Run(rule.Legacy, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			env := mapEnv{
				rule.Legacy:    "legacy-value",
				rule.Canonical: "canonical-value",
			}

			applied := ApplyEnv(env, logger)

			assert.Empty(t, applied)
			assert.Equal(t, "canonical-value", env[rule.Canonical])
			assert.Empty(t, hook.AllEntries())
		})
	}
}

func TestApplyEnv_EmptyCanonicalIsUnset(t *testing.T) {
	logger, _ := test.NewNullLogger()
	env := mapEnv{
		"OPENCLAW_PUBLIC_PORT": "",
		"CLAWDBOT_PUBLIC_PORT": "9999",
		"MOLTBOT_STATE_DIR":    "",
	}

	applied := ApplyEnv(env, logger)

	require.Len(t, applied, 1)
	assert.Equal(t, "9999", env["OPENCLAW_PUBLIC_PORT"])
	_, ok := env["OPENCLAW_STATE_DIR"]
	assert.False(t, ok)
}

func TestApplyEnv_NewestLegacyWins(t *testing.T) {
	logger, hook := test.NewNullLogger()
	env := mapEnv{
		"CLAWDBOT_STATE_DIR": "/tmp/clawdbot",
		"MOLTBOT_STATE_DIR":  "/tmp/moltbot",
	}

	applied := ApplyEnv(env, logger)

	require.Len(t, applied, 1)
	assert.Equal(t, "MOLTBOT_STATE_DIR", applied[0].Legacy)
	assert.Equal(t, "/tmp/moltbot", env["OPENCLAW_STATE_DIR"])
	assert.Len(t, warnings(hook), 1)
}

func TestApplyEnv_MultipleLegacyVars(t *testing.T) {
	logger, hook := test.NewNullLogger()
	env := mapEnv{
		"CLAWDBOT_WORKSPACE_DIR": "/tmp/claw-workspace",
		"MOLTBOT_GATEWAY_TOKEN":  "test-token-123",
	}

	applied := ApplyEnv(env, logger)

	assert.Len(t, applied, 2)
	assert.Equal(t, "/tmp/claw-workspace", env["OPENCLAW_WORKSPACE_DIR"])
	assert.Equal(t, "test-token-123", env["OPENCLAW_GATEWAY_TOKEN"])

	joined := strings.Join(warnings(hook), "\n")
	assert.Contains(t, joined, "Detected legacy CLAWDBOT_WORKSPACE_DIR")
	assert.Contains(t, joined, "Detected legacy MOLTBOT_GATEWAY_TOKEN")
}

func TestRun_OnlyOnce(t *testing.T) {
	t.Setenv("CLAWDBOT_PUBLIC_PORT", "9999")
	t.Setenv("OPENCLAW_PUBLIC_PORT", "")

	logger, _ := test.NewNullLogger()
	first := Run(logger)
	assert.Contains(t, first, Rule{Legacy: "CLAWDBOT_PUBLIC_PORT", Canonical: "OPENCLAW_PUBLIC_PORT"})
	assert.Equal(t, "9999", os.Getenv("OPENCLAW_PUBLIC_PORT"))

	second := Run(logger)
	assert.Equal(t, first, second)
}
