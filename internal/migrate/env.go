// Package migrate normalizes legacy CLAWDBOT_*/MOLTBOT_* naming into the
// canonical OPENCLAW_* form. It runs once, before anything reads configuration.
package migrate

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Rule maps a legacy environment variable to its canonical name.
type Rule struct {
	Legacy    string
	Canonical string
}

// canonicalSuffixes are the OPENCLAW_* settings that had legacy spellings.
var canonicalSuffixes = []string{
	"PUBLIC_PORT",
	"STATE_DIR",
	"WORKSPACE_DIR",
	"GATEWAY_TOKEN",
	"CONFIG_PATH",
}

// legacyPrefixes are ordered newest first, so MOLTBOT_* wins over CLAWDBOT_*.
var legacyPrefixes = []string{"MOLTBOT_", "CLAWDBOT_"}

// EnvRules is the fixed, ordered list of environment migrations.
var EnvRules = buildEnvRules()

func buildEnvRules() []Rule {
	rules := make([]Rule, 0, len(canonicalSuffixes)*len(legacyPrefixes))
	for _, suffix := range canonicalSuffixes {
		for _, prefix := range legacyPrefixes {
			rules = append(rules, Rule{
				Legacy:    prefix + suffix,
				Canonical: "OPENCLAW_" + suffix,
			})
		}
	}
	return rules
}

// Env is the environment the rules are applied to.
type Env interface {
	LookupEnv(key string) (string, bool)
	Setenv(key, value string) error
}

// OSEnv is the process environment.
type OSEnv struct{}

func (OSEnv) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }
func (OSEnv) Setenv(key, value string) error      { return os.Setenv(key, value) }

// ApplyEnv copies legacy values into unset canonical variables and returns the
// rules that fired. A canonical variable that is already set always wins and
// the legacy value is ignored without a warning. Empty values count as unset.
func ApplyEnv(env Env, logger logrus.FieldLogger) []Rule {
	var applied []Rule
	for _, rule := range EnvRules {
		if current, ok := env.LookupEnv(rule.Canonical); ok && current != "" {
			continue
		}
		value, ok := env.LookupEnv(rule.Legacy)
		if !ok || value == "" {
			continue
		}
		if err := env.Setenv(rule.Canonical, value); err != nil {
			logger.Errorf("[env-migration] Failed to copy %s to %s: %v", rule.Legacy, rule.Canonical, err)
			continue
		}
		logger.Warnf("[env-migration] Detected legacy %s, using it as %s. Please rename it; legacy names will be removed in a future release.",
			rule.Legacy, rule.Canonical)
		applied = append(applied, rule)
	}
	return applied
}

var (
	runOnce    sync.Once
	runApplied []Rule
)

// Run applies EnvRules to the process environment exactly once per process.
// Later calls return the rules applied by the first one.
func Run(logger logrus.FieldLogger) []Rule {
	runOnce.Do(func() {
		runApplied = ApplyEnv(OSEnv{}, logger)
	})
	return runApplied
}
