package migrate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Config file names, canonical first.
const (
	CanonicalConfigName = "openclaw.json"
	MoltbotConfigName   = "moltbot.json"
	ClawdbotConfigName  = "clawdbot.json"
)

// Candidates returns the config file locations under stateDir, most canonical first.
func Candidates(stateDir string) []string {
	return []string{
		filepath.Join(stateDir, CanonicalConfigName),
		filepath.Join(stateDir, MoltbotConfigName),
		filepath.Join(stateDir, ClawdbotConfigName),
	}
}

// ResolveConfig returns the first candidate that exists on disk.
func ResolveConfig(candidates []string) (string, bool) {
	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// MigrateConfigFiles renames the first existing legacy file (candidates[1:])
// to the canonical path (candidates[0]) when the canonical file is missing.
// The move is a single os.Rename so an interrupted migration never leaves a
// duplicated or half-written file. It returns the legacy path that was moved,
// or "" when nothing needed migrating.
func MigrateConfigFiles(candidates []string, logger logrus.FieldLogger) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}
	target := candidates[0]
	if fileExists(target) {
		return "", nil
	}

	for _, legacyPath := range candidates[1:] {
		if !fileExists(legacyPath) {
			continue
		}
		logger.Warnf("[config-migration] Found legacy config file %s, renaming to %s", legacyPath, target)
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return "", fmt.Errorf("config migration: %w", err)
		}
		if err := os.Rename(legacyPath, target); err != nil {
			return "", fmt.Errorf("config migration: rename %s: %w", legacyPath, err)
		}
		return legacyPath, nil
	}
	return "", nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
