package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadDotEnv loads .env from each directory in order. Variables that are
// already set are never overridden, so earlier directories win over later
// ones and the real environment wins over both. Missing files are ignored.
func LoadDotEnv(logger logrus.FieldLogger, dirs ...string) []string {
	var loaded []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, ".env")
		if err := godotenv.Load(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.WithError(err).Warnf("failed to load %s", path)
			}
			continue
		}
		loaded = append(loaded, path)
	}
	return loaded
}
