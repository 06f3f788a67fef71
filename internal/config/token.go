package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TokenFileName holds the generated gateway token inside the state dir.
const TokenFileName = "gateway.token"

// EnsureGatewayToken fills c.GatewayToken. An explicit OPENCLAW_GATEWAY_TOKEN
// wins; otherwise the persisted token is reused, and as a last resort a new
// random token is generated and written to the state dir.
func (c *Config) EnsureGatewayToken() (generated bool, err error) {
	if c.GatewayToken != "" {
		return false, nil
	}

	path := filepath.Join(c.StateDir, TokenFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if token := strings.TrimSpace(string(data)); token != "" {
			c.GatewayToken = token
			return false, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("read gateway token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, fmt.Errorf("generate gateway token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := WriteFileAtomic(path, []byte(token+"\n"), 0o600); err != nil {
		return false, fmt.Errorf("persist gateway token: %w", err)
	}
	c.GatewayToken = token
	return true, nil
}

// WriteFileAtomic writes data to a uniquely named temp file next to path,
// fsyncs it and renames it over path, so readers never see a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%s", path, uuid.New().String())
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tempPath, err)
	}

	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tempPath, err)
	}
	cleanup = false
	return nil
}
