package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTarget struct {
	mu     sync.Mutex
	events []string
	ch     chan string
}

func newRecordingTarget() *recordingTarget {
	return &recordingTarget{ch: make(chan string, 10)}
}

func (r *recordingTarget) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recordingTarget) EnsureRunning(ctx context.Context) error { r.add("ensure"); return nil }
func (r *recordingTarget) Stop(ctx context.Context) error          { r.add("stop"); return nil }

func (r *recordingTarget) next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watcher action")
		return ""
	}
}

func fileExists(path string) func() bool {
	return func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
}

func TestWatcher_StartsAndStopsWithConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "openclaw.json")
	target := newRecordingTarget()
	logger, _ := test.NewNullLogger()

	w := New([]string{cfg}, fileExists(cfg), target, logger)
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	require.NoError(t, os.WriteFile(cfg, []byte(`{}`), 0o600))
	assert.Equal(t, "ensure", target.next(t))

	require.NoError(t, os.Remove(cfg))
	assert.Equal(t, "stop", target.next(t))
}

func TestWatcher_IgnoresOtherFilesAndEdits(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "openclaw.json")
	require.NoError(t, os.WriteFile(cfg, []byte(`{}`), 0o600))
	target := newRecordingTarget()
	logger, _ := test.NewNullLogger()

	w := New([]string{cfg}, fileExists(cfg), target, logger)
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "gateway.token"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(cfg, []byte(`{"a":1}`), 0o600))

	select {
	case ev := <-target.ch:
		t.Fatalf("unexpected action %q", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_MissingDirIsSkipped(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "missing", "openclaw.json")
	logger, _ := test.NewNullLogger()

	w := New([]string{cfg}, fileExists(cfg), newRecordingTarget(), logger)
	require.NoError(t, w.Start(context.Background()))
	assert.NoError(t, w.Close())
}

func TestWatcher_CloseWithoutStart(t *testing.T) {
	w := New(nil, func() bool { return false }, newRecordingTarget(), nil)
	assert.NoError(t, w.Close())
}
