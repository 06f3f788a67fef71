// Package watcher follows the gateway config file on disk: the gateway is
// started when a config appears and stopped when it is deleted.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce coalesces the burst of events a single save produces.
const DefaultDebounce = 500 * time.Millisecond

// Target is what reacts to config changes.
type Target interface {
	EnsureRunning(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Watcher watches the directories holding the config candidates.
type Watcher struct {
	candidates   map[string]bool
	dirs         []string
	isConfigured func() bool
	target       Target
	debounce     time.Duration
	log          logrus.FieldLogger

	fsw      *fsnotify.Watcher
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu         sync.Mutex
	configured bool
}

// New creates a Watcher for the given config candidate paths.
func New(candidates []string, isConfigured func() bool, target Target, logger logrus.FieldLogger) *Watcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w := &Watcher{
		candidates:   make(map[string]bool),
		isConfigured: isConfigured,
		target:       target,
		debounce:     DefaultDebounce,
		log:          logger,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	seen := make(map[string]bool)
	for _, c := range candidates {
		c = filepath.Clean(c)
		w.candidates[c] = true
		dir := filepath.Dir(c)
		if !seen[dir] {
			seen[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	return w
}

// SetDebounce overrides DefaultDebounce. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Start begins watching. Directories that do not exist are skipped.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := 0
	for _, dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			w.log.WithError(err).Debugf("[watcher] Not watching %s", dir)
			continue
		}
		watched++
	}
	w.fsw = fsw
	w.configured = w.isConfigured()
	w.log.Debugf("[watcher] Watching %d config director(ies), configured=%v", watched, w.configured)

	go w.loop(ctx)
	return nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	w.stopOnce.Do(func() { close(w.stop) })
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.candidates[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.sync(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("[watcher] Watch error")
		}
	}
}

// sync acts only on a change of configured state; edits to an existing
// config are left to an explicit restart.
func (w *Watcher) sync(ctx context.Context) {
	configured := w.isConfigured()

	w.mu.Lock()
	changed := configured != w.configured
	w.configured = configured
	w.mu.Unlock()
	if !changed {
		return
	}

	if configured {
		w.log.Info("[watcher] Config file appeared, starting gateway")
		if err := w.target.EnsureRunning(ctx); err != nil {
			w.log.WithError(err).Warn("[watcher] Gateway did not start")
		}
		return
	}
	w.log.Info("[watcher] Config file removed, stopping gateway")
	if err := w.target.Stop(ctx); err != nil {
		w.log.WithError(err).Warn("[watcher] Gateway did not stop cleanly")
	}
}
