package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StaleWatcher watches the config and pricing override files named at
// startup for changes and logs a warning if either is touched while a
// session is running. A session's Config is snapshotted once at `created`
// and never mutated again, so an edit mid-session would otherwise go
// silently unapplied until the next run; this just makes that fact loud
// instead of surprising.
type StaleWatcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	logger    *slog.Logger
}

// NewStaleWatcher starts watching the directories containing configPath and
// pricingPath (either may be empty) and logs a warning through logger
// whenever one of the named files is written or recreated. Call Stop to
// clean up before the process exits.
func NewStaleWatcher(configPath, pricingPath string, logger *slog.Logger) (*StaleWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	targets := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, p := range []string{configPath, pricingPath} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving watch path %s: %w", p, err)
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	if len(targets) == 0 {
		return &StaleWatcher{logger: logger}, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
	}

	sw := &StaleWatcher{
		watcher:   w,
		watchDone: make(chan struct{}),
		logger:    logger.With("component", "config.StaleWatcher"),
	}
	go sw.loop(targets)
	sw.logger.Debug("watching config files for mid-session edits", "files", keysOf(targets))
	return sw, nil
}

func (sw *StaleWatcher) loop(targets map[string]struct{}) {
	defer close(sw.watchDone)
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if _, watched := targets[absEvent]; !watched {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				sw.logger.Warn("config or pricing file changed during an active session; it will not take effect until the next run", "path", absEvent)
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Error("fsnotify error", "error", err)
		}
	}
}

// Stop tears down the watcher, if one was started.
func (sw *StaleWatcher) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.watcher == nil {
		return
	}
	_ = sw.watcher.Close()
	<-sw.watchDone
	sw.watcher = nil
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
