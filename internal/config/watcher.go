package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-applies the guard tunables of a config file when it changes on
// disk. Only the guard section is live-reloaded; server geometry and audit
// wiring stay fixed for the process's life.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config, error)
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	running atomic.Bool
}

func NewWatcher(path string, onReload func(*Config, error), logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if onReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: 200 * time.Millisecond,
		onReload: onReload,
		logger:   logger,
	}, nil
}

// Start begins watching. It returns once the watch is established; events
// are processed until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = fsw

	// Watch the directory, not the file: editors replace config files by
	// rename, which drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		w.running.Store(false)
		return fmt.Errorf("watching config dir: %w", err)
	}

	go w.processEvents(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.watcher.Close()
	defer w.running.Store(false)

	var pending time.Time
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			pending = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < w.debounce {
				continue
			}
			pending = time.Time{}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload failed", "path", w.path, "error", err)
				w.onReload(nil, err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			w.onReload(cfg, nil)

		case <-ctx.Done():
			return
		}
	}
}
