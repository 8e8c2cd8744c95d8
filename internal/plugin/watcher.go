package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher monitors plugin directories and hot-loads changes: a new
// plugin directory is loaded, a changed one reloaded, a removed one
// unloaded. Events are debounced because editors and package tools
// touch files several times in quick succession.
type Watcher struct {
	manager *Manager
	paths   []string
	logger  *zap.Logger

	debounce time.Duration

	mu        sync.Mutex
	timers    map[string]*time.Timer
	dirPlugin map[string]string // plugin dir -> loaded plugin id

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the event debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher over the given plugin directories.
func NewWatcher(manager *Manager, paths []string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		manager:   manager,
		paths:     paths,
		logger:    zap.NewNop(),
		debounce:  200 * time.Millisecond,
		timers:    make(map[string]*time.Timer),
		dirPlugin: make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Missing directories are skipped; at least one
// path must be watchable.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w.watcher = watcher

	watched := 0
	for _, path := range w.paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := watcher.Add(path); err != nil {
			w.logger.Warn("failed to watch plugin path",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return fmt.Errorf("no watchable plugin paths")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.watchLoop(runCtx)
	return nil
}

// Stop halts watching and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, evt)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", zap.Error(err))
		}
	}
}

// handleEvent debounces per plugin directory and schedules a sync.
func (w *Watcher) handleEvent(ctx context.Context, evt fsnotify.Event) {
	dir := w.pluginDir(evt.Name)
	if dir == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[dir]; ok {
		timer.Stop()
	}
	w.timers[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, dir)
		w.mu.Unlock()
		w.sync(ctx, dir)
	})
}

// pluginDir maps an event path to the plugin directory it belongs to,
// or "" when the path is outside the watched roots.
func (w *Watcher) pluginDir(path string) string {
	for _, root := range w.paths {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first := rel
		if idx := strings.IndexRune(rel, filepath.Separator); idx >= 0 {
			first = rel[:idx]
		}
		return filepath.Join(root, first)
	}
	return ""
}

// sync reconciles one plugin directory with the manager: load when new,
// reload when changed, unload when gone.
func (w *Watcher) sync(ctx context.Context, dir string) {
	w.mu.Lock()
	loadedID, wasLoaded := w.dirPlugin[dir]
	w.mu.Unlock()

	if _, err := os.Stat(filepath.Join(dir, "plugin.json")); err != nil {
		if !wasLoaded {
			return
		}
		// Directory or manifest gone, unload.
		if err := w.manager.Unload(ctx, loadedID); err != nil {
			w.logger.Warn("failed to unload removed plugin",
				zap.String("plugin", loadedID),
				zap.Error(err))
			return
		}
		w.mu.Lock()
		delete(w.dirPlugin, dir)
		w.mu.Unlock()
		return
	}

	if wasLoaded {
		if err := w.manager.Unload(ctx, loadedID); err != nil {
			w.logger.Warn("failed to unload plugin for reload",
				zap.String("plugin", loadedID),
				zap.Error(err))
			return
		}
		w.mu.Lock()
		delete(w.dirPlugin, dir)
		w.mu.Unlock()
	}

	id, err := w.manager.Load(ctx, dir)
	if err != nil {
		w.logger.Warn("failed to load plugin",
			zap.String("dir", dir),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	w.dirPlugin[dir] = id
	w.mu.Unlock()
	w.logger.Info("plugin synced from disk",
		zap.String("plugin", id),
		zap.String("dir", dir))
}

// Track records an already loaded plugin's directory so later changes
// reload rather than double-load it.
func (w *Watcher) Track(dir, pluginID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirPlugin[dir] = pluginID
}
