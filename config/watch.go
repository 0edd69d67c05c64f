package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce absorbs the event bursts editors and atomic saves produce.
const debounce = 200 * time.Millisecond

// Watcher re-reads the configuration when its file changes and fans the new
// snapshot to subscribers. Only knobs the subscribers apply take effect at
// runtime; the fx graph itself is built once. A node running without a
// config file gets a watcher that idles until cancelled.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu         sync.Mutex
	subs       []func(*Config)
	lastReload time.Time
}

// NewWatcher builds a watcher for the file cfg was loaded from.
func NewWatcher(cfg *Config, logger *slog.Logger) *Watcher {
	return &Watcher{path: cfg.Source(), logger: logger}
}

// OnReload subscribes to future configuration snapshots.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

// Run blocks watching the config file until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory, not the file: atomic saves replace the inode and
	// a file-level watch would go stale after the first write.
	target := filepath.Clean(w.path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return err
	}
	w.logger.Info("CONFIG_WATCH_STARTED", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("CONFIG_WATCH_ERROR", "err", werr)
		}
	}
}

// reload re-runs the full load pipeline so precedence stays identical to
// boot, then notifies subscribers. A snapshot that fails validation is
// rejected and the previous configuration stays in effect.
func (w *Watcher) reload() {
	w.mu.Lock()
	if time.Since(w.lastReload) < debounce {
		w.mu.Unlock()
		return
	}
	w.lastReload = time.Now()
	subs := make([]func(*Config), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	cfg, err := load(os.Args[1:])
	if err != nil {
		w.logger.Error("CONFIG_RELOAD_REJECTED", "err", err)
		return
	}

	w.logger.Info("CONFIG_RELOADED", "source", cfg.Source())
	for _, fn := range subs {
		fn(cfg)
	}
}
