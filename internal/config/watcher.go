package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherCallback is called with the new, validated config on every
// successful reload. It runs synchronously — keep it fast.
type WatcherCallback func(newCfg *Config)

// Watcher watches the config file for changes and triggers a callback with
// the new config. It combines fsnotify (low-latency on real filesystems)
// with periodic content-hash polling, which reliably catches Kubernetes
// ConfigMap volume updates that swap symlinks without inotify events.
type Watcher struct {
	path         string
	dir          string // parent directory — watched for symlink swaps.
	callback     WatcherCallback
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Watching starts on Start.
func NewWatcher(path string, callback WatcherCallback, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		callback:     callback,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start begins watching the config file. Blocks until the context is
// canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	_ = watcher.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	dataLink := filepath.Join(w.dir, "..data")
	lastHash := hashFile(w.path)
	lastTarget := readlink(dataLink)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	pollTicker := time.NewTicker(w.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C
			// Re-add after atomic save-and-rename, which removes the
			// watched inode.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				_ = watcher.Add(w.path)
			}

		case <-debounceCh:
			debounceCh = nil
			w.reload()
			lastHash = hashFile(w.path)
			lastTarget = readlink(dataLink)

		case <-pollTicker.C:
			changed := false
			if target := readlink(dataLink); target != lastTarget && target != "" {
				lastTarget = target
				changed = true
			}
			if !changed && hashFile(w.path) != lastHash {
				changed = true
			}
			if changed {
				lastHash = hashFile(w.path)
				w.logger.Debug("config file change detected via polling", "path", w.path)
				w.reload()
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

// reload loads, validates, and publishes the new config. On failure the
// old config is preserved and an error is logged.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.callback(newCfg)
}

// Stop terminates the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or "" if the
// file cannot be read. The hash follows symlinks, so a Kubernetes symlink
// swap changes it.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if the path is not a
// symlink or cannot be read.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
