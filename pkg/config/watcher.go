package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 500 * time.Millisecond

// WatchSystemConfig watches the system config at path and emits a freshly
// loaded SystemConfig after each debounced change. The parent directory is
// watched rather than the file so editors that save by rename keep working.
// The channel is closed when ctx is canceled or the watcher fails.
func WatchSystemConfig(ctx context.Context, path string) <-chan *SystemConfig {
	out := make(chan *SystemConfig, 1)

	absPath, err := filepath.Abs(path)
	if err != nil {
		slog.Warn("Could not resolve absolute path for watch file", "file", path, "error", err)
		close(out)
		return out
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create fsnotify watcher", "error", err)
		close(out)
		return out
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		slog.Warn("Could not watch config directory", "file", path, "error", err)
		watcher.Close()
		close(out)
		return out
	}
	slog.Debug("Watching configuration file", "file", absPath)

	go func() {
		defer watcher.Close()
		defer close(out)

		var timer *time.Timer
		var fire <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				// Modifications and recreations (Vim/nano atomic saves)
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if timer != nil {
						timer.Stop()
					}
					timer = time.NewTimer(debounceDuration)
					fire = timer.C
				}
			case <-fire:
				fire = nil
				slog.Info("Configuration change detected", "file", absPath)
				cfg := LoadSystemConfig(absPath)
				// Drop a stale pending value so the newest config wins
				select {
				case <-out:
				default:
				}
				out <- cfg
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Watcher encountered an error", "error", err)
			}
		}
	}()

	return out
}
