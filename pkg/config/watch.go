package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands the
// parsed result to a callback. Reload failures keep the previous
// config; they are logged, not fatal.
type Watcher struct {
	path     string
	onChange func(*Config)
}

// NewWatcher builds a watcher for path. onChange runs on the watch
// goroutine after every successful reload.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return &Watcher{path: absPath, onChange: onChange}, nil
}

// Run blocks watching the file until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; editors often replace the file rather than
	// writing it in place.
	configDir := filepath.Dir(w.path)
	configFile := filepath.Base(w.path)

	if err := watcher.Add(configDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", configDir, err)
	}

	slog.Info("Watching config file", "path", w.path)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	reloads := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-reloads:
			cfg, err := Load(w.path)
			if err != nil {
				slog.Error("Failed to reload config", "error", err)
				continue
			}
			slog.Info("Configuration reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					select {
					case reloads <- struct{}{}:
					default:
					}
				})
			} else if event.Op&fsnotify.Remove == fsnotify.Remove {
				slog.Warn("Config file was deleted", "path", w.path)
				go w.awaitRecreate(ctx, reloads)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// awaitRecreate polls briefly for the file to come back after a
// delete, then queues a reload.
func (w *Watcher) awaitRecreate(ctx context.Context, reloads chan<- struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(w.path); err == nil {
				select {
				case reloads <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}
