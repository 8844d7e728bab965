package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives each configuration that loaded and validated after a
// change on disk.
type ReloadFunc func(*Config) error

// Watch reloads path whenever it changes and hands the result to reloadFn.
// Files that fail to load are logged and never delivered. Watch returns once
// the watcher is running; it stops when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, path string, reloadFn ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors replace files by rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go l.processEvents(ctx, watcher, abs, reloadFn)

	l.logger.Info().Str("path", abs).Msg("Watching node configuration")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, reloadFn ReloadFunc) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(l.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				l.reload(path, reloadFn)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Configuration watcher error")
		}
	}
}

func (l *Loader) reload(path string, reloadFn ReloadFunc) {
	cfg, err := l.Load(path)
	if err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("Ignoring invalid configuration")
		return
	}

	if err := reloadFn(cfg); err != nil {
		l.logger.Error().Err(err).Str("path", path).Msg("Failed to apply configuration")
		return
	}

	l.logger.Info().Str("path", path).Msg("Configuration reloaded")
}
