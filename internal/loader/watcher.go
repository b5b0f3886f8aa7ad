package loader

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/vigil-sh/vigil/internal/logging"
)

var watchLog = logging.Component("config-watch")

// Watch monitors path and calls apply with the newly loaded configuration
// each time the file is written. It runs until ctx is cancelled.
//
// A load or apply failure is logged and the previous configuration stays
// active.
func Watch(ctx context.Context, path string, apply func(*Config) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	watchLog.Info("watching config for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save via rename, which surfaces as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				watchLog.Error("reload failed, keeping previous config",
					"path", path, "error", err)
				continue
			}
			if err := apply(cfg); err != nil {
				watchLog.Error("apply failed, keeping previous config",
					"path", path, "error", err)
				continue
			}
			watchLog.Info("config reloaded", "path", path)

			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			watchLog.Error("watcher error", "error", err)
		}
	}
}
