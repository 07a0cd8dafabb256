package antitargeting

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow coalesces the burst of events editors emit for one save.
const debounceWindow = 100 * time.Millisecond

// addRetryInterval is how often a missing resource directory is re-checked.
var addRetryInterval = 5 * time.Second

// Watch calls reload whenever the file at path is written, created or
// renamed into place. The parent directory is watched so atomic replaces are
// seen. A missing directory is logged and retried, never returned as an
// error: serving continues with the resource unloaded. Watch blocks until ctx
// is done.
func Watch(ctx context.Context, path string, reload func() error, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		logger.Warn("anti-targeting directory not watchable, retrying",
			zap.String("dir", dir),
			zap.Duration("retry", addRetryInterval),
			zap.Error(err))
		if !waitForDir(ctx, watcher, dir) {
			return nil
		}
		// the file may have been created before the watch was in place
		reloadLogged(reload, abs, logger)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			reloadLogged(reload, abs, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// waitForDir retries watcher.Add until it succeeds or ctx is done.
func waitForDir(ctx context.Context, watcher *fsnotify.Watcher, dir string) bool {
	ticker := time.NewTicker(addRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if err := watcher.Add(dir); err == nil {
				return true
			}
		}
	}
}

func reloadLogged(reload func() error, path string, logger *zap.Logger) {
	if err := reload(); err != nil {
		logger.Warn("anti-targeting reload failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Info("anti-targeting resource reloaded", zap.String("path", path))
}
