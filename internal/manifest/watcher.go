package manifest

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow coalesces bursts of filesystem events into one reload.
const debounceWindow = 300 * time.Millisecond

// Watch observes the manifest root and rebuilds the index on change.
// Blocks until ctx is cancelled. Subdirectories created after startup are
// added to the watch on the reload they trigger.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := r.watchTree(watcher); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			r.logger.Debug(ctx, "manifest change observed",
				zap.String("path", event.Name), zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := r.Load(ctx); err != nil {
				r.logger.Error(ctx, "manifest reload failed", zap.Error(err))
			}
			// Pick up directories created since the last scan.
			if err := r.watchTree(watcher); err != nil {
				r.logger.Warn(ctx, "failed to extend manifest watch", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn(ctx, "manifest watcher error", zap.Error(err))
		}
	}
}

// watchTree (re-)adds the root and every subdirectory to the watcher.
// Adding an already-watched directory is a no-op for fsnotify.
func (r *Registry) watchTree(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // directory may have vanished mid-walk
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return err
			}
		}
		return nil
	})
}

func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	// Directory events matter for tree extension; json events for content.
	return strings.HasSuffix(event.Name, ".json") || filepath.Ext(event.Name) == ""
}
