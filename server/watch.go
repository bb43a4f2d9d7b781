package server

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dcrn/sigil/contract"
	"github.com/dcrn/sigil/engine"
)

// reloadDebounce coalesces bursts of filesystem events (editors write
// several times per save) into one reload.
const reloadDebounce = 250 * time.Millisecond

// WatchContracts reloads the engine whenever a contract document under
// dir changes on disk. Blocks until the context is cancelled. New
// subdirectories are picked up as they appear.
func WatchContracts(ctx context.Context, dir string, e *engine.Engine, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watchTree(watcher, dir); err != nil {
		return err
	}
	logger.Info("watching contracts directory", "dir", dir)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				// A new directory needs its own watch before files
				// land in it.
				_ = watchTree(watcher, ev.Name)
			}
			if !strings.HasSuffix(ev.Name, contract.FileSuffix) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)

		case <-fire:
			fire = nil
			if err := e.Reload(ctx); err != nil {
				logger.Error("reload after filesystem change failed", "error", err)
			}
		}
	}
}

// watchTree adds dir and every subdirectory to the watcher. Non-existent
// or non-directory paths are skipped silently.
func watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
