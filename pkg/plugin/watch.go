package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"i-vis/pkg/logger"
)

// Watch reloads the catalog at path whenever it changes and applies it to the
// registry. It blocks until ctx is cancelled. The directory is watched so that
// editors replacing the file are noticed.
func Watch(ctx context.Context, path string, r *Registry, onChange func(changed []string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch catalog directory: %w", err)
	}

	log := logger.Named("plugin-catalog")
	const settle = 200 * time.Millisecond
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			pending = time.After(settle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("catalog watcher error", "error", err)
		case <-pending:
			pending = nil
			cat, err := LoadCatalog(abs)
			if err != nil {
				log.Warn("catalog reload rejected", "path", abs, "error", err)
				continue
			}
			changed, err := r.Apply(cat)
			if err != nil {
				log.Warn("catalog reload rejected", "path", abs, "error", err)
				continue
			}
			log.Info("catalog reloaded", "path", abs, "changed", changed)
			if onChange != nil && len(changed) > 0 {
				onChange(changed)
			}
		}
	}
}
