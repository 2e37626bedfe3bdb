package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher reloads a fixture file when it changes on disk and notifies onChange
type FileWatcher struct {
	fixture  *Fixture
	onChange func(reason string)
	debounce time.Duration
	logger   *slog.Logger
}

// NewFileWatcher creates a watcher for a file-backed fixture
func NewFileWatcher(fixture *Fixture, debounce time.Duration, onChange func(reason string), logger *slog.Logger) (*FileWatcher, error) {
	if fixture.Path() == "" {
		return nil, fmt.Errorf("fixture has no backing file to watch")
	}
	return &FileWatcher{
		fixture:  fixture,
		onChange: onChange,
		debounce: debounce,
		logger:   logger.With("component", "fixture_watcher", "path", fixture.Path()),
	}, nil
}

// Run blocks until ctx is cancelled.
// The parent directory is watched because editors often replace files by rename.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.fixture.Path())
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	d := newDebouncer(w.debounce, func() {
		if err := w.fixture.Reload(); err != nil {
			w.logger.Error("fixture reload failed, keeping previous products", "error", err)
			return
		}
		w.logger.Info("fixture file changed")
		w.onChange("fixture file changed")
	})
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}
