package media

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/arkivault/arkivault-go/internal/events"
)

// Watcher observes the media directory and publishes deletions on the
// bus so the scheduler can drop queued items whose source vanished.
// Local IDs follow the backup convention: the absolute source path.
type Watcher struct {
	dir    string
	bus    *events.Bus
	logger *slog.Logger
}

// NewWatcher creates a watcher for dir. An empty dir disables it.
func NewWatcher(dir string, bus *events.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{dir: dir, bus: bus, logger: logger}
}

// Run watches until ctx is canceled. Always returns nil on shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	if w.dir == "" {
		w.logger.Debug("media watcher disabled")

		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}

	w.logger.Info("watching media directory", slog.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				w.logger.Debug("media removed", slog.String("path", ev.Name))
				w.bus.Publish(events.TopicLocalPhotosDeleted, []string{ev.Name})
			}
		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			if watchErr != nil && !errors.Is(watchErr, fsnotify.ErrClosed) {
				w.logger.Warn("media watcher error", slog.String("error", watchErr.Error()))
			}
		}
	}
}
