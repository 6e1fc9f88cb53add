package rag

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches bursts of filesystem events (editors often
// write several per save) into one rebuild.
const watchDebounce = 2 * time.Second

// Watcher triggers a forced reload when files under the data directory
// change.
type Watcher struct {
	retriever *Retriever
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
	done      chan struct{}
}

// NewWatcher starts watching the retriever's data directory. Stop the
// watcher with Close.
func NewWatcher(ctx context.Context, retriever *Retriever, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(retriever.cfg.DataDir); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{
		retriever: retriever,
		watcher:   fsWatcher,
		logger:    logger,
		done:      make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("data change detected", slog.String("path", event.Name))
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.logger.Info("data changed, rebuilding index")
			if err := w.retriever.Reload(ctx, true); err != nil {
				w.logger.Error("auto-reload failed", slog.String("error", err.Error()))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
