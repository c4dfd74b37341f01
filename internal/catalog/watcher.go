// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/metrics"
)

// Watcher keeps the models-downloaded gauge in sync with the models root.
// Downloads, deletions, and out-of-band filesystem changes all land as
// directory events; recounting is debounced so a burst of writes during a
// download refreshes the gauge once.
type Watcher struct {
	locator *Locator
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewWatcher returns a watcher for the locator's models root.
func NewWatcher(locator *Locator) *Watcher {
	return &Watcher{
		locator: locator,
		logger:  log.WithComponent("catalog"),
	}
}

// Start seeds the gauge and begins watching until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	metrics.ModelsDownloaded.Set(float64(w.locator.DownloadedCount()))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(w.locator.Dir()); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch models dir: %w", err)
	}

	w.logger.Info().
		Str(log.FieldPath, w.locator.Dir()).
		Msg("watching models directory")

	go w.watchLoop(ctx)
	return nil
}

// Rearm points the watcher at the locator's current root after a models_dir
// change. Events from the old root stop; the gauge is recounted immediately.
func (w *Watcher) Rearm() error {
	if w.watcher == nil {
		return nil
	}
	for _, watched := range w.watcher.WatchList() {
		_ = w.watcher.Remove(watched)
	}
	if err := w.watcher.Add(w.locator.Dir()); err != nil {
		return fmt.Errorf("watch models dir: %w", err)
	}
	metrics.ModelsDownloaded.Set(float64(w.locator.DownloadedCount()))
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("models watcher stopped")
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Write) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					metrics.ModelsDownloaded.Set(float64(w.locator.DownloadedCount()))
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("models watcher error")
		}
	}
}

// Stop closes the underlying filesystem watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
