// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/codes"

	"github.com/scribeapp/scribed/internal/catalog"
	"github.com/scribeapp/scribed/internal/download"
	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/telemetry"
	"github.com/scribeapp/scribed/internal/types"
)

// downloadEventBuffer absorbs progress bursts so the fetch loop almost
// never sees a full channel.
const downloadEventBuffer = 64

// ListModels returns every catalog model with its local availability.
func (s *Service) ListModels(ctx context.Context) []types.ModelEntry {
	return s.locator.List()
}

// DownloadModel starts fetching a model and returns its event stream. The
// channel yields STARTING, then DOWNLOADING updates, then exactly one
// terminal event, and is closed. An already-downloaded model yields a lone
// COMPLETE event. Canceling ctx aborts the transfer and its staging data.
func (s *Service) DownloadModel(ctx context.Context, name string) (<-chan types.DownloadEvent, error) {
	entry, err := catalog.Resolve(name)
	if err != nil {
		return nil, notFoundf("Unknown model: %s", name)
	}

	if s.locator.IsDownloaded(entry) {
		events := make(chan types.DownloadEvent, 1)
		events <- types.DownloadEvent{
			Model:      entry.Name,
			State:      types.DownloadComplete,
			Downloaded: entry.EstimatedBytes,
			Total:      entry.EstimatedBytes,
		}
		close(events)
		return events, nil
	}

	if s.downloader.InFlight(entry.Name) {
		return nil, preconditionf("Download already in progress: %s", entry.Name)
	}

	events := make(chan types.DownloadEvent, downloadEventBuffer)
	go s.runDownload(ctx, entry, events)
	return events, nil
}

// runDownload drives one transfer and translates its progress callbacks
// into stream events. STARTING and the terminal event are delivered
// reliably; DOWNLOADING updates are dropped when the consumer lags.
func (s *Service) runDownload(ctx context.Context, entry catalog.Entry, events chan<- types.DownloadEvent) {
	defer close(events)

	ctx, span := s.tracer.Start(ctx, "model.download")
	defer span.End()

	send := func(ev types.DownloadEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(types.DownloadEvent{Model: entry.Name, State: types.DownloadStarting, Total: entry.EstimatedBytes}) {
		return
	}

	// Download runs on this goroutine, so the progress closure needs no
	// locking.
	lastTotal := entry.EstimatedBytes
	progress := func(downloaded, total int64) {
		if total > 0 {
			lastTotal = total
		}
		select {
		case events <- types.DownloadEvent{
			Model:      entry.Name,
			State:      types.DownloadDownloading,
			Downloaded: downloaded,
			Total:      total,
		}:
		default:
		}
	}

	_, err := s.downloader.Download(ctx, entry.Name, progress)
	state, bytes := types.DownloadComplete, lastTotal
	switch {
	case err == nil:
		send(types.DownloadEvent{
			Model:      entry.Name,
			State:      types.DownloadComplete,
			Downloaded: lastTotal,
			Total:      lastTotal,
		})
	case errors.Is(err, download.ErrCanceled):
		state, bytes = types.DownloadCanceled, 0
		span.AddEvent("canceled")
		send(types.DownloadEvent{Model: entry.Name, State: types.DownloadCanceled})
	default:
		state, bytes = types.DownloadFailed, 0
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		send(types.DownloadEvent{Model: entry.Name, State: types.DownloadFailed, Error: err.Error()})
	}
	span.SetAttributes(telemetry.DownloadAttributes(entry.Name, state.String(), bytes)...)
}

// CancelDownload stops an in-flight download. It reports whether one was
// running; canceling an idle model is not an error.
func (s *Service) CancelDownload(name string) bool {
	return s.downloader.Cancel(name)
}

// DeleteModel removes a downloaded model from disk, canceling any in-flight
// download for it first. It reports whether files were removed.
func (s *Service) DeleteModel(ctx context.Context, name string) (bool, error) {
	entry, err := catalog.Resolve(name)
	if err != nil {
		return false, notFoundf("Unknown model: %s", name)
	}

	if s.downloader.Cancel(entry.Name) {
		s.logger.Info().Str(log.FieldModel, entry.Name).Msg("canceled in-flight download before delete")
	}

	deleted, err := s.locator.Delete(entry)
	if err != nil {
		return false, internalf("Failed to delete model: %v", err)
	}
	if deleted {
		s.logger.Info().Str(log.FieldModel, entry.Name).Msg("model deleted")
	}
	return deleted, nil
}
