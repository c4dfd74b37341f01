// SPDX-License-Identifier: MIT

// Package service implements the RPC operations behind the transport layer:
// request validation, job admission, transcript access, settings, and model
// management. It owns no goroutines of its own; long-running work is
// delegated to the engine and the downloader.
package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/scribeapp/scribed/internal/bus"
	"github.com/scribeapp/scribed/internal/catalog"
	"github.com/scribeapp/scribed/internal/download"
	"github.com/scribeapp/scribed/internal/engine"
	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/store"
	"github.com/scribeapp/scribed/internal/telemetry"
	"github.com/scribeapp/scribed/internal/types"
)

// Recognizer accepts jobs for execution and cancels them.
// *engine.Engine satisfies it.
type Recognizer interface {
	Submit(jobID, audioPath string, opts engine.Options) error
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// ModelDownloader fetches model artifacts and manages in-flight transfers.
// *download.Downloader satisfies it.
type ModelDownloader interface {
	Download(ctx context.Context, name string, progress download.ProgressFunc) (string, error)
	Cancel(name string) bool
	InFlight(name string) bool
}

// Translator renders text in a target language. *translate.Client
// satisfies it.
type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// DurationProber reports a media file's duration in seconds, 0 when
// unknown. *audio.Prober satisfies it.
type DurationProber interface {
	Duration(ctx context.Context, path string) float64
}

// Deps bundles the service's collaborators. Watcher may be nil; the
// models-directory watcher is then not rearmed on settings changes.
type Deps struct {
	Store      *store.Store
	Bus        *bus.Bus
	Engine     Recognizer
	Locator    *catalog.Locator
	Watcher    *catalog.Watcher
	Downloader ModelDownloader
	Translator Translator
	Prober     DurationProber
}

// Service implements the scribed RPC operations.
type Service struct {
	store      *store.Store
	bus        *bus.Bus
	engine     Recognizer
	locator    *catalog.Locator
	watcher    *catalog.Watcher
	downloader ModelDownloader
	translator Translator
	prober     DurationProber
	logger     zerolog.Logger
	tracer     trace.Tracer

	// durations deduplicates concurrent lazy backfill probes per job id.
	durations singleflight.Group
}

// New wires a Service from its collaborators.
func New(deps Deps) *Service {
	return &Service{
		store:      deps.Store,
		bus:        deps.Bus,
		engine:     deps.Engine,
		locator:    deps.Locator,
		watcher:    deps.Watcher,
		downloader: deps.Downloader,
		translator: deps.Translator,
		prober:     deps.Prober,
		logger:     log.WithComponent("service"),
		tracer:     telemetry.Tracer("scribed.service"),
	}
}

// Health reports whether the daemon can answer queries. The message is
// caller-facing.
func (s *Service) Health(ctx context.Context) (bool, string) {
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		return false, fmt.Sprintf("Database error: %v", err)
	}
	return true, "Service is healthy"
}

// EventStream is the result of Subscribe: either a live subscription or a
// replayed snapshot for a job that already reached a terminal state.
// Exactly one of the two fields is set.
type EventStream struct {
	// Live delivers events as the job progresses. The channel closes after
	// the terminal event. The caller must Close it when done.
	Live *bus.Subscription

	// Replay holds every persisted segment followed by the terminal event.
	Replay []types.Event
}

// Subscribe attaches to a job's event stream. Subscribing to a terminal job
// replays the stored segments and final state instead.
//
// The bus subscription is taken before the status read: if the job goes
// terminal in between, the replay path serves the complete stream; if the
// status read sees a live job, the subscription predates the terminal
// publish and cannot miss it.
func (s *Service) Subscribe(ctx context.Context, jobID string) (*EventStream, error) {
	sub := s.bus.Subscribe(jobID)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		sub.Close()
		return nil, internalf("Failed to read job: %v", err)
	}
	if job == nil {
		sub.Close()
		return nil, notFoundf("Job not found: %s", jobID)
	}

	if !job.Status.IsTerminal() {
		return &EventStream{Live: sub}, nil
	}
	sub.Close()

	segs, err := s.store.GetSegments(ctx, jobID, -1)
	if err != nil {
		return nil, internalf("Failed to read transcript: %v", err)
	}

	events := make([]types.Event, 0, len(segs)+1)
	for i := range segs {
		seg := segs[i]
		seg.EditedText = nil
		events = append(events, types.Event{
			JobID:    jobID,
			Status:   job.Status,
			Progress: job.Progress,
			Segment:  &seg,
		})
	}
	events = append(events, types.Event{
		JobID:    jobID,
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.Error,
	})
	return &EventStream{Replay: events}, nil
}
