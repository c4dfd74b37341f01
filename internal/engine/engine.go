// SPDX-License-Identifier: MIT

// Package engine executes transcription jobs. A single worker drains a FIFO
// queue so at most one recognition runs at a time; heavy model state is
// shared through the model cache. Every status transition is persisted
// before the matching event is published.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scribeapp/scribed/internal/bus"
	"github.com/scribeapp/scribed/internal/catalog"
	"github.com/scribeapp/scribed/internal/download"
	"github.com/scribeapp/scribed/internal/hardware"
	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/metrics"
	"github.com/scribeapp/scribed/internal/modelcache"
	"github.com/scribeapp/scribed/internal/recognize"
	"github.com/scribeapp/scribed/internal/store"
	"github.com/scribeapp/scribed/internal/telemetry"
	"github.com/scribeapp/scribed/internal/types"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Name:      "recognition_queue_depth",
		Help:      "Jobs waiting for the recognition worker",
	})

	queueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scribe",
		Name:      "recognition_queue_wait_seconds",
		Help:      "Time between job acceptance and recognition start",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms to ~2.7m
	})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribe",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock job execution time by terminal status",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
	}, []string{"status"})
)

const (
	queueCapacity    = 64
	segmentBatchSize = 10
)

// Translator converts one piece of text into the target language.
// *translate.Client satisfies it.
type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// DurationProber reports a media file's duration in seconds, 0 when unknown.
// *audio.Prober satisfies it.
type DurationProber interface {
	Duration(ctx context.Context, path string) float64
}

// DeviceResolver picks the device and precision labels for a model load.
// *hardware.Probe satisfies it.
type DeviceResolver interface {
	Resolve(ctx context.Context, preferGPU bool, computeType string) (device, precision string)
}

// ModelFetcher makes model artifacts available locally.
// *download.Downloader satisfies it.
type ModelFetcher interface {
	Download(ctx context.Context, name string, progress download.ProgressFunc) (string, error)
	InFlight(name string) bool
}

// Options carry the per-job knobs resolved by the service layer.
type Options struct {
	Model    string
	Language string

	// TranslateTo is the resolved target language, "" when off. "en" maps
	// to the runtime's built-in translate task; any other target is
	// translated segment by segment before persistence.
	TranslateTo string

	InitialPrompt string
	EnableGPU     bool

	// ComputeType overrides the probed precision when not "" or "auto".
	ComputeType string
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store      *store.Store
	Bus        *bus.Bus
	Runtime    recognize.Runtime
	Cache      *modelcache.Cache
	Locator    *catalog.Locator
	Downloader ModelFetcher
	Prober     DurationProber
	Resolver   DeviceResolver
	Translator Translator
}

type job struct {
	id         string
	audioPath  string
	opts       Options
	acceptedAt time.Time
}

// handle tracks one accepted job so Cancel can reach it whether it is still
// queued or already running.
type handle struct {
	mu       sync.Mutex
	canceled bool
	cancel   context.CancelFunc
}

func (h *handle) bind(cancel context.CancelFunc) {
	h.mu.Lock()
	h.cancel = cancel
	canceled := h.canceled
	h.mu.Unlock()
	if canceled {
		cancel()
	}
}

func (h *handle) requestCancel() {
	h.mu.Lock()
	h.canceled = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *handle) isCanceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

// Engine owns the recognition queue and the per-job run loop.
type Engine struct {
	store      *store.Store
	bus        *bus.Bus
	runtime    recognize.Runtime
	cache      *modelcache.Cache
	locator    *catalog.Locator
	downloader ModelFetcher
	prober     DurationProber
	resolver   DeviceResolver
	translator Translator
	logger     zerolog.Logger
	tracer     trace.Tracer

	queue     chan *job
	wg        sync.WaitGroup
	ctx       context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	active map[string]*handle
}

// New builds an Engine. Call Start to launch the worker and Stop to drain it.
func New(deps Deps) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      deps.Store,
		bus:        deps.Bus,
		runtime:    deps.Runtime,
		cache:      deps.Cache,
		locator:    deps.Locator,
		downloader: deps.Downloader,
		prober:     deps.Prober,
		resolver:   deps.Resolver,
		translator: deps.Translator,
		logger:     log.WithComponent("engine"),
		tracer:     telemetry.Tracer("scribed.engine"),
		queue:      make(chan *job, queueCapacity),
		ctx:        ctx,
		cancelAll:  cancel,
		active:     make(map[string]*handle),
	}
}

// Start launches the recognition worker.
func (e *Engine) Start() {
	e.logger.Info().Int("queue_capacity", queueCapacity).Msg("starting recognition worker")
	e.wg.Add(1)
	go e.workLoop()
}

// Stop cancels in-flight work and waits for the worker to exit. Jobs still
// queued in the database are failed as stale on the next boot.
func (e *Engine) Stop() {
	e.cancelAll()
	e.wg.Wait()
	e.logger.Info().Msg("recognition worker stopped")
}

// Submit enqueues an accepted job. The job row must already exist with
// status QUEUED.
func (e *Engine) Submit(jobID, audioPath string, opts Options) error {
	h := &handle{}
	e.mu.Lock()
	e.active[jobID] = h
	e.mu.Unlock()

	j := &job{id: jobID, audioPath: audioPath, opts: opts, acceptedAt: time.Now()}
	select {
	case e.queue <- j:
		queueDepth.Inc()
		metrics.JobAccepted()
		e.logger.Debug().Str(log.FieldJobID, jobID).Str(log.FieldModel, opts.Model).Msg("job queued")
		return nil
	case <-e.ctx.Done():
		e.release(jobID)
		return errors.New("engine is shutting down")
	default:
		e.release(jobID)
		return errors.New("recognition queue full")
	}
}

// Cancel requests cancellation of a queued or running job. It reports false
// when the engine does not know the job; callers then fall back to the store.
func (e *Engine) Cancel(ctx context.Context, jobID string) (bool, error) {
	e.mu.Lock()
	h, ok := e.active[jobID]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}
	h.requestCancel()
	if err := e.store.CancelJob(ctx, jobID); err != nil {
		return true, err
	}
	e.logger.Info().Str(log.FieldJobID, jobID).Msg("cancellation requested")
	return true, nil
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	delete(e.active, jobID)
	e.mu.Unlock()
}

func (e *Engine) workLoop() {
	defer e.wg.Done()
	for {
		select {
		case j := <-e.queue:
			queueDepth.Dec()
			queueWait.Observe(time.Since(j.acceptedAt).Seconds())
			e.run(j)
		case <-e.ctx.Done():
			return
		}
	}
}

// run drives one job from QUEUED to a terminal status. Terminal writes use a
// detached context so they land even when the job context is canceled.
func (e *Engine) run(j *job) {
	started := time.Now()
	logger := e.logger.With().Str(log.FieldJobID, j.id).Str(log.FieldModel, j.opts.Model).Logger()

	e.mu.Lock()
	h := e.active[j.id]
	e.mu.Unlock()
	defer e.release(j.id)

	jctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	var span trace.Span
	jctx, span = e.tracer.Start(jctx, "engine.job",
		trace.WithAttributes(telemetry.RecognizeAttributes(j.opts.Model, j.opts.Language, "", "")...))
	defer span.End()

	h.bind(cancel)

	if h.isCanceled() {
		e.finishCanceled(jctx, j, logger, started, 0)
		return
	}

	if _, err := os.Stat(j.audioPath); err != nil {
		e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Audio file not found: %s", j.audioPath), err)
		return
	}

	if err := e.store.UpdateJobStatus(jctx, j.id, types.StatusRunning, ""); err != nil {
		e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Transcription failed: %v", err), err)
		return
	}
	e.bus.Publish(types.Event{JobID: j.id, Status: types.StatusRunning})
	logger.Info().Str(log.FieldPath, j.audioPath).Msg("job started")

	entry, err := catalog.Resolve(j.opts.Model)
	if err != nil {
		e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Failed to load model: %s", j.opts.Model), err)
		return
	}
	if err := e.ensureModel(jctx, entry); err != nil {
		if e.wasCanceled(h, jctx, err) {
			e.finishCanceled(jctx, j, logger, started, 0)
			return
		}
		e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Failed to load model: %s", j.opts.Model), err)
		return
	}

	duration := e.prober.Duration(jctx, j.audioPath)
	if duration > 0 {
		if err := e.store.UpdateJobDuration(jctx, j.id, duration); err != nil {
			e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Transcription failed: %v", err), err)
			return
		}
	}

	model, err := e.loadModel(jctx, entry, j.opts)
	if err != nil {
		if e.wasCanceled(h, jctx, err) {
			e.finishCanceled(jctx, j, logger, started, 0)
			return
		}
		e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Failed to load model: %s", j.opts.Model), err)
		return
	}

	stream, err := model.Transcribe(jctx, j.audioPath, recognize.Options{
		Language:      j.opts.Language,
		Translate:     j.opts.TranslateTo == "en",
		InitialPrompt: j.opts.InitialPrompt,
	})
	if err != nil {
		if e.wasCanceled(h, jctx, err) {
			e.finishCanceled(jctx, j, logger, started, 0)
			return
		}
		e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Transcription failed: %v", err), err)
		return
	}

	e.consume(j, h, jctx, logger, started, stream, duration)
}

// consume drains the segment stream, translating, batching and publishing as
// it goes.
func (e *Engine) consume(j *job, h *handle, jctx context.Context, logger zerolog.Logger, started time.Time, stream recognize.Stream, duration float64) {
	var (
		batch        []types.Segment
		count        int
		lastProgress float64
		translated   map[string]string
	)
	target := j.opts.TranslateTo
	translating := target != "" && target != "en"
	if translating {
		translated = make(map[string]string)
	}

	flush := func(ctx context.Context, progress float64) error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.store.InsertSegments(ctx, j.id, batch); err != nil {
			return err
		}
		metrics.SegmentsPersistedTotal.Add(float64(len(batch)))
		batch = batch[:0]
		return e.store.UpdateJobProgress(ctx, j.id, progress)
	}

	for {
		if h.isCanceled() || jctx.Err() != nil {
			e.flushBestEffort(j, logger, flush, lastProgress)
			e.finishCanceled(jctx, j, logger, started, lastProgress)
			return
		}

		seg, err := stream.Next(jctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.flushBestEffort(j, logger, flush, lastProgress)
			if e.wasCanceled(h, jctx, err) {
				e.finishCanceled(jctx, j, logger, started, lastProgress)
				return
			}
			e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Transcription failed: %v", err), err)
			return
		}

		text := strings.TrimSpace(seg.Text)
		if translating && text != "" {
			out, ok := translated[text]
			if ok {
				metrics.TranslateCacheHitsTotal.Inc()
			} else {
				out, err = e.translator.Translate(jctx, text, target)
				if err != nil {
					e.flushBestEffort(j, logger, flush, lastProgress)
					if e.wasCanceled(h, jctx, err) {
						e.finishCanceled(jctx, j, logger, started, lastProgress)
						return
					}
					e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Transcription failed: %v", err), err)
					return
				}
				translated[text] = out
			}
			text = out
		}

		segment := types.Segment{Index: count, Start: seg.Start, End: seg.End, Text: text}
		batch = append(batch, segment)
		count++
		lastProgress = progressFor(seg.End, duration)

		e.bus.Publish(types.Event{
			JobID:    j.id,
			Status:   types.StatusRunning,
			Progress: lastProgress,
			Segment:  &segment,
		})

		if len(batch) >= segmentBatchSize {
			if err := flush(jctx, lastProgress); err != nil {
				e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Transcription failed: %v", err), err)
				return
			}
		}
	}

	persistCtx := context.WithoutCancel(jctx)
	if err := flush(persistCtx, lastProgress); err != nil {
		e.finishFailed(jctx, j, logger, started, fmt.Sprintf("Transcription failed: %v", err), err)
		return
	}
	e.finishCompleted(jctx, j, logger, started, count)
}

// ensureModel makes the model artifact available locally. A download already
// in flight (user initiated) is waited out rather than duplicated.
func (e *Engine) ensureModel(ctx context.Context, entry catalog.Entry) error {
	_, err := e.downloader.Download(ctx, entry.Name, nil)
	if err == nil || !errors.Is(err, download.ErrInFlight) {
		return err
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for e.downloader.InFlight(entry.Name) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !e.locator.IsDownloaded(entry) {
		return fmt.Errorf("model %s not available after concurrent download", entry.Name)
	}
	return nil
}

// loadModel resolves the device labels and fetches the model through the
// cache. A failed load on an accelerated device is retried once on CPU with
// int8 precision.
func (e *Engine) loadModel(ctx context.Context, entry catalog.Entry, opts Options) (recognize.Model, error) {
	ctx, span := e.tracer.Start(ctx, "model.load")
	defer span.End()

	device, precision := e.resolver.Resolve(ctx, opts.EnableGPU, opts.ComputeType)
	artifact := e.locator.ArtifactPath(entry)

	cached, err := e.cache.GetOrLoad(modelcache.Key{Model: entry.Name, Device: device, Precision: precision}, entry.EstimatedBytes, func() (modelcache.Handle, error) {
		return e.runtime.Load(ctx, artifact, device, precision)
	})
	if err != nil && device != hardware.DeviceCPU && ctx.Err() == nil {
		e.logger.Warn().Err(err).
			Str(log.FieldModel, entry.Name).
			Str(log.FieldDevice, device).
			Msg("accelerated load failed, retrying on cpu")
		device, precision = hardware.DeviceCPU, hardware.PrecisionInt8
		cached, err = e.cache.GetOrLoad(modelcache.Key{Model: entry.Name, Device: device, Precision: precision}, entry.EstimatedBytes, func() (modelcache.Handle, error) {
			return e.runtime.Load(ctx, artifact, device, precision)
		})
	}
	span.SetAttributes(telemetry.RecognizeAttributes(entry.Name, "", device, precision)...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return cached.(recognize.Model), nil
}

// wasCanceled tells a user or shutdown cancellation apart from a genuine
// failure. Only the job's own flag or context counts: a model download
// canceled by someone else surfaces as download.ErrCanceled and must fail
// the job, not mark it CANCELED.
func (e *Engine) wasCanceled(h *handle, jctx context.Context, err error) bool {
	return h.isCanceled() || jctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (e *Engine) flushBestEffort(j *job, logger zerolog.Logger, flush func(context.Context, float64) error, progress float64) {
	if err := flush(context.WithoutCancel(e.ctx), progress); err != nil {
		logger.Error().Err(err).Msg("failed to persist batched segments")
	}
}

// The finish helpers persist through a detached context so terminal writes
// land even when the job context is already canceled; jctx is still passed
// in so the job span records the outcome.

func (e *Engine) finishCompleted(jctx context.Context, j *job, logger zerolog.Logger, started time.Time, segments int) {
	ctx := context.WithoutCancel(jctx)
	if err := e.store.UpdateJobStatus(ctx, j.id, types.StatusCompleted, ""); err != nil {
		logger.Error().Err(err).Msg("failed to persist terminal status")
	}
	if err := e.store.UpdateJobProgress(ctx, j.id, 1.0); err != nil {
		logger.Error().Err(err).Msg("failed to persist final progress")
	}
	e.bus.Publish(types.Event{JobID: j.id, Status: types.StatusCompleted, Progress: 1.0})
	metrics.JobFinished(types.StatusCompleted.String())
	jobDuration.WithLabelValues(types.StatusCompleted.String()).Observe(time.Since(started).Seconds())
	span := trace.SpanFromContext(jctx)
	span.SetAttributes(telemetry.JobAttributes(j.id, types.StatusCompleted.String(), time.Since(started).Milliseconds())...)
	span.SetStatus(codes.Ok, "")
	logger.Info().Int("segments", segments).Dur("elapsed", time.Since(started)).Msg("job completed")
}

func (e *Engine) finishCanceled(jctx context.Context, j *job, logger zerolog.Logger, started time.Time, progress float64) {
	ctx := context.WithoutCancel(jctx)
	if err := e.store.UpdateJobStatus(ctx, j.id, types.StatusCanceled, ""); err != nil {
		logger.Error().Err(err).Msg("failed to persist terminal status")
	}
	e.bus.Publish(types.Event{JobID: j.id, Status: types.StatusCanceled, Progress: progress})
	metrics.JobFinished(types.StatusCanceled.String())
	jobDuration.WithLabelValues(types.StatusCanceled.String()).Observe(time.Since(started).Seconds())
	span := trace.SpanFromContext(jctx)
	span.SetAttributes(telemetry.JobAttributes(j.id, types.StatusCanceled.String(), time.Since(started).Milliseconds())...)
	span.AddEvent("canceled")
	logger.Info().Msg("job canceled")
}

func (e *Engine) finishFailed(jctx context.Context, j *job, logger zerolog.Logger, started time.Time, msg string, cause error) {
	ctx := context.WithoutCancel(jctx)
	if err := e.store.UpdateJobStatus(ctx, j.id, types.StatusFailed, msg); err != nil {
		logger.Error().Err(err).Msg("failed to persist terminal status")
	}
	e.bus.Publish(types.Event{JobID: j.id, Status: types.StatusFailed, Error: msg})
	metrics.JobFinished(types.StatusFailed.String())
	jobDuration.WithLabelValues(types.StatusFailed.String()).Observe(time.Since(started).Seconds())
	span := trace.SpanFromContext(jctx)
	span.SetAttributes(telemetry.JobAttributes(j.id, types.StatusFailed.String(), time.Since(started).Milliseconds())...)
	span.RecordError(cause)
	span.SetStatus(codes.Error, msg)
	logger.Error().Err(cause).Msg(msg)
}

func progressFor(end, duration float64) float64 {
	if duration <= 0 {
		return 0
	}
	p := end / duration
	if p > 1 {
		p = 1
	}
	return p
}
