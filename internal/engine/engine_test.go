// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scribeapp/scribed/internal/bus"
	"github.com/scribeapp/scribed/internal/catalog"
	"github.com/scribeapp/scribed/internal/download"
	"github.com/scribeapp/scribed/internal/hardware"
	"github.com/scribeapp/scribed/internal/metrics"
	"github.com/scribeapp/scribed/internal/modelcache"
	"github.com/scribeapp/scribed/internal/recognize"
	"github.com/scribeapp/scribed/internal/store"
	"github.com/scribeapp/scribed/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func getCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type stubProber struct{ seconds float64 }

func (p stubProber) Duration(_ context.Context, _ string) float64 { return p.seconds }

type stubResolver struct{ device, precision string }

func (r *stubResolver) Resolve(_ context.Context, _ bool, _ string) (string, string) {
	return r.device, r.precision
}

type stubTranslator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubTranslator) Translate(_ context.Context, text, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls = append(s.calls, text)
	return strings.ToUpper(text), nil
}

func (s *stubTranslator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type scriptedStream struct {
	segs  []recognize.Segment
	gates map[int]chan struct{}
	errAt int
	err   error
	i     int
}

func (s *scriptedStream) Next(ctx context.Context) (recognize.Segment, error) {
	if g, ok := s.gates[s.i]; ok {
		select {
		case <-g:
		case <-ctx.Done():
			return recognize.Segment{}, ctx.Err()
		}
	}
	if s.err != nil && s.i == s.errAt {
		return recognize.Segment{}, s.err
	}
	if s.i >= len(s.segs) {
		return recognize.Segment{}, io.EOF
	}
	seg := s.segs[s.i]
	s.i++
	return seg, nil
}

type scriptedModel struct {
	mu            sync.Mutex
	segs          []recognize.Segment
	gates         map[int]chan struct{}
	errAt         int
	streamErr     error
	transcribeErr error
	lastOpts      recognize.Options
}

func (m *scriptedModel) Transcribe(_ context.Context, _ string, opts recognize.Options) (recognize.Stream, error) {
	m.mu.Lock()
	m.lastOpts = opts
	m.mu.Unlock()
	if m.transcribeErr != nil {
		return nil, m.transcribeErr
	}
	return &scriptedStream{segs: m.segs, gates: m.gates, errAt: m.errAt, err: m.streamErr}, nil
}

func (m *scriptedModel) Close() error { return nil }

func (m *scriptedModel) options() recognize.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOpts
}

type scriptedRuntime struct {
	mu          sync.Mutex
	loads       [][2]string
	failDevices map[string]error
	model       *scriptedModel
}

func (r *scriptedRuntime) Load(_ context.Context, _, device, precision string) (recognize.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = append(r.loads, [2]string{device, precision})
	if err := r.failDevices[device]; err != nil {
		return nil, err
	}
	return r.model, nil
}

func (r *scriptedRuntime) loadCalls() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]string(nil), r.loads...)
}

type testEnv struct {
	store      *store.Store
	bus        *bus.Bus
	cache      *modelcache.Cache
	eng        *Engine
	runtime    *scriptedRuntime
	translator *stubTranslator
	resolver   *stubResolver
	audioPath  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewStore(filepath.Join(t.TempDir(), "scribe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	loc, err := catalog.NewLocator(t.TempDir())
	require.NoError(t, err)
	entry, err := catalog.Resolve("tiny")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(loc.ModelDir(entry), 0o750))
	require.NoError(t, os.WriteFile(loc.ArtifactPath(entry), []byte("stub"), 0o600))

	audioPath := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(audioPath, []byte("riff"), 0o600))

	cache := modelcache.New(1 << 30)
	t.Cleanup(func() { _ = cache.Close() })

	env := &testEnv{
		store:      st,
		bus:        bus.New(),
		cache:      cache,
		runtime:    &scriptedRuntime{model: &scriptedModel{}, failDevices: map[string]error{}},
		translator: &stubTranslator{},
		resolver:   &stubResolver{device: hardware.DeviceCPU, precision: hardware.PrecisionInt8},
		audioPath:  audioPath,
	}
	env.eng = New(Deps{
		Store:      st,
		Bus:        env.bus,
		Runtime:    env.runtime,
		Cache:      cache,
		Locator:    loc,
		Downloader: download.New(loc),
		Prober:     stubProber{seconds: 4},
		Resolver:   env.resolver,
		Translator: env.translator,
	})
	return env
}

func (env *testEnv) start(t *testing.T) {
	t.Helper()
	env.eng.Start()
	t.Cleanup(env.eng.Stop)
}

// startJob creates the QUEUED row, subscribes before submitting so no event
// is missed, and hands the subscription back.
func (env *testEnv) startJob(t *testing.T, id string, opts Options) *bus.Subscription {
	t.Helper()
	created, err := env.store.CreateJob(context.Background(), id, env.audioPath, opts.Model, opts.Language, opts.TranslateTo != "")
	require.NoError(t, err)
	require.True(t, created)
	sub := env.bus.Subscribe(id)
	require.NoError(t, env.eng.Submit(id, env.audioPath, opts))
	return sub
}

func drainEvents(t *testing.T, sub *bus.Subscription) []types.Event {
	t.Helper()
	var out []types.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for stream end, got %d events", len(out))
		}
	}
}

func TestRunCompletesJobAndPublishesOrderedEvents(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.model.segs = []recognize.Segment{
		{Start: 0, End: 2, Text: "Hello world "},
		{Start: 2, End: 4, Text: " Second"},
	}
	env.start(t)

	sub := env.startJob(t, "job-1", Options{Model: "tiny", Language: "auto"})
	events := drainEvents(t, sub)

	require.Len(t, events, 4)
	require.Equal(t, types.StatusRunning, events[0].Status)
	require.Nil(t, events[0].Segment)
	require.Zero(t, events[0].Progress)

	require.Equal(t, types.StatusRunning, events[1].Status)
	require.NotNil(t, events[1].Segment)
	require.Equal(t, 0, events[1].Segment.Index)
	require.Equal(t, "Hello world", events[1].Segment.Text)
	require.InDelta(t, 0.5, events[1].Progress, 1e-9)

	require.Equal(t, types.StatusRunning, events[2].Status)
	require.NotNil(t, events[2].Segment)
	require.Equal(t, 1, events[2].Segment.Index)
	require.Equal(t, "Second", events[2].Segment.Text)
	require.InDelta(t, 1.0, events[2].Progress, 1e-9)

	require.Equal(t, types.StatusCompleted, events[3].Status)
	require.InDelta(t, 1.0, events[3].Progress, 1e-9)

	job, err := env.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, job.Status)
	require.InDelta(t, 1.0, job.Progress, 1e-9)
	require.NotNil(t, job.AudioDurationSeconds)
	require.InDelta(t, 4.0, *job.AudioDurationSeconds, 1e-9)

	segs, err := env.store.GetSegments(context.Background(), "job-1", -1)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.Equal(t, "Hello world", segs[0].Text)
	require.Equal(t, "Second", segs[1].Text)
}

func TestCancelMidJobPersistsBatchedSegments(t *testing.T) {
	env := newTestEnv(t)
	segs := make([]recognize.Segment, 6)
	for i := range segs {
		segs[i] = recognize.Segment{Start: float64(i), End: float64(i + 1), Text: "part"}
	}
	env.runtime.model.segs = segs
	env.runtime.model.gates = map[int]chan struct{}{4: make(chan struct{})}
	env.start(t)

	sub := env.startJob(t, "job-2", Options{Model: "tiny"})

	seen := 0
	deadline := time.After(5 * time.Second)
	for seen < 4 {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok, "stream ended before four segments")
			if ev.Segment != nil {
				seen++
			}
		case <-deadline:
			t.Fatal("timed out waiting for segments")
		}
	}

	active, err := env.eng.Cancel(context.Background(), "job-2")
	require.NoError(t, err)
	require.True(t, active)

	events := drainEvents(t, sub)
	require.NotEmpty(t, events)
	final := events[len(events)-1]
	require.Equal(t, types.StatusCanceled, final.Status)

	job, err := env.store.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, types.StatusCanceled, job.Status)

	count, err := env.store.CountSegments(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestRunFailsWhenAudioMissing(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	missing := filepath.Join(t.TempDir(), "missing.wav")
	created, err := env.store.CreateJob(context.Background(), "job-3", missing, "tiny", "auto", false)
	require.NoError(t, err)
	require.True(t, created)
	sub := env.bus.Subscribe("job-3")
	require.NoError(t, env.eng.Submit("job-3", missing, Options{Model: "tiny"}))

	events := drainEvents(t, sub)
	require.Len(t, events, 1)
	require.Equal(t, types.StatusFailed, events[0].Status)
	require.Equal(t, "Audio file not found: "+missing, events[0].Error)

	job, err := env.store.GetJob(context.Background(), "job-3")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, job.Status)
	require.Equal(t, "Audio file not found: "+missing, job.Error)
}

func TestRunFailsOnUnknownModel(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	sub := env.startJob(t, "job-4", Options{Model: "nope"})
	events := drainEvents(t, sub)

	final := events[len(events)-1]
	require.Equal(t, types.StatusFailed, final.Status)
	require.Equal(t, "Failed to load model: nope", final.Error)

	job, err := env.store.GetJob(context.Background(), "job-4")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, job.Status)
	require.Equal(t, "Failed to load model: nope", job.Error)
}

// canceledFetcher mimics a model download torn down by someone else: the
// fetch reports ErrCanceled while the job itself was never canceled.
type canceledFetcher struct{}

func (canceledFetcher) Download(_ context.Context, _ string, _ download.ProgressFunc) (string, error) {
	return "", download.ErrCanceled
}

func (canceledFetcher) InFlight(string) bool { return false }

func TestRunFailsWhenDownloadCanceledByAnotherCaller(t *testing.T) {
	env := newTestEnv(t)
	env.eng.downloader = canceledFetcher{}
	env.start(t)

	sub := env.startJob(t, "job-9", Options{Model: "tiny"})
	events := drainEvents(t, sub)

	final := events[len(events)-1]
	require.Equal(t, types.StatusFailed, final.Status)
	require.Equal(t, "Failed to load model: tiny", final.Error)

	job, err := env.store.GetJob(context.Background(), "job-9")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, job.Status)
	require.Equal(t, "Failed to load model: tiny", job.Error)
}

func TestRunRetriesOnCPUWhenAcceleratedLoadFails(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.device = hardware.DeviceCUDA
	env.resolver.precision = hardware.PrecisionFloat16
	env.runtime.failDevices[hardware.DeviceCUDA] = errors.New("cuda support not compiled in")
	env.runtime.model.segs = []recognize.Segment{{Start: 0, End: 4, Text: "ok"}}
	env.start(t)

	sub := env.startJob(t, "job-5", Options{Model: "tiny", EnableGPU: true})
	events := drainEvents(t, sub)

	final := events[len(events)-1]
	require.Equal(t, types.StatusCompleted, final.Status)

	calls := env.runtime.loadCalls()
	require.Equal(t, [][2]string{
		{hardware.DeviceCUDA, hardware.PrecisionFloat16},
		{hardware.DeviceCPU, hardware.PrecisionInt8},
	}, calls)
	require.Equal(t, 1, env.cache.Len())
}

func TestRunTranslatesSegmentsBeforePersist(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.model.segs = []recognize.Segment{
		{Start: 0, End: 1, Text: "hello"},
		{Start: 1, End: 2, Text: "hello"},
		{Start: 2, End: 3, Text: "bye"},
	}
	hitsBefore := getCounterValue(t, metrics.TranslateCacheHitsTotal)
	env.start(t)

	sub := env.startJob(t, "job-6", Options{Model: "tiny", TranslateTo: "es"})
	events := drainEvents(t, sub)
	require.Equal(t, types.StatusCompleted, events[len(events)-1].Status)

	require.Equal(t, 2, env.translator.callCount())
	require.InDelta(t, hitsBefore+1, getCounterValue(t, metrics.TranslateCacheHitsTotal), 1e-9)

	segs, err := env.store.GetSegments(context.Background(), "job-6", -1)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	require.Equal(t, "HELLO", segs[0].Text)
	require.Equal(t, "HELLO", segs[1].Text)
	require.Equal(t, "BYE", segs[2].Text)
}

func TestRunFailsWhenTranslationFails(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.model.segs = []recognize.Segment{{Start: 0, End: 1, Text: "hello"}}
	env.translator.err = errors.New("translate boom")
	env.start(t)

	sub := env.startJob(t, "job-7", Options{Model: "tiny", TranslateTo: "es"})
	events := drainEvents(t, sub)

	final := events[len(events)-1]
	require.Equal(t, types.StatusFailed, final.Status)
	require.Equal(t, "Transcription failed: translate boom", final.Error)
}

func TestTranslateToEnglishUsesRuntimeTask(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.model.segs = []recognize.Segment{{Start: 0, End: 4, Text: "hola"}}
	env.start(t)

	sub := env.startJob(t, "job-8", Options{Model: "tiny", Language: "es", TranslateTo: "en"})
	events := drainEvents(t, sub)
	require.Equal(t, types.StatusCompleted, events[len(events)-1].Status)

	opts := env.runtime.model.options()
	require.True(t, opts.Translate)
	require.Equal(t, "es", opts.Language)
	require.Zero(t, env.translator.callCount())
}

func TestStreamErrorFailsJobAndKeepsEarlierSegments(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.model.segs = []recognize.Segment{
		{Start: 0, End: 1, Text: "first"},
		{Start: 1, End: 2, Text: "second"},
	}
	env.runtime.model.errAt = 1
	env.runtime.model.streamErr = errors.New("decode exploded")
	env.start(t)

	sub := env.startJob(t, "job-9", Options{Model: "tiny"})
	events := drainEvents(t, sub)

	final := events[len(events)-1]
	require.Equal(t, types.StatusFailed, final.Status)
	require.Equal(t, "Transcription failed: decode exploded", final.Error)

	count, err := env.store.CountSegments(context.Background(), "job-9")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCancelBeforeStartSkipsTranscription(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.model.segs = []recognize.Segment{{Start: 0, End: 4, Text: "never"}}

	sub := env.startJob(t, "job-10", Options{Model: "tiny"})
	active, err := env.eng.Cancel(context.Background(), "job-10")
	require.NoError(t, err)
	require.True(t, active)

	env.start(t)

	events := drainEvents(t, sub)
	require.Len(t, events, 1)
	require.Equal(t, types.StatusCanceled, events[0].Status)
	require.Empty(t, env.runtime.loadCalls())

	job, err := env.store.GetJob(context.Background(), "job-10")
	require.NoError(t, err)
	require.Equal(t, types.StatusCanceled, job.Status)
}

func TestCancelUnknownJobReturnsFalse(t *testing.T) {
	env := newTestEnv(t)
	active, err := env.eng.Cancel(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, active)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < queueCapacity; i++ {
		require.NoError(t, env.eng.Submit("bulk", env.audioPath, Options{Model: "tiny"}))
	}
	err := env.eng.Submit("overflow", env.audioPath, Options{Model: "tiny"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "queue full")
}

func TestStopCancelsInFlightJob(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.model.segs = []recognize.Segment{{Start: 0, End: 4, Text: "stuck"}}
	env.runtime.model.gates = map[int]chan struct{}{0: make(chan struct{})}
	env.eng.Start()
	t.Cleanup(env.eng.Stop)

	sub := env.startJob(t, "job-11", Options{Model: "tiny"})

	deadline := time.After(5 * time.Second)
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok)
		require.Equal(t, types.StatusRunning, ev.Status)
	case <-deadline:
		t.Fatal("timed out waiting for running event")
	}

	env.eng.Stop()

	events := drainEvents(t, sub)
	require.NotEmpty(t, events)
	require.Equal(t, types.StatusCanceled, events[len(events)-1].Status)

	job, err := env.store.GetJob(context.Background(), "job-11")
	require.NoError(t, err)
	require.Equal(t, types.StatusCanceled, job.Status)
}
