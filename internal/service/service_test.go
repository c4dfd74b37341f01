// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scribeapp/scribed/internal/bus"
	"github.com/scribeapp/scribed/internal/catalog"
	"github.com/scribeapp/scribed/internal/download"
	"github.com/scribeapp/scribed/internal/engine"
	"github.com/scribeapp/scribed/internal/store"
	"github.com/scribeapp/scribed/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type submission struct {
	jobID     string
	audioPath string
	opts      engine.Options
}

type stubEngine struct {
	mu          sync.Mutex
	submitted   []submission
	submitErr   error
	cancelKnown bool
	canceled    []string
}

func (e *stubEngine) Submit(jobID, audioPath string, opts engine.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitErr != nil {
		return e.submitErr
	}
	e.submitted = append(e.submitted, submission{jobID: jobID, audioPath: audioPath, opts: opts})
	return nil
}

func (e *stubEngine) Cancel(_ context.Context, jobID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = append(e.canceled, jobID)
	return e.cancelKnown, nil
}

func (e *stubEngine) lastSubmission(t *testing.T) submission {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.submitted)
	return e.submitted[len(e.submitted)-1]
}

func (e *stubEngine) submissions(t *testing.T) []submission {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]submission(nil), e.submitted...)
}

type stubDownloader struct {
	mu       sync.Mutex
	inflight map[string]bool
	canceled []string
	script   func(ctx context.Context, name string, progress download.ProgressFunc) (string, error)
}

func (d *stubDownloader) Download(ctx context.Context, name string, progress download.ProgressFunc) (string, error) {
	if d.script != nil {
		return d.script(ctx, name, progress)
	}
	return "", nil
}

func (d *stubDownloader) Cancel(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.canceled = append(d.canceled, name)
	return d.inflight[name]
}

func (d *stubDownloader) InFlight(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[name]
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

type countingProber struct {
	mu      sync.Mutex
	seconds float64
	calls   int
}

func (p *countingProber) Duration(_ context.Context, _ string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.seconds
}

func (p *countingProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testEnv struct {
	store      *store.Store
	bus        *bus.Bus
	eng        *stubEngine
	locator    *catalog.Locator
	dl         *stubDownloader
	translator *stubTranslator
	prober     *countingProber
	svc        *Service
	audioPath  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewStore(filepath.Join(t.TempDir(), "scribe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	loc, err := catalog.NewLocator(t.TempDir())
	require.NoError(t, err)

	audioPath := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(audioPath, []byte("riff"), 0o600))

	env := &testEnv{
		store:      st,
		bus:        bus.New(),
		eng:        &stubEngine{},
		locator:    loc,
		dl:         &stubDownloader{inflight: map[string]bool{}},
		translator: &stubTranslator{},
		prober:     &countingProber{},
		audioPath:  audioPath,
	}
	env.svc = New(Deps{
		Store:      st,
		Bus:        env.bus,
		Engine:     env.eng,
		Locator:    loc,
		Downloader: env.dl,
		Translator: env.translator,
		Prober:     env.prober,
	})
	return env
}

// seedJob creates a job row directly in the store.
func (env *testEnv) seedJob(t *testing.T, id string, status types.JobStatus) {
	t.Helper()
	ctx := context.Background()
	created, err := env.store.CreateJob(ctx, id, env.audioPath, "base", "auto", false)
	require.NoError(t, err)
	require.True(t, created)
	if status != types.StatusQueued {
		require.NoError(t, env.store.UpdateJobStatus(ctx, id, status, ""))
	}
}

// seedModel marks a catalog model as downloaded on disk.
func (env *testEnv) seedModel(t *testing.T, name string) catalog.Entry {
	t.Helper()
	entry, err := catalog.Resolve(name)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(env.locator.ModelDir(entry), 0o750))
	require.NoError(t, os.WriteFile(env.locator.ArtifactPath(entry), []byte("stub"), 0o600))
	return entry
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	ok, msg := env.svc.Health(context.Background())
	require.True(t, ok)
	require.Equal(t, "Service is healthy", msg)
}

func TestHealthStoreDown(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	ok, msg := env.svc.Health(context.Background())
	require.False(t, ok)
	require.True(t, strings.HasPrefix(msg, "Database error:"), msg)
}

func TestStartJobDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, err := env.svc.StartJob(ctx, StartJobRequest{AudioPath: env.audioPath})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := env.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, types.StatusQueued, job.Status)
	require.Equal(t, "base", job.Model)
	require.Equal(t, "auto", job.Language)
	require.False(t, job.Translate)

	sub := env.eng.lastSubmission(t)
	require.Equal(t, jobID, sub.jobID)
	require.Equal(t, env.audioPath, sub.audioPath)
	require.Equal(t, "base", sub.opts.Model)
	require.Empty(t, sub.opts.Language)
	require.Empty(t, sub.opts.TranslateTo)
	require.True(t, sub.opts.EnableGPU) // prefer_gpu defaults to true
	require.Equal(t, "auto", sub.opts.ComputeType)
}

func TestStartJobCallerSuppliedID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, err := env.svc.StartJob(ctx, StartJobRequest{JobID: "job-7", AudioPath: env.audioPath})
	require.NoError(t, err)
	require.Equal(t, "job-7", jobID)

	_, err = env.svc.StartJob(ctx, StartJobRequest{JobID: "job-7", AudioPath: env.audioPath})
	require.True(t, errors.Is(err, ErrAlreadyExists))
	require.Equal(t, "Job already exists: job-7", err.Error())
}

func TestStartJobLegacyTranslateFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, err := env.svc.StartJob(ctx, StartJobRequest{
		AudioPath:          env.audioPath,
		TranslateToEnglish: true,
	})
	require.NoError(t, err)

	job, err := env.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.True(t, job.Translate)
	require.Equal(t, "en", env.eng.lastSubmission(t).opts.TranslateTo)
}

func TestStartJobNormalizesTarget(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.StartJob(context.Background(), StartJobRequest{
		AudioPath:   env.audioPath,
		TranslateTo: " DE ",
	})
	require.NoError(t, err)
	require.Equal(t, "de", env.eng.lastSubmission(t).opts.TranslateTo)

	_, err = env.svc.StartJob(context.Background(), StartJobRequest{
		AudioPath:   env.audioPath,
		TranslateTo: "pt-BR",
	})
	require.NoError(t, err)
	require.Equal(t, "pt", env.eng.lastSubmission(t).opts.TranslateTo)
}

func TestStartJobRejectsBadTarget(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.StartJob(context.Background(), StartJobRequest{
		AudioPath:   env.audioPath,
		TranslateTo: "tlh",
	})
	require.True(t, errors.Is(err, ErrInvalidArgument))
	require.Equal(t, "Unsupported translation language: tlh", err.Error())
}

func TestStartJobRejectsBadPath(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.StartJob(context.Background(), StartJobRequest{AudioPath: "clip.wav"})
	require.True(t, errors.Is(err, ErrInvalidArgument))
	require.Equal(t, "Audio file path must be absolute", err.Error())
}

func TestStartJobRejectsUnknownModel(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.StartJob(context.Background(), StartJobRequest{
		AudioPath: env.audioPath,
		Model:     "mega",
	})
	require.True(t, errors.Is(err, ErrNotFound))
	require.Equal(t, "Unknown model: mega", err.Error())
	require.Empty(t, env.eng.submissions(t), "rejected job must not reach the engine")
}

func TestStartJobGPUResolution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Setting off, request off: CPU.
	require.NoError(t, env.store.SetSetting(ctx, settingPreferGPU, "false"))
	_, err := env.svc.StartJob(ctx, StartJobRequest{AudioPath: env.audioPath})
	require.NoError(t, err)
	require.False(t, env.eng.lastSubmission(t).opts.EnableGPU)

	// Request flag overrides the setting.
	_, err = env.svc.StartJob(ctx, StartJobRequest{AudioPath: env.audioPath, EnableGPU: true})
	require.NoError(t, err)
	require.True(t, env.eng.lastSubmission(t).opts.EnableGPU)
}

func TestStartJobCarriesComputeType(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SetSetting(ctx, settingComputeType, "float16"))
	_, err := env.svc.StartJob(ctx, StartJobRequest{AudioPath: env.audioPath, InitialPrompt: "med terms"})
	require.NoError(t, err)

	sub := env.eng.lastSubmission(t)
	require.Equal(t, "float16", sub.opts.ComputeType)
	require.Equal(t, "med terms", sub.opts.InitialPrompt)
}

func TestStartJobEngineRejection(t *testing.T) {
	env := newTestEnv(t)
	env.eng.submitErr = errors.New("recognition queue full")
	ctx := context.Background()

	_, err := env.svc.StartJob(ctx, StartJobRequest{JobID: "job-full", AudioPath: env.audioPath})
	require.True(t, errors.Is(err, ErrUnavailable))

	job, err := env.store.GetJob(ctx, "job-full")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, types.StatusFailed, job.Status)
	require.Equal(t, "recognition queue full", job.Error)
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.GetJob(context.Background(), "ghost")
	require.True(t, errors.Is(err, ErrNotFound))
	require.Equal(t, "Job not found: ghost", err.Error())
}

func TestGetJobBackfillsDuration(t *testing.T) {
	env := newTestEnv(t)
	env.prober.seconds = 12.5
	ctx := context.Background()

	env.seedJob(t, "job-1", types.StatusCompleted)

	job, err := env.svc.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.AudioDurationSeconds)
	require.InDelta(t, 12.5, *job.AudioDurationSeconds, 1e-9)
	require.Equal(t, 1, env.prober.callCount())

	// The value was persisted; the next read does not probe again.
	job, err = env.svc.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.AudioDurationSeconds)
	require.InDelta(t, 12.5, *job.AudioDurationSeconds, 1e-9)
	require.Equal(t, 1, env.prober.callCount())
}

func TestGetJobSkipsBackfillWhileLive(t *testing.T) {
	env := newTestEnv(t)
	env.prober.seconds = 12.5
	ctx := context.Background()

	env.seedJob(t, "job-live", types.StatusRunning)

	job, err := env.svc.GetJob(ctx, "job-live")
	require.NoError(t, err)
	require.Nil(t, job.AudioDurationSeconds)
	require.Equal(t, 0, env.prober.callCount())
}

func TestGetJobBackfillProbeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.prober.seconds = 0 // probe cannot determine a duration
	ctx := context.Background()

	env.seedJob(t, "job-1", types.StatusFailed)

	job, err := env.svc.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Nil(t, job.AudioDurationSeconds)
}

func TestListJobsBackfillsDurations(t *testing.T) {
	env := newTestEnv(t)
	env.prober.seconds = 3.25
	ctx := context.Background()

	env.seedJob(t, "job-done", types.StatusCompleted)
	env.seedJob(t, "job-live", types.StatusRunning)

	jobs, err := env.svc.ListJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byID := map[string]types.Job{}
	for _, j := range jobs {
		byID[j.ID] = j
	}
	require.NotNil(t, byID["job-done"].AudioDurationSeconds)
	require.InDelta(t, 3.25, *byID["job-done"].AudioDurationSeconds, 1e-9)
	require.Nil(t, byID["job-live"].AudioDurationSeconds)
}

func TestCancelJobViaEngine(t *testing.T) {
	env := newTestEnv(t)
	env.eng.cancelKnown = true

	canceled, err := env.svc.CancelJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, canceled)
	require.Equal(t, []string{"job-1"}, env.eng.canceled)
}

func TestCancelJobStoreFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedJob(t, "job-orphan", types.StatusRunning)
	sub := env.bus.Subscribe("job-orphan")
	defer sub.Close()

	canceled, err := env.svc.CancelJob(ctx, "job-orphan")
	require.NoError(t, err)
	require.True(t, canceled)

	job, err := env.store.GetJob(ctx, "job-orphan")
	require.NoError(t, err)
	require.Equal(t, types.StatusCanceled, job.Status)

	select {
	case ev := <-sub.C():
		require.Equal(t, types.StatusCanceled, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no CANCELED event published")
	}
}

func TestCancelJobTerminalOrMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	canceled, err := env.svc.CancelJob(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, canceled)

	env.seedJob(t, "job-done", types.StatusCompleted)
	canceled, err = env.svc.CancelJob(ctx, "job-done")
	require.NoError(t, err)
	require.False(t, canceled)
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedJob(t, "job-1", types.StatusCompleted)

	deleted, err := env.svc.DeleteJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = env.svc.DeleteJob(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestGetTranscript(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedJob(t, "job-1", types.StatusCompleted)
	require.NoError(t, env.store.InsertSegments(ctx, "job-1", []types.Segment{
		{Index: 0, Start: 0, End: 1.5, Text: "hello"},
		{Index: 1, Start: 1.5, End: 3, Text: "world"},
	}))
	require.NoError(t, env.store.SaveSegmentEdits(ctx, "job-1", []types.SegmentEdit{
		{Index: 1, EditedText: "World!"},
	}))

	tr, err := env.svc.GetTranscript(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", tr.JobID)
	require.Equal(t, types.StatusCompleted, tr.Status)
	require.Equal(t, env.audioPath, tr.AudioPath)
	require.Equal(t, "base", tr.Model)
	require.Len(t, tr.Segments, 2)
	require.Equal(t, "hello", tr.Segments[0].Text)
	require.Nil(t, tr.Segments[0].EditedText)
	require.NotNil(t, tr.Segments[1].EditedText)
	require.Equal(t, "World!", *tr.Segments[1].EditedText)
}

func TestGetTranscriptNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.GetTranscript(context.Background(), "ghost")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSaveTranscriptEdits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedJob(t, "job-1", types.StatusCompleted)
	require.NoError(t, env.store.InsertSegments(ctx, "job-1", []types.Segment{
		{Index: 0, Start: 0, End: 1, Text: "hallo"},
	}))

	saved, err := env.svc.SaveTranscriptEdits(ctx, "job-1", []types.SegmentEdit{
		{Index: 0, EditedText: "hello"},
	})
	require.NoError(t, err)
	require.True(t, saved)

	segs, err := env.store.GetSegments(ctx, "job-1", -1)
	require.NoError(t, err)
	require.NotNil(t, segs[0].EditedText)
	require.Equal(t, "hello", *segs[0].EditedText)

	// An empty edit clears the override.
	saved, err = env.svc.SaveTranscriptEdits(ctx, "job-1", []types.SegmentEdit{
		{Index: 0, EditedText: ""},
	})
	require.NoError(t, err)
	require.True(t, saved)

	segs, err = env.store.GetSegments(ctx, "job-1", -1)
	require.NoError(t, err)
	require.Nil(t, segs[0].EditedText)
}

func TestSaveTranscriptEditsNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.SaveTranscriptEdits(context.Background(), "ghost", nil)
	require.True(t, errors.Is(err, ErrNotFound))
}

func seedTranscript(t *testing.T, env *testEnv, jobID string) {
	t.Helper()
	env.seedJob(t, jobID, types.StatusCompleted)
	require.NoError(t, env.store.InsertSegments(context.Background(), jobID, []types.Segment{
		{Index: 0, Start: 0, End: 1, Text: "guten tag"},
		{Index: 1, Start: 1, End: 2, Text: "wie geht es"},
		{Index: 2, Start: 2, End: 3, Text: "guten tag"},
	}))
}

func TestTranslateTranscript(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedTranscript(t, env, "job-1")

	out, target, err := env.svc.TranslateTranscript(ctx, "job-1", TranslateRequest{TargetLanguage: "EN"})
	require.NoError(t, err)
	require.Equal(t, "en", target)
	require.Len(t, out, 3)
	require.Equal(t, types.TranslatedSegment{Index: 0, TranslatedText: "GUTEN TAG"}, out[0])
	require.Equal(t, types.TranslatedSegment{Index: 1, TranslatedText: "WIE GEHT ES"}, out[1])
	require.Equal(t, types.TranslatedSegment{Index: 2, TranslatedText: "GUTEN TAG"}, out[2])

	// Duplicate source text is translated once.
	require.Equal(t, 2, env.translator.callCount())

	// Regional variants collapse to their base language.
	_, target, err = env.svc.TranslateTranscript(ctx, "job-1", TranslateRequest{TargetLanguage: "en-GB"})
	require.NoError(t, err)
	require.Equal(t, "en", target)
}

func TestTranslateTranscriptSourcePreference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedTranscript(t, env, "job-1")

	// Stored edit on segment 1, caller edit on segment 2, caller blanking
	// of segment 0.
	require.NoError(t, env.store.SaveSegmentEdits(ctx, "job-1", []types.SegmentEdit{
		{Index: 1, EditedText: "wie geht's"},
	}))

	out, _, err := env.svc.TranslateTranscript(ctx, "job-1", TranslateRequest{
		TargetLanguage: "en",
		SourceEdits: []types.SegmentEdit{
			{Index: 0, EditedText: "   "},
			{Index: 2, EditedText: "servus"},
		},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, types.TranslatedSegment{Index: 1, TranslatedText: "WIE GEHT'S"}, out[0])
	require.Equal(t, types.TranslatedSegment{Index: 2, TranslatedText: "SERVUS"}, out[1])
}

func TestTranslateTranscriptSubset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedTranscript(t, env, "job-1")

	out, _, err := env.svc.TranslateTranscript(ctx, "job-1", TranslateRequest{
		TargetLanguage: "en",
		SegmentIndices: []int{1},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 1, out[0].Index)

	_, _, err = env.svc.TranslateTranscript(ctx, "job-1", TranslateRequest{
		TargetLanguage: "en",
		SegmentIndices: []int{99},
	})
	require.True(t, errors.Is(err, ErrInvalidArgument))
	require.Equal(t, "No transcript segments match the requested segment_indices", err.Error())
}

func TestTranslateTranscriptValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.svc.TranslateTranscript(ctx, "job-1", TranslateRequest{})
	require.True(t, errors.Is(err, ErrInvalidArgument))
	require.Equal(t, "target_language is required", err.Error())

	_, _, err = env.svc.TranslateTranscript(ctx, "job-1", TranslateRequest{TargetLanguage: "xx"})
	require.True(t, errors.Is(err, ErrInvalidArgument))
	require.Equal(t, "Unsupported translation language: xx", err.Error())

	_, _, err = env.svc.TranslateTranscript(ctx, "ghost", TranslateRequest{TargetLanguage: "en"})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestTranslateTranscriptEmptyTranscript(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedJob(t, "job-empty", types.StatusCompleted)

	out, target, err := env.svc.TranslateTranscript(ctx, "job-empty", TranslateRequest{TargetLanguage: "en"})
	require.NoError(t, err)
	require.Equal(t, "en", target)
	require.Empty(t, out)
}

func TestTranslateTranscriptUpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.translator.err = errors.New("endpoint unreachable")
	ctx := context.Background()
	seedTranscript(t, env, "job-1")

	_, _, err := env.svc.TranslateTranscript(ctx, "job-1", TranslateRequest{TargetLanguage: "en"})
	require.True(t, errors.Is(err, ErrInternal))
	require.Equal(t, "Failed to translate transcript: endpoint unreachable", err.Error())
}

func TestSubscribeNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Subscribe(context.Background(), "ghost")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSubscribeLive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedJob(t, "job-1", types.StatusQueued)

	stream, err := env.svc.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, stream.Live)
	require.Nil(t, stream.Replay)
	defer stream.Live.Close()

	env.bus.Publish(types.Event{JobID: "job-1", Status: types.StatusRunning})
	env.bus.Publish(types.Event{JobID: "job-1", Status: types.StatusCompleted, Progress: 1})

	var got []types.Event
	deadline := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-stream.Live.C():
			require.True(t, ok, "stream closed early")
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out, got %d events", len(got))
		}
	}
	require.Equal(t, types.StatusRunning, got[0].Status)
	require.Equal(t, types.StatusCompleted, got[1].Status)
}

func TestSubscribeReplaysTerminalJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedJob(t, "job-1", types.StatusCompleted)
	require.NoError(t, env.store.UpdateJobProgress(ctx, "job-1", 1))
	require.NoError(t, env.store.InsertSegments(ctx, "job-1", []types.Segment{
		{Index: 0, Start: 0, End: 1, Text: "hello"},
		{Index: 1, Start: 1, End: 2, Text: "world"},
	}))
	// Stored edits do not leak into the replayed recognition stream.
	require.NoError(t, env.store.SaveSegmentEdits(ctx, "job-1", []types.SegmentEdit{
		{Index: 0, EditedText: "HELLO"},
	}))

	stream, err := env.svc.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	require.Nil(t, stream.Live)
	require.Len(t, stream.Replay, 3)

	for i, ev := range stream.Replay[:2] {
		require.Equal(t, types.StatusCompleted, ev.Status)
		require.InDelta(t, 1.0, ev.Progress, 1e-9)
		require.NotNil(t, ev.Segment)
		require.Equal(t, i, ev.Segment.Index)
		require.Nil(t, ev.Segment.EditedText)
	}
	final := stream.Replay[2]
	require.Nil(t, final.Segment)
	require.Equal(t, types.StatusCompleted, final.Status)
	require.Empty(t, final.Error)
}

func TestSubscribeReplaysFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedJob(t, "job-1", types.StatusQueued)
	require.NoError(t, env.store.UpdateJobStatus(ctx, "job-1", types.StatusFailed, "Transcription failed: boom"))

	stream, err := env.svc.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, stream.Replay, 1)
	require.Equal(t, types.StatusFailed, stream.Replay[0].Status)
	require.Equal(t, "Transcription failed: boom", stream.Replay[0].Error)
}

func TestSettingsDefaults(t *testing.T) {
	env := newTestEnv(t)

	got, err := env.svc.GetSettings(context.Background())
	require.NoError(t, err)
	require.Equal(t, Settings{
		ModelsDir:    env.locator.Dir(),
		PreferGPU:    true,
		DefaultModel: "base",
		ComputeType:  "auto",
	}, got)
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	off := false
	newDir := filepath.Join(t.TempDir(), "models")
	got, err := env.svc.UpdateSettings(ctx, UpdateSettingsRequest{
		ModelsDir:    newDir,
		PreferGPU:    &off,
		DefaultModel: "small",
		ComputeType:  "int8",
	})
	require.NoError(t, err)
	require.Equal(t, Settings{
		ModelsDir:    newDir,
		PreferGPU:    false,
		DefaultModel: "small",
		ComputeType:  "int8",
	}, got)

	// The locator now serves the new directory.
	require.Equal(t, newDir, env.locator.Dir())

	// Values survive a fresh read.
	got, err = env.svc.GetSettings(ctx)
	require.NoError(t, err)
	require.False(t, got.PreferGPU)
	require.Equal(t, "small", got.DefaultModel)
}

func TestUpdateSettingsPartial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	off := false
	_, err := env.svc.UpdateSettings(ctx, UpdateSettingsRequest{PreferGPU: &off})
	require.NoError(t, err)

	got, err := env.svc.GetSettings(ctx)
	require.NoError(t, err)
	require.False(t, got.PreferGPU)
	require.Equal(t, env.locator.Dir(), got.ModelsDir)
	require.Equal(t, "base", got.DefaultModel)
}

func TestUpdateSettingsValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.UpdateSettings(ctx, UpdateSettingsRequest{ModelsDir: "relative/models"})
	require.True(t, errors.Is(err, ErrInvalidArgument))
	require.Equal(t, "models_dir must be an absolute path", err.Error())

	_, err = env.svc.UpdateSettings(ctx, UpdateSettingsRequest{ComputeType: "float32"})
	require.True(t, errors.Is(err, ErrInvalidArgument))
	require.Equal(t, "compute_type must be one of: auto, float16, int8", err.Error())
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "tiny")

	models := env.svc.ListModels(context.Background())
	require.Len(t, models, len(catalog.Names()))

	byName := map[string]types.ModelEntry{}
	for _, m := range models {
		byName[m.Name] = m
	}
	require.True(t, byName["tiny"].Downloaded)
	require.False(t, byName["base"].Downloaded)
}

func TestDownloadModelUnknown(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.DownloadModel(context.Background(), "mega")
	require.True(t, errors.Is(err, ErrNotFound))
	require.Equal(t, "Unknown model: mega", err.Error())
}

func TestDownloadModelAlreadyDownloaded(t *testing.T) {
	env := newTestEnv(t)
	entry := env.seedModel(t, "tiny")

	events, err := env.svc.DownloadModel(context.Background(), "tiny")
	require.NoError(t, err)

	ev, ok := <-events
	require.True(t, ok)
	require.Equal(t, types.DownloadComplete, ev.State)
	require.Equal(t, entry.EstimatedBytes, ev.Downloaded)
	require.Equal(t, entry.EstimatedBytes, ev.Total)

	_, ok = <-events
	require.False(t, ok, "stream must close after the terminal event")
}

func collectDownloadEvents(t *testing.T, events <-chan types.DownloadEvent) []types.DownloadEvent {
	t.Helper()
	var got []types.DownloadEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out, got %d events", len(got))
		}
	}
}

func TestDownloadModelStreamsProgress(t *testing.T) {
	env := newTestEnv(t)
	env.dl.script = func(_ context.Context, _ string, progress download.ProgressFunc) (string, error) {
		progress(100, 300)
		progress(200, 300)
		progress(300, 300)
		return "", nil
	}

	entry, err := catalog.Resolve("tiny")
	require.NoError(t, err)

	events, err := env.svc.DownloadModel(context.Background(), "tiny")
	require.NoError(t, err)

	got := collectDownloadEvents(t, events)
	require.Len(t, got, 5)

	require.Equal(t, types.DownloadStarting, got[0].State)
	require.Equal(t, entry.EstimatedBytes, got[0].Total)

	for i, ev := range got[1:4] {
		require.Equal(t, types.DownloadDownloading, ev.State)
		require.Equal(t, int64(100*(i+1)), ev.Downloaded)
		require.Equal(t, int64(300), ev.Total)
	}

	final := got[4]
	require.Equal(t, types.DownloadComplete, final.State)
	require.Equal(t, int64(300), final.Downloaded)
	require.Equal(t, int64(300), final.Total)
}

func TestDownloadModelCanceled(t *testing.T) {
	env := newTestEnv(t)
	env.dl.script = func(_ context.Context, _ string, progress download.ProgressFunc) (string, error) {
		progress(100, 300)
		return "", download.ErrCanceled
	}

	events, err := env.svc.DownloadModel(context.Background(), "tiny")
	require.NoError(t, err)

	got := collectDownloadEvents(t, events)
	require.NotEmpty(t, got)
	final := got[len(got)-1]
	require.Equal(t, types.DownloadCanceled, final.State)
}

func TestDownloadModelFailed(t *testing.T) {
	env := newTestEnv(t)
	env.dl.script = func(_ context.Context, _ string, _ download.ProgressFunc) (string, error) {
		return "", errors.New("connection reset")
	}

	events, err := env.svc.DownloadModel(context.Background(), "tiny")
	require.NoError(t, err)

	got := collectDownloadEvents(t, events)
	require.Len(t, got, 2)
	require.Equal(t, types.DownloadStarting, got[0].State)
	require.Equal(t, types.DownloadFailed, got[1].State)
	require.Equal(t, "connection reset", got[1].Error)
}

func TestDownloadModelInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.dl.inflight["tiny"] = true

	_, err := env.svc.DownloadModel(context.Background(), "tiny")
	require.True(t, errors.Is(err, ErrFailedPrecondition))
	require.Equal(t, "Download already in progress: tiny", err.Error())
}

func TestDownloadModelClientDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.dl.script = func(ctx context.Context, _ string, _ download.ProgressFunc) (string, error) {
		<-ctx.Done()
		return "", download.ErrCanceled
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := env.svc.DownloadModel(ctx, "tiny")
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, types.DownloadStarting, ev.State)
	case <-time.After(5 * time.Second):
		t.Fatal("no STARTING event")
	}

	cancel()
	for ev := range events {
		// Depending on timing the terminal CANCELED event may or may not
		// land before the stream closes.
		require.Equal(t, types.DownloadCanceled, ev.State)
	}
}

func TestCancelDownload(t *testing.T) {
	env := newTestEnv(t)

	require.False(t, env.svc.CancelDownload("tiny"))

	env.dl.inflight["tiny"] = true
	require.True(t, env.svc.CancelDownload("tiny"))
}

func TestDeleteModel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	entry := env.seedModel(t, "tiny")

	deleted, err := env.svc.DeleteModel(ctx, "tiny")
	require.NoError(t, err)
	require.True(t, deleted)
	_, statErr := os.Stat(env.locator.ModelDir(entry))
	require.True(t, os.IsNotExist(statErr))

	deleted, err = env.svc.DeleteModel(ctx, "tiny")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestDeleteModelUnknown(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.DeleteModel(context.Background(), "mega")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteModelCancelsInFlightDownload(t *testing.T) {
	env := newTestEnv(t)
	env.dl.inflight["tiny"] = true

	deleted, err := env.svc.DeleteModel(context.Background(), "tiny")
	require.NoError(t, err)
	require.False(t, deleted)
	require.Equal(t, []string{"tiny"}, env.dl.canceled)
}

func TestConcurrentDurationBackfill(t *testing.T) {
	env := newTestEnv(t)
	env.prober.seconds = 7.5
	ctx := context.Background()
	env.seedJob(t, "job-1", types.StatusCompleted)

	var wg sync.WaitGroup
	results := make([]*types.Job, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := env.svc.GetJob(ctx, "job-1")
			require.NoError(t, err)
			results[i] = job
		}(i)
	}
	wg.Wait()

	for _, job := range results {
		require.NotNil(t, job.AudioDurationSeconds)
		require.InDelta(t, 7.5, *job.AudioDurationSeconds, 1e-9)
	}
}
