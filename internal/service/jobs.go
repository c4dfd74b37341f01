// SPDX-License-Identifier: MIT

package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/scribeapp/scribed/internal/catalog"
	"github.com/scribeapp/scribed/internal/engine"
	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/translate"
	"github.com/scribeapp/scribed/internal/types"
)

// StartJobRequest carries the parameters of a new transcription job. Zero
// values select the documented defaults.
type StartJobRequest struct {
	// JobID lets the caller supply its own identifier; one is allocated
	// when empty.
	JobID string `json:"job_id,omitempty"`

	AudioPath string `json:"audio_path"`
	Model     string `json:"model,omitempty"`

	// Language is the source language code; empty means auto-detect.
	Language string `json:"language,omitempty"`

	// TranslateTo is the target language code. The legacy
	// translate_to_english flag maps to "en" when no target is given.
	TranslateTo        string `json:"translate_to_language,omitempty"`
	TranslateToEnglish bool   `json:"translate_to_english,omitempty"`

	InitialPrompt string `json:"initial_prompt,omitempty"`

	// EnableGPU is OR'd with the prefer_gpu setting; the hardware probe
	// still decides the final device.
	EnableGPU bool `json:"enable_gpu,omitempty"`
}

// StartJob validates the request, persists a QUEUED job row and hands the
// job to the recognition engine. It returns the job id.
func (s *Service) StartJob(ctx context.Context, req StartJobRequest) (string, error) {
	audioPath, err := validateAudioPath(req.AudioPath)
	if err != nil {
		return "", err
	}

	target := translate.Normalize(req.TranslateTo)
	if target == "" && req.TranslateToEnglish {
		target = "en"
	}
	if target != "" && !translate.Supported(target) {
		return "", invalidf("Unsupported translation language: %s", target)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	if _, err := catalog.Resolve(model); err != nil {
		return "", notFoundf("Unknown model: %s", model)
	}
	language := req.Language
	if language == "" {
		language = "auto"
	}
	if language != "auto" && !translate.ValidTag(language) {
		s.logger.Warn().
			Str(log.FieldLanguage, language).
			Msg("source language is not a valid BCP 47 tag, passing through")
	}

	created, err := s.store.CreateJob(ctx, jobID, audioPath, model, language, target != "")
	if err != nil {
		return "", internalf("Failed to create job in database")
	}
	if !created {
		return "", existsf("Job already exists: %s", jobID)
	}

	opts := engine.Options{
		Model:         model,
		Language:      req.Language,
		TranslateTo:   target,
		InitialPrompt: req.InitialPrompt,
		EnableGPU:     req.EnableGPU || s.preferGPU(ctx),
		ComputeType:   s.computeType(ctx),
	}
	if err := s.engine.Submit(jobID, audioPath, opts); err != nil {
		if serr := s.store.UpdateJobStatus(ctx, jobID, types.StatusFailed, err.Error()); serr != nil {
			s.logger.Error().Err(serr).Str(log.FieldJobID, jobID).Msg("failed to mark rejected job")
		}
		return "", unavailablef("%v", err)
	}

	s.logger.Info().
		Str(log.FieldJobID, jobID).
		Str(log.FieldModel, model).
		Str(log.FieldLanguage, language).
		Msg("job accepted")
	return jobID, nil
}

// GetJob returns a single job, backfilling its audio duration when missing.
func (s *Service) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, internalf("Failed to read job: %v", err)
	}
	if job == nil {
		return nil, notFoundf("Job not found: %s", jobID)
	}
	s.backfillDuration(ctx, job)
	return job, nil
}

// ListJobs returns the most recent jobs, newest first. limit <= 0 selects
// the store default.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]types.Job, error) {
	jobs, err := s.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, internalf("Failed to list jobs: %v", err)
	}
	for i := range jobs {
		s.backfillDuration(ctx, &jobs[i])
	}
	return jobs, nil
}

// backfillDuration probes and persists the audio duration of a terminal job
// that is missing one. Probe failures leave the field unset; they are never
// surfaced as errors. Concurrent calls for the same job share one probe.
func (s *Service) backfillDuration(ctx context.Context, job *types.Job) {
	if job.AudioDurationSeconds != nil || !job.Status.IsTerminal() || job.AudioPath == "" {
		return
	}

	v, err, _ := s.durations.Do(job.ID, func() (any, error) {
		d := s.prober.Duration(ctx, job.AudioPath)
		if d <= 0 {
			return float64(0), nil
		}
		if err := s.store.UpdateJobDuration(ctx, job.ID, d); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldJobID, job.ID).Msg("duration backfill write failed")
		}
		return d, nil
	})
	if err != nil {
		return
	}
	if d, ok := v.(float64); ok && d > 0 {
		job.AudioDurationSeconds = &d
	}
}

// CancelJob requests cancellation of a queued or running job. It reports
// whether a cancellation took effect. Jobs unknown to the engine fall back
// to a store-side cancel so rows surviving a restart can still be closed.
func (s *Service) CancelJob(ctx context.Context, jobID string) (bool, error) {
	known, err := s.engine.Cancel(ctx, jobID)
	if err != nil {
		// The cancel flag is set; the worker writes the terminal state at
		// the next boundary even if this status write was lost.
		s.logger.Warn().Err(err).Str(log.FieldJobID, jobID).Msg("cancel status write failed")
	}
	if known {
		return true, nil
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, internalf("Failed to read job: %v", err)
	}
	if job == nil || job.Status.IsTerminal() {
		return false, nil
	}
	if err := s.store.CancelJob(ctx, jobID); err != nil {
		return false, internalf("Failed to cancel job: %v", err)
	}
	s.bus.Publish(types.Event{JobID: jobID, Status: types.StatusCanceled, Progress: job.Progress})
	s.logger.Info().Str(log.FieldJobID, jobID).Msg("job canceled in store")
	return true, nil
}

// DeleteJob removes a job row and its transcript. It reports whether a row
// was deleted.
func (s *Service) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	deleted, err := s.store.DeleteJob(ctx, jobID)
	if err != nil {
		return false, internalf("Failed to delete job: %v", err)
	}
	if deleted {
		s.logger.Info().Str(log.FieldJobID, jobID).Msg("job deleted")
	}
	return deleted, nil
}
