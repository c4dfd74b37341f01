// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/metrics"
	"github.com/scribeapp/scribed/internal/telemetry"
	"github.com/scribeapp/scribed/internal/translate"
	"github.com/scribeapp/scribed/internal/types"
)

// Transcript is the full transcript of a job, edits included.
type Transcript struct {
	JobID     string          `json:"job_id"`
	Status    types.JobStatus `json:"status"`
	Segments  []types.Segment `json:"segments"`
	AudioPath string          `json:"audio_path"`
	Model     string          `json:"model"`
	Language  string          `json:"language"`
	CreatedAt time.Time       `json:"created_at"`
}

// GetTranscript returns every stored segment of a job in index order.
func (s *Service) GetTranscript(ctx context.Context, jobID string) (*Transcript, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, internalf("Failed to read job: %v", err)
	}
	if job == nil {
		return nil, notFoundf("Job not found: %s", jobID)
	}

	segs, err := s.store.GetSegments(ctx, jobID, -1)
	if err != nil {
		return nil, internalf("Failed to read transcript: %v", err)
	}

	return &Transcript{
		JobID:     job.ID,
		Status:    job.Status,
		Segments:  segs,
		AudioPath: job.AudioPath,
		Model:     job.Model,
		Language:  job.Language,
		CreatedAt: job.CreatedAt,
	}, nil
}

// SaveTranscriptEdits persists user overrides of segment text. An empty
// edited_text clears the override. It reports whether the write succeeded;
// write failures are logged, not surfaced as RPC errors.
func (s *Service) SaveTranscriptEdits(ctx context.Context, jobID string, edits []types.SegmentEdit) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, internalf("Failed to read job: %v", err)
	}
	if job == nil {
		return false, notFoundf("Job not found: %s", jobID)
	}

	if err := s.store.SaveSegmentEdits(ctx, jobID, edits); err != nil {
		s.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("failed to save transcript edits")
		return false, nil
	}
	return true, nil
}

// TranslateRequest selects what to translate and where to.
type TranslateRequest struct {
	TargetLanguage string `json:"target_language"`

	// SegmentIndices restricts translation to a subset; empty means all.
	SegmentIndices []int `json:"segment_indices,omitempty"`

	// SourceEdits are unsaved caller-side edits that take precedence over
	// stored text. An empty edit suppresses translation for that segment.
	SourceEdits []types.SegmentEdit `json:"source_edits,omitempty"`
}

// TranslateTranscript renders a stored transcript in another language and
// returns the result as edit suggestions. Nothing is persisted; the caller
// applies the returned edits via SaveTranscriptEdits if desired.
//
// Source text preference per segment: caller edit, then stored edited_text,
// then recognized text. Segments whose source is blank are skipped.
// Identical source strings are translated once per call.
func (s *Service) TranslateTranscript(ctx context.Context, jobID string, req TranslateRequest) ([]types.TranslatedSegment, string, error) {
	target := translate.Normalize(req.TargetLanguage)
	if target == "" {
		return nil, "", invalidf("target_language is required")
	}
	if !translate.Supported(target) {
		return nil, "", invalidf("Unsupported translation language: %s", target)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, "", internalf("Failed to read job: %v", err)
	}
	if job == nil {
		return nil, "", notFoundf("Job not found: %s", jobID)
	}

	segs, err := s.store.GetSegments(ctx, jobID, -1)
	if err != nil {
		return nil, "", internalf("Failed to read transcript: %v", err)
	}
	if len(segs) == 0 {
		return []types.TranslatedSegment{}, target, nil
	}

	if len(req.SegmentIndices) > 0 {
		wanted := make(map[int]struct{}, len(req.SegmentIndices))
		for _, idx := range req.SegmentIndices {
			wanted[idx] = struct{}{}
		}
		kept := segs[:0]
		for _, seg := range segs {
			if _, ok := wanted[seg.Index]; ok {
				kept = append(kept, seg)
			}
		}
		segs = kept
		if len(segs) == 0 {
			return nil, "", invalidf("No transcript segments match the requested segment_indices")
		}
	}

	overrides := make(map[int]string, len(req.SourceEdits))
	for _, edit := range req.SourceEdits {
		overrides[edit.Index] = edit.EditedText
	}

	ctx, span := s.tracer.Start(ctx, "transcript.translate")
	defer span.End()

	cache := make(map[string]string)
	out := make([]types.TranslatedSegment, 0, len(segs))
	for _, seg := range segs {
		source := seg.Text
		if seg.EditedText != nil {
			source = *seg.EditedText
		}
		if override, ok := overrides[seg.Index]; ok {
			source = override
		}
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}

		translated, ok := cache[source]
		if !ok {
			translated, err = s.translator.Translate(ctx, source, target)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "translation failed")
				s.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("transcript translation failed")
				return nil, "", internalf("Failed to translate transcript: %v", err)
			}
			cache[source] = translated
		} else {
			metrics.TranslateCacheHitsTotal.Inc()
		}

		out = append(out, types.TranslatedSegment{Index: seg.Index, TranslatedText: translated})
	}

	span.SetAttributes(telemetry.TranslateAttributes(target, len(out))...)
	s.logger.Info().
		Str(log.FieldJobID, jobID).
		Str(log.FieldLanguage, target).
		Int("segments", len(out)).
		Msg("transcript translated")
	return out, target, nil
}
