// SPDX-License-Identifier: MIT

package types

import "time"

// Job is one transcription request and its lifecycle state.
type Job struct {
	ID        string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	AudioPath string    `json:"audio_path"`
	Model     string    `json:"model"`
	Language  string    `json:"language"`
	Translate bool      `json:"translate"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// AudioDurationSeconds is nil until a probe has succeeded for this job.
	AudioDurationSeconds *float64 `json:"audio_duration_seconds,omitempty"`
}

// Segment is one time-bounded unit of transcript text.
type Segment struct {
	Index int     `json:"idx"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`

	// EditedText is the user override; nil means no edit is stored.
	EditedText *string `json:"edited_text,omitempty"`
}

// SegmentEdit is one requested override of a segment's text.
// An empty EditedText clears the stored override.
type SegmentEdit struct {
	Index      int    `json:"idx"`
	EditedText string `json:"edited_text"`
}

// Event is one element of a job's live or replayed event stream.
type Event struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"`
	Segment  *Segment  `json:"segment,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// DownloadEvent is one element of a model download stream.
type DownloadEvent struct {
	Model      string        `json:"model"`
	State      DownloadState `json:"state"`
	Downloaded int64         `json:"downloaded_bytes,omitempty"`
	Total      int64         `json:"total_bytes,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ModelEntry describes one catalog model and its local availability.
type ModelEntry struct {
	Name           string `json:"name"`
	EstimatedBytes int64  `json:"estimated_bytes"`
	Downloaded     bool   `json:"downloaded"`
	LocalPath      string `json:"local_path,omitempty"`
}

// TranslatedSegment is one result row of a transcript translation call.
type TranslatedSegment struct {
	Index          int    `json:"idx"`
	TranslatedText string `json:"translated_text"`
}
