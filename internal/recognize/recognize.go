// SPDX-License-Identifier: MIT

// Package recognize abstracts the speech-to-text runtime. The engine sees a
// loaded Model producing a finite ordered Stream of segments; the real
// implementation wraps the whisper.cpp bindings.
package recognize

import "context"

// Options tune one transcription run.
type Options struct {
	// Language is the source language code; "" or "auto" auto-detects.
	Language string

	// Translate engages the runtime's built-in translate-to-English task.
	Translate bool

	// InitialPrompt seeds the decoder with caller-provided context.
	InitialPrompt string
}

// Segment is one time-bounded unit of recognized speech. Times are seconds
// from the start of the audio.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

// Stream yields segments in order. Next returns io.EOF after the last
// segment; any other error aborts the run.
type Stream interface {
	Next(ctx context.Context) (Segment, error)
}

// Model is a loaded recognition model. Implementations are not safe for
// concurrent Transcribe calls; the engine serializes recognition anyway.
type Model interface {
	Transcribe(ctx context.Context, audioPath string, opts Options) (Stream, error)
	Close() error
}

// Runtime loads models from local artifacts. device and precision are the
// labels resolved by the hardware probe; a runtime that cannot honor them
// may fail the load, which the engine answers with a CPU retry.
type Runtime interface {
	Load(ctx context.Context, artifactPath, device, precision string) (Model, error)
}
