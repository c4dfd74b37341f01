// SPDX-License-Identifier: MIT

//go:build cgo

package recognize

import (
	"context"
	"fmt"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog"

	"github.com/scribeapp/scribed/internal/log"
)

// WhisperRuntime loads ggml artifacts through the whisper.cpp CGO bindings.
// The static library (libwhisper.a) and headers must be available at link
// time; acceleration (CUDA, Metal) is decided when the library is built, so
// Load never fails on the device label alone.
type WhisperRuntime struct {
	logger zerolog.Logger
}

// NewRuntime returns the whisper.cpp-backed runtime.
func NewRuntime() Runtime {
	return &WhisperRuntime{logger: log.WithComponent("recognize")}
}

// Load reads the ggml artifact into memory.
func (r *WhisperRuntime) Load(_ context.Context, artifactPath, device, precision string) (Model, error) {
	model, err := whisperlib.New(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", artifactPath, err)
	}
	r.logger.Info().
		Str(log.FieldPath, artifactPath).
		Str(log.FieldDevice, device).
		Str(log.FieldPrecision, precision).
		Msg("loaded recognition model")
	return &whisperModel{model: model, logger: r.logger}, nil
}

type whisperModel struct {
	model  whisperlib.Model
	logger zerolog.Logger
}

func (m *whisperModel) Close() error {
	return m.model.Close()
}

// Transcribe decodes the audio and runs inference on a fresh whisper
// context, streaming segments as the decoder emits them. Cancelling ctx
// aborts at the next encoder window.
func (m *whisperModel) Transcribe(ctx context.Context, audioPath string, opts Options) (Stream, error) {
	samples, err := decodePCM(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	wctx, err := m.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create whisper context: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		m.logger.Warn().Err(err).
			Str(log.FieldLanguage, lang).
			Msg("failed to set language, auto-detecting")
	}
	wctx.SetTranslate(opts.Translate)
	if opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(opts.InitialPrompt)
	}

	pump := newSegmentPump()
	go func() {
		onSegment := func(s whisperlib.Segment) {
			pump.Push(ctx, Segment{
				Start: s.Start.Seconds(),
				End:   s.End.Seconds(),
				Text:  s.Text,
			})
		}
		encoderBegin := func() bool {
			return ctx.Err() == nil
		}
		pump.Finish(wctx.Process(samples, encoderBegin, onSegment, nil))
	}()
	return pump, nil
}
