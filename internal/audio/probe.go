// SPDX-License-Identifier: MIT

// Package audio probes media files for playback metadata via ffprobe.
package audio

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribeapp/scribed/internal/log"
)

const probeTimeout = 15 * time.Second

// Runner executes external probe commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner shells out via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204
	return cmd.Output()
}

// Prober reads durations from media containers. Results are best effort: any
// probe failure yields 0 and ratio-based progress stays disabled for the job.
type Prober struct {
	runner Runner
	logger zerolog.Logger
}

// NewProber returns a prober backed by the ffprobe binary on PATH.
func NewProber() *Prober {
	return &Prober{
		runner: execRunner{},
		logger: log.WithComponent("audio"),
	}
}

// Duration returns the duration of the file at path in seconds, or 0 when it
// cannot be determined within the probe timeout.
func (p *Prober) Duration(ctx context.Context, path string) float64 {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := p.runner.Run(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	if err != nil {
		p.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("duration probe failed")
		return 0
	}

	var payload struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		p.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("duration probe returned malformed output")
		return 0
	}
	if payload.Format.Duration == "" {
		return 0
	}

	d, err := strconv.ParseFloat(payload.Format.Duration, 64)
	if err != nil || d < 0 {
		return 0
	}
	p.logger.Debug().Float64("seconds", d).Str(log.FieldPath, path).Msg("probed duration")
	return d
}
