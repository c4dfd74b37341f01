// SPDX-License-Identifier: MIT

// Package hardware probes the host for acceleration support and picks the
// (device, precision) pair a job should load its model with.
package hardware

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribeapp/scribed/internal/log"
)

const probeTimeout = 5 * time.Second

// Device labels understood by the recognition runtime.
const (
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

// Precision labels understood by the recognition runtime.
const (
	PrecisionFloat16 = "float16"
	PrecisionInt8    = "int8"
)

// Runner executes external probe commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204
	return cmd.Output()
}

// Probe detects GPU acceleration. Detection shells out to platform tools and
// is cached after the first call; the host does not grow a GPU mid-run.
//
// An accelerator match selects the "cuda" device label even on non-NVIDIA
// hardware. If the runtime rejects it, the engine's CPU retry takes over.
type Probe struct {
	runner Runner
	goos   string
	logger zerolog.Logger

	once sync.Once
	gpu  bool
}

// NewProbe returns a probe for the current platform.
func NewProbe() *Probe {
	return &Probe{
		runner: execRunner{},
		goos:   runtime.GOOS,
		logger: log.WithComponent("hardware"),
	}
}

// Detect reports whether any supported accelerator is present.
func (p *Probe) Detect(ctx context.Context) bool {
	p.once.Do(func() {
		p.gpu = p.detect(ctx)
	})
	return p.gpu
}

func (p *Probe) detect(ctx context.Context) bool {
	if p.checkNvidia(ctx) {
		p.logger.Info().Msg("NVIDIA GPU detected")
		return true
	}
	if p.goos == "darwin" && p.checkAppleSilicon(ctx) {
		p.logger.Info().Msg("Apple Silicon detected")
		return true
	}
	if p.goos == "linux" && p.checkROCm(ctx) {
		p.logger.Info().Msg("AMD GPU detected")
		return true
	}
	p.logger.Info().Msg("no GPU acceleration available, using CPU")
	return false
}

func (p *Probe) checkNvidia(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := p.runner.Run(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		return false
	}
	p.logger.Debug().Str("gpu", strings.TrimSpace(string(out))).Msg("nvidia-smi reported a device")
	return true
}

func (p *Probe) checkAppleSilicon(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := p.runner.Run(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
	if err != nil {
		return false
	}
	brand := strings.ToLower(strings.TrimSpace(string(out)))
	if !strings.Contains(brand, "apple") {
		return false
	}
	for _, gen := range []string{"m1", "m2", "m3"} {
		if strings.Contains(brand, gen) {
			return true
		}
	}
	return false
}

func (p *Probe) checkROCm(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := p.runner.Run(ctx, "rocm-smi", "--showid")
	return err == nil
}

// Resolve picks the (device, precision) pair for a job. preferGPU is the
// effective per-job flag; computeType is the settings override, where ""
// and "auto" defer to the probe.
func (p *Probe) Resolve(ctx context.Context, preferGPU bool, computeType string) (device, precision string) {
	device = DeviceCPU
	precision = PrecisionInt8

	if preferGPU && p.Detect(ctx) {
		device = DeviceCUDA
		precision = PrecisionFloat16
	}
	if computeType != "" && computeType != "auto" {
		precision = computeType
	}
	return device, precision
}
