// SPDX-License-Identifier: MIT

package recognize

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strings"
)

// sampleRate is what the recognition runtime expects: 16 kHz mono float32.
const sampleRate = 16000

// decodePCM shells out to ffmpeg to decode any supported container into raw
// 16 kHz mono float32 samples.
func decodePCM(ctx context.Context, path string) ([]float32, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", // #nosec G204
		"-nostdin",
		"-i", path,
		"-f", "f32le",
		"-ac", "1",
		"-ar", fmt.Sprint(sampleRate),
		"-",
	)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decode %s: %w: %s", path, err, lastLine(stderr.String()))
	}
	return samplesFromF32LE(out.Bytes()), nil
}

// samplesFromF32LE reinterprets little-endian float32 bytes as samples.
// Trailing partial frames are ignored.
func samplesFromF32LE(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// lastLine picks the final non-empty stderr line, which is where ffmpeg puts
// the actual failure.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "no ffmpeg output"
}
