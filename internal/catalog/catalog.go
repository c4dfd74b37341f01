// SPDX-License-Identifier: MIT

// Package catalog is the static registry of recognition models: names,
// remote artifacts, and estimated sizes. It also resolves catalog entries
// to their on-disk locations under the configured models directory.
package catalog

import (
	"errors"
	"fmt"
)

// ErrUnknownModel is returned when a name matches no catalog entry or alias.
var ErrUnknownModel = errors.New("unknown model")

const remoteBase = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

const mib = 1 << 20

// Entry describes one known recognition model.
type Entry struct {
	Name           string
	File           string
	EstimatedBytes int64
}

// URL returns the remote location of the model artifact.
func (e Entry) URL() string {
	return remoteBase + e.File
}

// names fixes the listing order. Aliases are not listed; they resolve to a
// canonical entry.
var names = []string{
	"tiny", "tiny.en",
	"base", "base.en",
	"small", "small.en",
	"medium", "medium.en",
	"large-v1", "large-v2", "large-v3",
}

var entries = map[string]Entry{
	"tiny":      {Name: "tiny", File: "ggml-tiny.bin", EstimatedBytes: 39 * mib},
	"tiny.en":   {Name: "tiny.en", File: "ggml-tiny.en.bin", EstimatedBytes: 39 * mib},
	"base":      {Name: "base", File: "ggml-base.bin", EstimatedBytes: 74 * mib},
	"base.en":   {Name: "base.en", File: "ggml-base.en.bin", EstimatedBytes: 74 * mib},
	"small":     {Name: "small", File: "ggml-small.bin", EstimatedBytes: 244 * mib},
	"small.en":  {Name: "small.en", File: "ggml-small.en.bin", EstimatedBytes: 244 * mib},
	"medium":    {Name: "medium", File: "ggml-medium.bin", EstimatedBytes: 769 * mib},
	"medium.en": {Name: "medium.en", File: "ggml-medium.en.bin", EstimatedBytes: 769 * mib},
	"large-v1":  {Name: "large-v1", File: "ggml-large-v1.bin", EstimatedBytes: 1550 * mib},
	"large-v2":  {Name: "large-v2", File: "ggml-large-v2.bin", EstimatedBytes: 1550 * mib},
	"large-v3":  {Name: "large-v3", File: "ggml-large-v3.bin", EstimatedBytes: 1550 * mib},
}

// aliases map convenience names onto canonical entries.
var aliases = map[string]string{
	"large": "large-v3",
}

// Resolve maps a model name or alias to its catalog entry.
func Resolve(name string) (Entry, error) {
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	e, ok := entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return e, nil
}

// Names returns the canonical model names in listing order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}
