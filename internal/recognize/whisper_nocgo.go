// SPDX-License-Identifier: MIT

//go:build !cgo

package recognize

import (
	"context"
	"errors"
)

// NewRuntime returns a stub when CGO is disabled. Every load fails; the
// service still starts so the store-backed surface stays usable.
func NewRuntime() Runtime {
	return unavailableRuntime{}
}

type unavailableRuntime struct{}

func (unavailableRuntime) Load(_ context.Context, _, _, _ string) (Model, error) {
	return nil, errors.New("whisper runtime not available: build requires CGO_ENABLED=1")
}
