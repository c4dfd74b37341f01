// SPDX-License-Identifier: MIT

package types

import (
	"encoding/json"
	"fmt"
)

// DownloadState represents the current phase of a model download stream.
type DownloadState string

// Download state constants define all phases reported on a download stream.
const (
	// DownloadStarting indicates the download was accepted and is being set up.
	DownloadStarting DownloadState = "STARTING"

	// DownloadDownloading indicates bytes are being transferred.
	DownloadDownloading DownloadState = "DOWNLOADING"

	// DownloadComplete indicates the model is fully downloaded and visible.
	DownloadComplete DownloadState = "COMPLETE"

	// DownloadCanceled indicates the download was canceled and cleaned up.
	DownloadCanceled DownloadState = "CANCELED"

	// DownloadFailed indicates the download aborted with an error.
	DownloadFailed DownloadState = "FAILED"
)

// String implements fmt.Stringer.
func (s DownloadState) String() string {
	return string(s)
}

// IsValid checks whether the download state is valid.
func (s DownloadState) IsValid() bool {
	switch s {
	case DownloadStarting, DownloadDownloading, DownloadComplete,
		DownloadCanceled, DownloadFailed:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the state ends the download stream.
func (s DownloadState) IsTerminal() bool {
	switch s {
	case DownloadComplete, DownloadCanceled, DownloadFailed:
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (s DownloadState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *DownloadState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	state := DownloadState(str)
	if !state.IsValid() {
		return fmt.Errorf("invalid download state: %q", str)
	}

	*s = state
	return nil
}

// AllDownloadStates returns all defined download states.
func AllDownloadStates() []DownloadState {
	return []DownloadState{
		DownloadStarting,
		DownloadDownloading,
		DownloadComplete,
		DownloadCanceled,
		DownloadFailed,
	}
}
