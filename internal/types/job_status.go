// SPDX-License-Identifier: MIT

// Package types provides the shared domain types for scribed: job and
// segment records, the status enumerations and the event payloads
// streamed to clients.
package types

import (
	"encoding/json"
	"fmt"
)

// JobStatus represents the lifecycle state of a transcription job.
//
// The numeric values are part of the persistence format and must not be
// reordered.
type JobStatus int

// Job status constants define all possible states of a transcription job.
const (
	// StatusQueued indicates the job is accepted but not yet started.
	StatusQueued JobStatus = 1

	// StatusRunning indicates the job is currently transcribing.
	StatusRunning JobStatus = 2

	// StatusCompleted indicates the job finished successfully.
	StatusCompleted JobStatus = 3

	// StatusFailed indicates the job terminated with an error.
	StatusFailed JobStatus = 4

	// StatusCanceled indicates the job was canceled by the user.
	StatusCanceled JobStatus = 5
)

// String returns the canonical upper-case name of the status.
func (s JobStatus) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsValid reports whether the status is one of the defined constants.
func (s JobStatus) IsValid() bool {
	return s >= StatusQueued && s <= StatusCanceled
}

// IsTerminal reports whether the status is final. A job in a terminal
// state never transitions again; only segment edits or deletion may
// touch it afterwards.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the transition s → target is allowed.
//
// Valid transitions:
//   - QUEUED → RUNNING, FAILED, CANCELED
//   - RUNNING → COMPLETED, FAILED, CANCELED
//   - terminal states cannot transition
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case StatusQueued:
		return target == StatusRunning || target == StatusFailed || target == StatusCanceled
	case StatusRunning:
		return target == StatusCompleted || target == StatusFailed || target == StatusCanceled
	default:
		return false
	}
}

// MarshalJSON encodes the status as its canonical name so API consumers
// never see raw enum numbers.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid job status: %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the canonical name or the numeric value.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, perr := ParseJobStatus(name)
		if perr != nil {
			return perr
		}
		*s = parsed
		return nil
	}

	var num int
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("invalid job status: %s", string(data))
	}
	status := JobStatus(num)
	if !status.IsValid() {
		return fmt.Errorf("invalid job status: %d", num)
	}
	*s = status
	return nil
}

// ParseJobStatus parses a canonical status name.
func ParseJobStatus(name string) (JobStatus, error) {
	switch name {
	case "QUEUED":
		return StatusQueued, nil
	case "RUNNING":
		return StatusRunning, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "FAILED":
		return StatusFailed, nil
	case "CANCELED":
		return StatusCanceled, nil
	default:
		return 0, fmt.Errorf("invalid job status: %q (valid: QUEUED, RUNNING, COMPLETED, FAILED, CANCELED)", name)
	}
}

// AllJobStatuses returns all defined job statuses in persistence order.
func AllJobStatuses() []JobStatus {
	return []JobStatus{
		StatusQueued,
		StatusRunning,
		StatusCompleted,
		StatusFailed,
		StatusCanceled,
	}
}
