// SPDX-License-Identifier: MIT

package service

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the transport boundary. The
	// API layer maps each one to a wire code and HTTP status.
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrUnavailable        = errors.New("unavailable")
	ErrInternal           = errors.New("internal error")
)

// Error carries a caller-facing message together with the sentinel that
// classifies it.
type Error struct {
	Sentinel error
	Message  string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Sentinel
}

func invalidf(format string, args ...any) error {
	return &Error{Sentinel: ErrInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) error {
	return &Error{Sentinel: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func existsf(format string, args ...any) error {
	return &Error{Sentinel: ErrAlreadyExists, Message: fmt.Sprintf(format, args...)}
}

func preconditionf(format string, args ...any) error {
	return &Error{Sentinel: ErrFailedPrecondition, Message: fmt.Sprintf(format, args...)}
}

func unavailablef(format string, args ...any) error {
	return &Error{Sentinel: ErrUnavailable, Message: fmt.Sprintf(format, args...)}
}

func internalf(format string, args ...any) error {
	return &Error{Sentinel: ErrInternal, Message: fmt.Sprintf(format, args...)}
}
