// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/scribeapp/scribed/internal/service"
)

// errorBody is the wire error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a service error to its wire code and HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}

func classify(err error) (code string, status int) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return "INVALID_ARGUMENT", http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyExists):
		return "ALREADY_EXISTS", http.StatusConflict
	case errors.Is(err, service.ErrFailedPrecondition):
		return "FAILED_PRECONDITION", http.StatusConflict
	case errors.Is(err, service.ErrUnavailable):
		return "UNAVAILABLE", http.StatusServiceUnavailable
	default:
		return "INTERNAL", http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON request body into dst. strict rejects
// unknown fields.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any, strict bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.bodyLimit)
	dec := json.NewDecoder(r.Body)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: errorDetail{
				Code:    "INVALID_ARGUMENT",
				Message: fmt.Sprintf("Request body exceeds %d bytes", maxErr.Limit),
			}})
			return err
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Code:    "INVALID_ARGUMENT",
			Message: fmt.Sprintf("Invalid request body: %v", err),
		}})
		return err
	}
	return nil
}
