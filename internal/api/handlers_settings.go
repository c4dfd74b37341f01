// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/scribeapp/scribed/internal/service"
)

type settingsEnvelope struct {
	Settings service.Settings `json:"settings"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.svc.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsEnvelope{Settings: settings})
}

type updateSettingsRequest struct {
	Settings service.UpdateSettingsRequest `json:"settings"`
}

// handleUpdateSettings applies a partial settings update. Unknown keys are
// rejected so typos fail loudly instead of silently persisting nothing.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := s.decodeJSON(w, r, &req, true); err != nil {
		return
	}

	settings, err := s.svc.UpdateSettings(r.Context(), req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsEnvelope{Settings: settings})
}
