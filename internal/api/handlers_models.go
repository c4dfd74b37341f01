// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scribeapp/scribed/internal/types"
)

type listModelsResponse struct {
	Models []types.ModelEntry `json:"models"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.svc.ListModels(r.Context())
	if models == nil {
		models = []types.ModelEntry{}
	}
	writeJSON(w, http.StatusOK, listModelsResponse{Models: models})
}

// handleDownloadModel streams download progress over SSE. Closing the
// stream cancels the download through the request context; the downloader
// removes its staging file on the way out.
func (s *Server) handleDownloadModel(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.DownloadModel(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}

	sse := newSSEWriter(w)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := sse.comment("keepalive"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.send("download", ev); err != nil {
				return
			}
		}
	}
}

type cancelDownloadResponse struct {
	Canceled bool `json:"canceled"`
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	canceled := s.svc.CancelDownload(chi.URLParam(r, "name"))
	writeJSON(w, http.StatusOK, cancelDownloadResponse{Canceled: canceled})
}

type deleteModelResponse struct {
	Name    string `json:"name"`
	Deleted bool   `json:"deleted"`
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deleted, err := s.svc.DeleteModel(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteModelResponse{Name: name, Deleted: deleted})
}
