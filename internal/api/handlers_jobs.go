// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scribeapp/scribed/internal/service"
	"github.com/scribeapp/scribed/internal/types"
)

type healthResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// handleHealth reports liveness. The status code is always 200; clients
// read the ok flag, so a degraded store still gets a well-formed answer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok, msg := s.svc.Health(r.Context())
	writeJSON(w, http.StatusOK, healthResponse{OK: ok, Message: msg})
}

type startJobResponse struct {
	JobID  string          `json:"job_id"`
	Status types.JobStatus `json:"status"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req service.StartJobRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		return
	}

	jobID, err := s.svc.StartJob(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startJobResponse{JobID: jobID, Status: types.StatusQueued})
}

type listJobsResponse struct {
	Jobs []types.Job `json:"jobs"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
				Code:    "INVALID_ARGUMENT",
				Message: "limit must be an integer",
			}})
			return
		}
		limit = n
	}

	jobs, err := s.svc.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type cancelJobResponse struct {
	Canceled bool `json:"canceled"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	canceled, err := s.svc.CancelJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelJobResponse{Canceled: canceled})
}

type deleteJobResponse struct {
	Deleted bool `json:"deleted"`
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.svc.DeleteJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteJobResponse{Deleted: deleted})
}

// handleStreamJob serves a job's event stream over SSE. Terminal jobs get
// the persisted stream replayed in one burst; live jobs stream until the
// terminal event closes the subscription.
func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	stream, err := s.svc.Subscribe(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}

	sse := newSSEWriter(w)

	if stream.Live == nil {
		for _, ev := range stream.Replay {
			if err := sse.send("job", ev); err != nil {
				return
			}
		}
		return
	}

	sub := stream.Live
	defer sub.Close()

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
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := sse.send("job", ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	tr, err := s.svc.GetTranscript(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

type saveEditsRequest struct {
	Edits []types.SegmentEdit `json:"edits"`
}

type saveEditsResponse struct {
	Saved bool `json:"saved"`
}

func (s *Server) handleSaveEdits(w http.ResponseWriter, r *http.Request) {
	var req saveEditsRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		return
	}

	saved, err := s.svc.SaveTranscriptEdits(r.Context(), chi.URLParam(r, "jobID"), req.Edits)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saveEditsResponse{Saved: saved})
}

type translateResponse struct {
	Translated      bool                      `json:"translated"`
	TargetLanguage  string                    `json:"target_language"`
	TranslatedEdits []types.TranslatedSegment `json:"translated_edits"`
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req service.TranslateRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		return
	}

	segs, target, err := s.svc.TranslateTranscript(r.Context(), chi.URLParam(r, "jobID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, translateResponse{
		Translated:      true,
		TargetLanguage:  target,
		TranslatedEdits: segs,
	})
}
