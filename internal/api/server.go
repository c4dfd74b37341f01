// SPDX-License-Identifier: MIT

// Package api exposes the scribed operations over a loopback HTTP server.
// Unary operations are plain JSON; the two streaming operations (job events
// and model downloads) are Server-Sent Events. Errors use one envelope with
// RPC-style codes so the desktop client can branch without parsing text.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/service"
)

const (
	defaultBodyLimit = 50 << 20 // 50 MiB
	maxConns         = 256
)

// Config carries the server's listen address and request policies.
type Config struct {
	// Addr is the listen address, loopback in normal operation.
	Addr string

	// BodyLimit caps request body bytes; 0 selects the 50 MiB default.
	BodyLimit int64

	// RequestLimit is the global per-IP request budget per minute;
	// 0 selects 600.
	RequestLimit int

	// TranslateLimit is the per-IP budget per minute for the translate
	// endpoint, which fans out to a shared upstream; 0 selects 10.
	TranslateLimit int
}

// Server is the HTTP front of the service layer.
type Server struct {
	svc       *service.Service
	router    chi.Router
	http      *http.Server
	logger    zerolog.Logger
	bodyLimit int64
}

// New assembles the router and returns a server ready to Start.
func New(cfg Config, svc *service.Service) *Server {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = defaultBodyLimit
	}
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = 600
	}
	if cfg.TranslateLimit <= 0 {
		cfg.TranslateLimit = 10
	}

	s := &Server{
		svc:       svc,
		logger:    log.WithComponent("api"),
		bodyLimit: cfg.BodyLimit,
	}

	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(tracing)
	r.Use(observe)
	r.Use(rateLimit(cfg.RequestLimit))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleStartJob)
			r.Get("/", s.handleListJobs)

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleDeleteJob)
				r.Post("/cancel", s.handleCancelJob)
				r.Get("/events", s.handleStreamJob)
				r.Get("/transcript", s.handleGetTranscript)
				r.Post("/edits", s.handleSaveEdits)
				r.With(rateLimit(cfg.TranslateLimit)).Post("/translate", s.handleTranslate)
			})
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.handleListModels)

			r.Route("/{name}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteModel)
				r.Post("/download", s.handleDownloadModel)
				r.Post("/download/cancel", s.handleCancelDownload)
			})
		})

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
	})

	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// WriteTimeout stays 0: SSE streams are long-lived and manage a
		// per-write deadline themselves.
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Router exposes the handler tree, primarily for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. A clean shutdown returns nil.
// The listener caps concurrent connections; the desktop frontend holds a
// handful, so a saturated cap means a runaway client.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	if err := s.http.Serve(netutil.LimitListener(ln, maxConns)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
