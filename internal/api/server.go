// SPDX-License-Identifier: MIT

// Package api provides the HTTP surface of runfeed: the SSE event stream,
// the provider webhook sink and the internal stats endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/runfeed/runfeed/internal/hub"
	"github.com/runfeed/runfeed/internal/log"
	"github.com/runfeed/runfeed/internal/runnerstore"
	"github.com/runfeed/runfeed/internal/syncer"
)

// TenantResolver maps an authenticated request to a client identity and its
// tenant. Authentication itself happens upstream; this is the only surface
// the API layer needs from it.
type TenantResolver interface {
	Resolve(r *http.Request) (clientID, tenantID string, err error)
}

// Options configures the HTTP server.
type Options struct {
	HeartbeatInterval time.Duration
	WebhookSecret     string
	// WebhookRatePerMinute bounds webhook deliveries per source IP.
	// Zero means the default of 300.
	WebhookRatePerMinute int
}

// Server wires the hub, the sync engine and the runner mirror into HTTP
// handlers.
type Server struct {
	opts     Options
	hub      *hub.Hub
	engine   *syncer.Engine
	runners  runnerstore.Store
	resolver TenantResolver
	logger   zerolog.Logger
}

// New creates the HTTP server façade.
func New(opts Options, h *hub.Hub, engine *syncer.Engine, runners runnerstore.Store, resolver TenantResolver) *Server {
	if opts.WebhookRatePerMinute <= 0 {
		opts.WebhookRatePerMinute = 300
	}
	return &Server{
		opts:     opts,
		hub:      h,
		engine:   engine,
		runners:  runners,
		resolver: resolver,
		logger:   log.WithComponent("api"),
	}
}

// Router builds the chi router with all routes registered.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Get("/stream/stats", s.handleStreamStats)
		r.Get("/sync/stats", s.handleSyncStats)
		r.Post("/sync/run", s.handleSyncRun)
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(
			s.opts.WebhookRatePerMinute,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
		r.Post("/webhooks/ci", s.handleWebhook)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"coordinated": s.hub.Coordinated(),
	})
}

func (s *Server) handleStreamStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

func (s *Server) handleSyncStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.LastStats())
}

// handleSyncRun triggers one reconciliation cycle and returns its
// statistics. Meant for operators and scheduled callers.
func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.SyncAll(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("manual sync cycle failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sync cycle failed"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
