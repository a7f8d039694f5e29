// Package api exposes the validation engine over HTTP: session CRUD,
// window ingestion, gate evaluation, lifecycle decisions, trigger
// acknowledgement, and a live event stream. Handlers translate wire
// requests into engine/controller calls and map structured error codes
// onto HTTP statuses; no domain logic lives here.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/beacon/pkg/config"
	"github.com/odvcencio/beacon/pkg/lifecycle"
	"github.com/odvcencio/beacon/pkg/logging"
	"github.com/odvcencio/beacon/pkg/scheduler"
	"github.com/odvcencio/beacon/pkg/storage"
	"github.com/odvcencio/beacon/pkg/telemetry"
	"github.com/odvcencio/beacon/pkg/trigger"
)

// Server is the HTTP control surface over a running engine.
type Server struct {
	cfg        config.APIConfig
	store      *storage.Store
	engine     *scheduler.Engine
	controller *lifecycle.Controller
	monitor    *trigger.Monitor
	hub        *telemetry.Hub
	logger     *logging.Logger

	httpServer *http.Server
}

// NewServer wires the API around an engine and its collaborators. The
// hub and logger may be nil; streaming endpoints then return 503.
func NewServer(cfg config.APIConfig, store *storage.Store, engine *scheduler.Engine, controller *lifecycle.Controller, monitor *trigger.Monitor, hub *telemetry.Hub, logger *logging.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		controller: controller,
		monitor:    monitor,
		hub:        hub,
		logger:     logger,
	}
}

// Router assembles the route tree. Exposed separately from Start so
// tests can drive handlers through httptest without binding a port.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(s.securityHeadersMiddleware)
	router.Use(s.requestLogMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Handle("/metrics", promhttp.Handler())

	api := chi.NewRouter()
	api.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/status", s.handleApplyDecision)
			r.Get("/evaluate", s.handleEvaluate)
			r.Post("/metrics", s.handleApplyWindow)
			r.Get("/windows", s.handleListWindows)
			r.Get("/log", s.handleExecutionLog)
			r.Get("/triggers", s.handleSessionTriggers)
			r.Get("/playbooks", s.handlePlaybookRuns)
			r.Post("/playbooks", s.handleStartPlaybook)
			r.Post("/playbooks/{runID}/finish", s.handleFinishPlaybook)
		})
	})
	api.Route("/triggers", func(r chi.Router) {
		r.Get("/", s.handleListTriggers)
		r.Get("/{triggerID}", s.handleGetTrigger)
		r.Post("/{triggerID}/resolve", s.handleResolveTrigger)
	})
	api.Get("/reviews", s.handleListReviews)
	api.Post("/reviews/{reviewID}/decide", s.handleDecideReview)
	api.Get("/playbooks", s.handleListPlaybooks)
	api.Get("/stream", s.handleStream)
	api.Get("/ws", s.handleWebSocket)

	router.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", api)
	})

	return router
}

// Start serves until Shutdown is called. Returns nil on clean shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if _, err := s.store.GetSchemaVersion(); err != nil {
		status = "degraded"
	}
	respondJSON(w, map[string]any{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		if s.logger == nil {
			return
		}
		_ = s.logger.Debug(logging.CategoryAPI, "http_request", r.Method+" "+r.URL.Path, map[string]any{
			"remote":  r.RemoteAddr,
			"elapsed": time.Since(started).String(),
		})
	})
}
