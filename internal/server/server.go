// Package server is the REST surface over the workflow core: workflow
// authoring and commits, run control, SSE log streaming, human-input
// resolution, secrets, schedules, and the public webhook ingress.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/shipsec/shipsec/internal/artifacts"
	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/engine"
	"github.com/shipsec/shipsec/internal/metrics"
	"github.com/shipsec/shipsec/internal/ports"
	"github.com/shipsec/shipsec/internal/secrets"
	"github.com/shipsec/shipsec/internal/store"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// Deps are the subsystems the handlers delegate to.
type Deps struct {
	Store      *store.Store
	Components *component.Registry
	Ports      *ports.Registry
	Compiler   *compiler.Compiler
	Engine     *engine.Engine
	Bus        *engine.EventBus
	Secrets    *secrets.Manager
	Artifacts  *artifacts.Manager
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	httpSrv *http.Server
}

func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router builds the full route table. Exposed so tests can drive the API
// through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID", "X-Webhook-Secret"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	r.Get("/components", s.handleListComponents)

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.handleCreateWorkflow)
		r.Get("/", s.handleListWorkflows)
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/status", s.handleRunStatus)
			r.Post("/cancel", s.handleCancelRun)
		})
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkflow)
			r.Put("/", s.handleUpdateGraph)
			r.Delete("/", s.handleDeleteWorkflow)
			r.Post("/commit", s.handleCommit)
			r.Post("/validate", s.handleValidate)
			r.Post("/run", s.handleStartRun)
			r.Get("/runs", s.handleListRuns)
			r.Post("/schedules", s.handleCreateSchedule)
		})
	})

	r.Route("/executions/{runID}", func(r chi.Router) {
		r.Get("/logs", s.handleRunLogs)
		r.Get("/config", s.handleRunConfig)
		r.Get("/artifacts", s.handleRunArtifacts)
	})
	r.Get("/artifacts/{id}", s.handleDownloadArtifact)

	r.Post("/humanInputs/{token}/resolve", s.handleResolveHumanInput)

	r.Route("/secrets", func(r chi.Router) {
		r.Get("/", s.handleListSecrets)
		r.Put("/{name}", s.handlePutSecret)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", s.handleListSchedules)
		r.Post("/{id}/enable", s.handleEnableSchedule)
		r.Post("/{id}/disable", s.handleDisableSchedule)
		r.Delete("/{id}", s.handleDeleteSchedule)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/configurations", s.handleCreateWebhook)
		r.Get("/configurations", s.handleListWebhooks)
		r.Delete("/configurations/{id}", s.handleDeleteWebhook)
		r.Post("/inbound/{path}", s.handleWebhookInbound)
	})

	return r
}

// ListenAndServe starts the server and blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpSrv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains open HTTP connections. Engine shutdown is the caller's
// responsibility; runs outlive individual requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"activeRuns": len(s.deps.Engine.ActiveRuns()),
	})
}

func (s *Server) handleListComponents(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Components.IDs()
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		def, ok := s.deps.Components.Get(id)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"id":       def.ID,
			"label":    def.Label,
			"category": def.Category,
			"runner":   string(def.Runner),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"components": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
