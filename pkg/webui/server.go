// Package webui exposes the HTTP dashboard API: workspace and zone CRUD,
// assignment and trigger operations, the websocket event stream, and
// Prometheus metrics.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"workdeck/pkg/bridge"
	"workdeck/pkg/config"
	"workdeck/pkg/events"
	"workdeck/pkg/logx"
	"workdeck/pkg/persistence"
	"workdeck/pkg/refcontext"
	"workdeck/pkg/workspace"
	"workdeck/pkg/zone"
)

// Server hosts the dashboard API over the orchestration core.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Server struct {
	workspaces *workspace.Manager
	zones      *zone.Service
	orch       *zone.Orchestrator
	bridge     *bridge.Bridge
	refs       *refcontext.Provider
	broker     *events.Broker
	hub        *eventHub
	logger     *logx.Logger
	httpServer *http.Server
	listenAddr string
}

// New wires the API server. The listen address and password come from the
// webui config section.
func New(cfg config.WebUIConfig, workspaces *workspace.Manager, zones *zone.Service, orch *zone.Orchestrator, b *bridge.Bridge, refs *refcontext.Provider, broker *events.Broker) *Server {
	s := &Server{
		workspaces: workspaces,
		zones:      zones,
		orch:       orch,
		bridge:     b,
		refs:       refs,
		broker:     broker,
		hub:        newEventHub(broker),
		logger:     logx.NewLogger("webui"),
		listenAddr: cfg.ListenAddr,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// routes builds the chi router with middleware and all API endpoints.
func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if password := config.GetWebUIPassword(); password != "" {
			r.Use(middleware.BasicAuth("workdeck", map[string]string{"workdeck": password}))
		}

		r.Route("/api", func(r chi.Router) {
			r.Route("/workspaces", func(r chi.Router) {
				r.Post("/", s.handleWorkspaceCreate)
				r.Get("/", s.handleWorkspaceList)
				r.Post("/sweep", s.handleWorkspaceSweep)
				r.Route("/{workspaceID}", func(r chi.Router) {
					r.Get("/", s.handleWorkspaceGet)
					r.Patch("/", s.handleWorkspaceUpdate)
					r.Delete("/", s.handleWorkspaceDelete)
					r.Get("/assignment", s.handleAssignmentGet)
					r.Delete("/assignment", s.handleUnassign)
				})
			})

			r.Route("/zones", func(r chi.Router) {
				r.Post("/", s.handleZoneCreate)
				r.Get("/", s.handleZoneList)
				r.Get("/export", s.handleZoneExport)
				r.Route("/{zoneID}", func(r chi.Router) {
					r.Get("/", s.handleZoneGet)
					r.Put("/", s.handleZoneUpdate)
					r.Delete("/", s.handleZoneDelete)
					r.Get("/executions", s.handleZoneExecutions)
					r.Get("/assignments", s.handleZoneAssignments)
					r.Post("/fire", s.handleZoneFire)
				})
			})

			r.Post("/assignments", s.handleAssign)
			r.Get("/assignments", s.handleAssignmentList)

			r.Route("/context", func(r chi.Router) {
				r.Get("/stats", s.handleContextStats)
				r.Post("/evict", s.handleContextEvict)
				r.Delete("/cache", s.handleContextInvalidate)
			})

			r.Get("/providers", s.handleProviderList)
			r.Get("/providers/{provider}/models", s.handleProviderModels)
			r.Post("/providers/{provider}/test", s.handleProviderTest)

			r.Get("/events", s.hub.handleWS)
			r.Get("/logs", s.handleLogs)
		})
	})

	return r
}

// Start begins serving in a background goroutine and attaches the event hub.
func (s *Server) Start() {
	s.hub.start()
	s.logger.Info("Dashboard API listening on %s", s.listenAddr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs each request with its status and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logx.Debug(r.Context(), "http", "%s %s -> %d (%v)",
			r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps domain errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workspace.ErrInvalidBranch),
		errors.Is(err, refcontext.ErrInvalidReference),
		errors.Is(err, zone.ErrInvalidZone):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workspace.ErrPortsExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON parses a request body into v.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
