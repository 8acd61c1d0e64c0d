package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/catalog"
	"github.com/nidhogg/nuka-swarm/internal/graph"
	"github.com/nidhogg/nuka-swarm/internal/mission"
	"github.com/nidhogg/nuka-swarm/internal/pipeline"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
	"github.com/nidhogg/nuka-swarm/internal/telemetry"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Pinger reports whether the storage backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API serves. Catalog, Graph and Alerts are
// optional; their routes answer 503 when unset.
type Deps struct {
	Registry  *registry.Registry
	Missions  *mission.Board
	Swarms    *swarm.Manager
	Pipelines *pipeline.Engine
	Bus       *bus.Bus
	Catalog   *catalog.Catalog
	Graph     *graph.Mirror
	Alerts    *telemetry.Alerter
	Store     Pinger

	// IdempotencyTTL is how long an Idempotency-Key on pipeline submit is
	// remembered.
	IdempotencyTTL time.Duration
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry  *registry.Registry
	missions  *mission.Board
	swarms    *swarm.Manager
	pipelines *pipeline.Engine
	events    *bus.Bus
	catalog   *catalog.Catalog
	graph     *graph.Mirror
	alerts    *telemetry.Alerter
	store     Pinger

	submitted *cache.Cache
	submitMu  sync.Mutex

	// feedCtx bounds every open event feed connection.
	feedCtx    context.Context
	closeFeeds context.CancelFunc
	logger     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps, logger *zap.Logger) *Handler {
	ttl := d.IdempotencyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	feedCtx, closeFeeds := context.WithCancel(context.Background())
	return &Handler{
		registry:   d.Registry,
		missions:   d.Missions,
		swarms:     d.Swarms,
		pipelines:  d.Pipelines,
		events:     d.Bus,
		catalog:    d.Catalog,
		graph:      d.Graph,
		alerts:     d.Alerts,
		store:      d.Store,
		submitted:  cache.New(ttl, 2*ttl),
		feedCtx:    feedCtx,
		closeFeeds: closeFeeds,
		logger:     logger,
	}
}

// Close disconnects open event feeds. http.Server.Shutdown does not wait for
// hijacked websocket connections, so call this first.
func (h *Handler) Close() {
	h.closeFeeds()
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Delete("/agents/{id}", h.decommissionAgent)
		r.Post("/agents/{id}/heartbeat", h.heartbeat)
		r.Post("/agents/{id}/tools", h.attachTool)
		r.Post("/agents/{id}/skills", h.addSkills)
		r.Post("/agents/{id}/reparent", h.reparentAgent)
		r.Post("/agents/{id}/stats", h.updateStats)
		r.Get("/agents/{id}/lineage", h.lineage)
		r.Get("/agents/{id}/subtree", h.subtree)

		r.Get("/tools", h.listTools)
		r.Get("/tools/search", h.searchTools)
		r.Get("/tools/{id}", h.getTool)
		r.Get("/tools/{id}/holders", h.toolHolders)

		r.Get("/missions", h.listMissions)
		r.Post("/missions", h.createMission)
		r.Get("/missions/{id}", h.getMission)
		r.Post("/missions/{id}/start", h.startMission)
		r.Post("/missions/{id}/assign", h.assignMission)
		r.Post("/missions/{id}/unassign", h.unassignMission)
		r.Post("/missions/{id}/advance", h.advanceMission)
		r.Post("/missions/{id}/complete", h.completeMission)
		r.Post("/missions/{id}/cancel", h.cancelMission)

		r.Get("/swarms", h.listSwarms)
		r.Post("/swarms", h.formSwarm)
		r.Get("/swarms/{id}", h.getSwarm)
		r.Delete("/swarms/{id}", h.retireSwarm)
		r.Post("/swarms/{id}/status", h.setSwarmStatus)
		r.Post("/swarms/{id}/members", h.addSwarmMember)
		r.Delete("/swarms/{id}/members/{agentID}", h.removeSwarmMember)
		r.Post("/swarms/{id}/aggregate", h.aggregateSwarm)

		r.Get("/pipelines", h.listPipelines)
		r.Post("/pipelines", h.submitPipeline)
		r.Get("/pipelines/{id}", h.getPipeline)
		r.Post("/pipelines/{id}/cancel", h.cancelPipeline)
		r.Post("/pipelines/{id}/restart", h.restartPipeline)

		r.Get("/alerts", h.listAlerts)
		r.Get("/events/ws", h.eventFeed)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	status, code, store := "ok", http.StatusOK, "none"
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		store = "ok"
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("health check: store unreachable", zap.Error(err))
			status, code, store = "degraded", http.StatusServiceUnavailable, err.Error()
		}
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"store":     store,
		"agents":    h.registry.Len(),
		"pipelines": len(h.pipelines.List(pipeline.Filter{Status: pipeline.StatusRunning})),
	})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "alerting not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.alerts.History(queryInt(r, "limit", 50)))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrInvalidHierarchy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrDuplicateID),
		errors.Is(err, apperr.ErrInvalidTransition),
		errors.Is(err, apperr.ErrAgentUnavailable),
		errors.Is(err, apperr.ErrHasDependents):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}
