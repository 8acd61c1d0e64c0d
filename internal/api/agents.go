package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/registry"
)

var errBadStats = apperr.Invalid("set exactly one of add_experience or stats")

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents := h.registry.List(registry.Filter{
		Type:     registry.Type(q.Get("type")),
		Status:   registry.Status(q.Get("status")),
		Skill:    q.Get("skill"),
		ParentID: q.Get("parent_id"),
		Tool:     q.Get("tool"),
	})
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a registry.Agent
	if !decode(w, r, &a) {
		return
	}
	id, err := h.registry.Register(r.Context(), a)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	created, err := h.registry.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) decommissionAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	opts := registry.DecommissionOptions{
		ReparentTo: r.URL.Query().Get("reparent_to"),
		Cascade:    r.URL.Query().Get("cascade") == "true",
	}
	if err := h.registry.Decommission(r.Context(), id, opts); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "decommissioned", "id": id})
}

type heartbeatRequest struct {
	Status registry.Status `json:"status"`
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	h.mutateAgent(w, r, func(id string) error {
		return h.registry.Heartbeat(r.Context(), id, req.Status)
	})
}

func (h *Handler) attachTool(w http.ResponseWriter, r *http.Request) {
	var t registry.Tool
	if !decode(w, r, &t) {
		return
	}
	h.mutateAgent(w, r, func(id string) error {
		return h.registry.AttachTool(r.Context(), id, t)
	})
}

type skillsRequest struct {
	Skills []string `json:"skills"`
}

func (h *Handler) addSkills(w http.ResponseWriter, r *http.Request) {
	var req skillsRequest
	if !decode(w, r, &req) {
		return
	}
	h.mutateAgent(w, r, func(id string) error {
		return h.registry.AddSkills(r.Context(), id, req.Skills...)
	})
}

type reparentRequest struct {
	ParentID string `json:"parent_id"`
}

func (h *Handler) reparentAgent(w http.ResponseWriter, r *http.Request) {
	var req reparentRequest
	if !decode(w, r, &req) {
		return
	}
	h.mutateAgent(w, r, func(id string) error {
		return h.registry.Reparent(r.Context(), id, req.ParentID)
	})
}

// statsRequest either grants experience or replaces the whole stat block.
type statsRequest struct {
	AddExperience *float64        `json:"add_experience,omitempty"`
	Stats         *registry.Stats `json:"stats,omitempty"`
}

func (h *Handler) updateStats(w http.ResponseWriter, r *http.Request) {
	var req statsRequest
	if !decode(w, r, &req) {
		return
	}
	h.mutateAgent(w, r, func(id string) error {
		switch {
		case req.AddExperience != nil && req.Stats == nil:
			return h.registry.AddExperience(r.Context(), id, *req.AddExperience)
		case req.Stats != nil && req.AddExperience == nil:
			next := *req.Stats
			return h.registry.UpdateStats(r.Context(), id, func(registry.Stats) registry.Stats { return next })
		}
		return errBadStats
	})
}

// mutateAgent runs fn on the agent named in the URL and answers with its new
// state.
func (h *Handler) mutateAgent(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.registry.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) lineage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.answerIDs(w, r, "lineage", id,
		func() ([]string, error) { return h.registry.Lineage(id) },
		func(ctx context.Context) ([]string, error) { return h.graph.Lineage(ctx, id) })
}

func (h *Handler) subtree(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.answerIDs(w, r, "subtree", id,
		func() ([]string, error) { return h.registry.Subtree(id) },
		func(ctx context.Context) ([]string, error) { return h.graph.Subtree(ctx, id) })
}

func (h *Handler) toolHolders(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.registry.GetTool(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.answerIDs(w, r, "holders", id,
		func() ([]string, error) {
			var ids []string
			for a := range h.registry.Query(registry.Filter{Tool: id}) {
				ids = append(ids, a.ID)
			}
			return ids, nil
		},
		func(ctx context.Context) ([]string, error) { return h.graph.Holders(ctx, id) })
}

// answerIDs serves an id list from the registry, or from the Neo4j mirror
// when the request asks for ?source=graph.
func (h *Handler) answerIDs(w http.ResponseWriter, r *http.Request, key, id string,
	local func() ([]string, error), mirror func(ctx context.Context) ([]string, error)) {
	source := "registry"
	var (
		ids []string
		err error
	)
	if r.URL.Query().Get("source") == "graph" {
		if h.graph == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "graph mirror not configured"})
			return
		}
		source = "graph"
		ids, err = mirror(r.Context())
	} else {
		ids, err = local()
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, key: nonNil(ids), "source": source})
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.ListTools())
}

func (h *Handler) getTool(w http.ResponseWriter, r *http.Request) {
	t, err := h.registry.GetTool(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) searchTools(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "tool catalog not configured"})
		return
	}
	matches, err := h.catalog.Search(r.Context(), r.URL.Query().Get("q"), queryInt(r, "limit", 10))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
